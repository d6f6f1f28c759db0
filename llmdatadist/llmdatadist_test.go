// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package llmdatadist

import (
	"context"
	"testing"
	"time"

	"github.com/nvidia/llmdatadist/cache"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/link"
	"github.com/nvidia/llmdatadist/memsys"
)

// fakeComm is a minimal in-memory Communicator stand-in, the same shape as
// link/manager_test.go's fakeComm: it echoes the local memory descriptors
// back as "remote" and no-ops every Put/Get, so PullCache/TransferCache
// exercise the real request/response plumbing without touching hardware.
type fakeComm struct{}

func (fakeComm) InitComm(ctx context.Context, clusterName, rankTable string, ranks map[string]int) error {
	return nil
}
func (fakeComm) DestroyComm() error { return nil }
func (fakeComm) ExchangeMem(ctx context.Context, local link.ExchangeMemInfo, timeout time.Duration) (link.ExchangeMemInfo, error) {
	return local, nil
}
func (fakeComm) RegisterMem(addr, length uint64) error                          { return nil }
func (fakeComm) DeregisterMem(addr, length uint64) error                        { return nil }
func (fakeComm) Put(ctx context.Context, localAddr, remoteAddr, length uint64) error { return nil }
func (fakeComm) Get(ctx context.Context, localAddr, remoteAddr, length uint64) error { return nil }
func (fakeComm) Supports(op string) bool                                        { return true }
func (fakeComm) Bind(ctx context.Context) error                                 { return nil }
func (fakeComm) Unbind(ctx context.Context) error                               { return nil }
func (fakeComm) Prepare(ctx context.Context) error                              { return nil }

// fakeFetcher serves a pre-serialized CacheAccessTable buffer for
// PullCacheByGet's SyncFromRemote call, standing in for the one-sided GET a
// real peer would issue against the remote CacheAccessTable region.
type fakeFetcher struct{ buf []byte }

func (f fakeFetcher) FetchAccessTable(ctx context.Context) ([]byte, error) { return f.buf, nil }

func testOptions() map[string]string {
	return map[string]string{
		"device_id":           "0",
		"host_mem_pool_config": `{"memory_size":1048576,"page_shift":10}`,
	}
}

func newTestDist(t *testing.T) *LLMDataDist {
	t.Helper()
	d, err := Initialize("cluster-a", RolePrompt, testOptions(), Dependencies{
		CommFactory: func(clusterName string) (link.Communicator, error) { return fakeComm{}, nil },
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = d.Finalize() })
	return d
}

func allocEntry(t *testing.T, d *LLMDataDist, remoteAccessible bool) *cache.Entry {
	t.Helper()
	e, err := d.Allocate(CacheDesc{
		Placement:  memsys.Host,
		MemType:    cache.Contiguous,
		TensorSize: 4096,
		Stride:     4096,
		BatchSize:  1,
		NumTensors: 2,
		RemoteAccessible: remoteAccessible,
	}, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return e
}

// TestPullCacheTimesOutWithoutPeerResponse exercises the request-slot path
// end to end: a fake peer never PUTs a response, so PullCache must return
// once its own timeout elapses rather than hang forever (spec §4.7's
// round-trip timeout contract), proving PullCache genuinely reaches
// xfer.Client instead of being dead code behind the public API.
func TestPullCacheTimesOutWithoutPeerResponse(t *testing.T) {
	d := newTestDist(t)

	commID, err := d.Link(context.Background(), "cluster-b", "{}", map[string]int{"cluster-b": 0})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	dst := allocEntry(t, d, false)

	_, err = d.PullCache(context.Background(), commID, dst.CacheID, cache.Key{ReqID: 1, ModelID: 1}, PullCacheParam{TimeoutInMs: 20})
	if !errs.Is(err, errs.Timeout) {
		t.Fatalf("PullCache err = %v, want Timeout", err)
	}
}

// TestPullCacheUnknownCommIDFails confirms an unlinked comm_id returns
// FeatureNotEnabled rather than panicking on a nil xfer.Client.
func TestPullCacheUnknownCommIDFails(t *testing.T) {
	d := newTestDist(t)
	_, err := d.PullCache(context.Background(), "no-such-comm", 1, cache.Key{}, PullCacheParam{TimeoutInMs: 10})
	if !errs.Is(err, errs.FeatureNotEnabled) {
		t.Fatalf("PullCache err = %v, want FeatureNotEnabled", err)
	}
}

// TestPullCacheByGetReadsRemoteSummary builds a CacheAccessTable buffer by
// hand (the wire format cache/accesstable.go serializes), the way a remote
// peer's mirrored table would arrive over a GET, and confirms
// PullCacheByGet resolves the key, rejects a non-remote-accessible summary,
// and succeeds once RemoteAccessible is set.
func TestPullCacheByGetReadsRemoteSummary(t *testing.T) {
	d := newTestDist(t)
	commID, err := d.Link(context.Background(), "cluster-b", "{}", map[string]int{"cluster-b": 0})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	dst := allocEntry(t, d, false)
	key := cache.Key{ReqID: 7, ModelID: 1}

	table := &cache.AccessTable{
		Version: 0,
		Summaries: []cache.CacheSummary{
			{CacheID: 99, TensorSize: 4096, Stride: 4096, BatchSize: 1, NumTensors: 2,
				TensorAddrs: []uint64{0x4000, 0x5000}, RemoteAccessible: false},
		},
		Indices: []cache.CacheIndexEntry{{ReqID: key.ReqID, ModelID: key.ModelID, CacheID: 99}},
	}
	fetcher := fakeFetcher{buf: table.Serialize()}

	err = d.PullCacheByGet(context.Background(), commID, fetcher, key, dst.CacheID, time.Second)
	if !errs.Is(err, errs.ParamInvalid) {
		t.Fatalf("PullCacheByGet with non-remote-accessible summary: err = %v, want ParamInvalid", err)
	}

	table.Summaries[0].RemoteAccessible = true
	fetcher.buf = table.Serialize()
	if err := d.PullCacheByGet(context.Background(), commID, fetcher, key, dst.CacheID, time.Second); err != nil {
		t.Fatalf("PullCacheByGet: %v", err)
	}
}

// TestTransferCacheBatchAndBlockPaths covers TransferCache's whole-batch and
// block-addressed paths, confirming xfer.Job is reachable and block indices
// out of range are rejected.
func TestTransferCacheBatchAndBlockPaths(t *testing.T) {
	d := newTestDist(t)
	commID, err := d.Link(context.Background(), "cluster-b", "{}", map[string]int{"cluster-b": 0})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	src := allocEntry(t, d, false)
	dst := allocEntry(t, d, false)

	cfg := TransferCacheConfig{SrcCacheID: src.CacheID, DstCacheID: dst.CacheID, DeadlineMs: 50}
	if err := d.TransferCache(context.Background(), commID, "task-1", cfg, TransferBlockConfig{}); err != nil {
		t.Fatalf("TransferCache (batch): %v", err)
	}

	ok := TransferBlockConfig{Pairs: []cache.BlockCopyInfo{{SrcBlock: 0, DstBlock: 1}}}
	if err := d.TransferCache(context.Background(), commID, "task-2", cfg, ok); err != nil {
		t.Fatalf("TransferCache (blocks): %v", err)
	}

	bad := TransferBlockConfig{Pairs: []cache.BlockCopyInfo{{SrcBlock: 0, DstBlock: 9}}}
	if err := d.TransferCache(context.Background(), commID, "task-3", cfg, bad); !errs.Is(err, errs.ParamInvalid) {
		t.Fatalf("TransferCache (out-of-range block) err = %v, want ParamInvalid", err)
	}
}

// TestTransferCacheUnknownCommIDFails confirms the same FeatureNotEnabled
// guard as PullCache for an unlinked comm_id.
func TestTransferCacheUnknownCommIDFails(t *testing.T) {
	d := newTestDist(t)
	err := d.TransferCache(context.Background(), "no-such-comm", "task", TransferCacheConfig{}, TransferBlockConfig{})
	if !errs.Is(err, errs.FeatureNotEnabled) {
		t.Fatalf("TransferCache err = %v, want FeatureNotEnabled", err)
	}
}
