// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// DataTransferClient implements the PullCache request-slot protocol and the
// PullCacheByGet direct path of spec §4.7.
package xfer

import (
	"context"
	"time"

	"github.com/nvidia/llmdatadist/cache"
	"github.com/nvidia/llmdatadist/cmn/atomic"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/link"
)

// Slot is a pinned, RDMA-addressable request or response region: Addr is
// the address a peer PUTs into, Data is the local view of its bytes, and
// Flag is the volatile one-byte completion flag spun on by the reader side.
type Slot struct {
	Addr uint64
	Data []byte
	Flag atomic.Bool
}

func NewSlot(addr uint64, size int) *Slot {
	return &Slot{Addr: addr, Data: make([]byte, size)}
}

const spinPollInterval = 200 * time.Microsecond

// Client is the DataTransferClient of spec §4.7: one per CommEntity, it owns
// the local request/response slots shared by RDMA with the peer entity.
type Client struct {
	entity      *link.Entity
	reqSlot     *Slot
	reqFlagSlot *Slot // 1-byte local staging buffer PUT to the peer's flag address
	respSlot    *Slot

	cacheMgr    *cache.Manager
	accessTable *cache.Builder
}

func NewClient(entity *link.Entity, reqSlot, reqFlagSlot, respSlot *Slot, cacheMgr *cache.Manager, accessTable *cache.Builder) *Client {
	return &Client{entity: entity, reqSlot: reqSlot, reqFlagSlot: reqFlagSlot, respSlot: respSlot, cacheMgr: cacheMgr, accessTable: accessTable}
}

// PullCache implements the request path of spec §4.7:
//  1. fill the local request slot and PUT it to the peer's request region,
//     then PUT a 1-byte flag;
//  2. spin-read the local response flag until set or timeoutInMs elapses;
//  3. read the response status from the local response slot.
func (c *Client) PullCache(ctx context.Context, req *TransferCacheReq, peerReqAddr, peerFlagAddr uint64, timeoutInMs uint64) (*ResponseInfo, error) {
	payload := req.Serialize()
	if len(payload) > MaxRequestSlotSize {
		return nil, errs.New(errs.ParamInvalid, "request slot exceeds 112 KiB - 8 B flag limit")
	}
	copy(c.reqSlot.Data, payload)

	comm := c.entity.Communicator()
	if err := comm.Put(ctx, c.reqSlot.Addr, peerReqAddr, uint64(len(payload))); err != nil {
		return nil, errs.Wrap(errs.Failed, "put request slot", err)
	}
	c.reqFlagSlot.Data[0] = 1
	if err := comm.Put(ctx, c.reqFlagSlot.Addr, peerFlagAddr, 1); err != nil {
		return nil, errs.Wrap(errs.Failed, "put request flag", err)
	}

	c.respSlot.Flag.Store(false)
	deadline := time.Now().Add(time.Duration(timeoutInMs) * time.Millisecond)
	for !c.respSlot.Flag.Load() {
		if time.Now().After(deadline) {
			return nil, errs.New(errs.Timeout, "response flag not set before deadline")
		}
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Timeout, "context cancelled awaiting response", ctx.Err())
		case <-time.After(spinPollInterval):
		}
	}

	resp, err := DeserializeResponseInfo(c.respSlot.Data)
	if err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return resp, errs.New(errs.Code(resp.RetCode), resp.Message)
	}
	return resp, nil
}

// OnResponseArrived is invoked by the reactor/handler side once the peer has
// PUT its response bytes and flag; it unblocks any PullCache spin-wait.
func (c *Client) OnResponseArrived(data []byte) {
	copy(c.respSlot.Data, data)
	c.respSlot.Flag.Store(true)
}

// PullCacheByGet is the batch-get direct path: used when
// enable_remote_cache_accessible is set on both sides. It resolves the
// remote cache summary from the peer's CacheAccessTable, fetched afresh on
// every call with staleAfter as the fetch timeout, and issues one-sided
// GETs directly against the remote tensor
// addresses, without involving the peer's request handler.
func (c *Client) PullCacheByGet(ctx context.Context, fetcher cache.Fetcher, k cache.Key, localAddrs []uint64, size uint64, staleAfter time.Duration) error {
	table, err := cache.SyncFromRemote(fetcher, staleAfter)
	if err != nil {
		return err
	}
	cacheID, ok := table.Lookup(k)
	if !ok {
		return errs.New(errs.CacheNotExist, "cache key not present in remote access table")
	}
	var summary *cache.CacheSummary
	for i := range table.Summaries {
		if table.Summaries[i].CacheID == cacheID {
			summary = &table.Summaries[i]
			break
		}
	}
	if summary == nil {
		return errs.New(errs.CacheNotExist, "remote access table missing cache summary")
	}
	if !summary.RemoteAccessible {
		return errs.New(errs.ParamInvalid, "remote cache is not remote-accessible")
	}
	if len(localAddrs) > len(summary.TensorAddrs) {
		return errs.New(errs.ParamInvalid, "requested more tensors than the remote cache summary publishes")
	}

	comm := c.entity.Communicator()
	for i, localAddr := range localAddrs {
		if err := comm.Get(ctx, localAddr, summary.TensorAddrs[i], size); err != nil {
			return errs.Wrap(errs.Failed, "get cache tensor", err)
		}
	}
	return nil
}
