// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package cache

import (
	"reflect"
	"testing"

	"github.com/nvidia/llmdatadist/memsys"
)

func TestAccessTableSerializeRoundTrip(t *testing.T) {
	want := &AccessTable{
		Version: 7,
		Summaries: []CacheSummary{
			{CacheID: 1, Placement: memsys.Host, MemType: Contiguous, TensorSize: 4096, Stride: 512, BatchSize: 8, NumBlocks: 0, NumTensors: 2, TensorAddrs: []uint64{0x1000, 0x2000}, RemoteAccessible: true},
			{CacheID: 2, Placement: memsys.Device, MemType: Blocks, TensorSize: 8192, Stride: 1024, BatchSize: 0, NumBlocks: 8, NumTensors: 3, TensorAddrs: []uint64{0x3000, 0x4000, 0x5000}, RemoteAccessible: false},
		},
		Indices: []CacheIndexEntry{
			{ReqID: 100, ModelID: 9, IsPrefix: false, CacheID: 1},
			{PrefixID: 55, ModelID: 9, IsPrefix: true, CacheID: 2},
		},
	}

	got, err := DeserializeAccessTable(want.Serialize())
	if err != nil {
		t.Fatalf("DeserializeAccessTable: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestAccessTableDeserializeRejectsTruncated(t *testing.T) {
	t0 := &AccessTable{Version: 1, Summaries: []CacheSummary{{CacheID: 1}}}
	buf := t0.Serialize()
	if _, err := DeserializeAccessTable(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error deserializing truncated buffer")
	}
}

func TestAccessTableLookupDistinguishesReqAndPrefixKeys(t *testing.T) {
	at := &AccessTable{
		Indices: []CacheIndexEntry{
			{ReqID: 5, ModelID: 1, IsPrefix: false, CacheID: 42},
			{PrefixID: 5, ModelID: 1, IsPrefix: true, CacheID: 99},
		},
	}
	id, ok := at.Lookup(Key{ReqID: 5, ModelID: 1, IsPrefix: false})
	if !ok || id != 42 {
		t.Fatalf("Lookup(req) = (%d,%v), want (42,true)", id, ok)
	}
	id, ok = at.Lookup(Key{PrefixID: 5, ModelID: 1, IsPrefix: true})
	if !ok || id != 99 {
		t.Fatalf("Lookup(prefix) = (%d,%v), want (99,true)", id, ok)
	}
	if _, ok := at.Lookup(Key{ReqID: 404, ModelID: 1}); ok {
		t.Fatal("Lookup of unknown key should miss")
	}
}

func TestBuilderUpdateTableBufferMonotonicVersion(t *testing.T) {
	mgr, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()

	b := NewBuilder(mgr)
	if b.Version() != InvalidVersion {
		t.Fatalf("initial version = %d, want InvalidVersion", b.Version())
	}

	buf1 := b.UpdateTableBuffer()
	v1 := b.Version()
	if v1 != 0 {
		t.Fatalf("first version after update = %d, want 0", v1)
	}

	e := &Entry{Placement: memsys.Host, MemType: Contiguous, TensorSize: 1024, Stride: 512, BatchSize: 2, TensorAddresses: []uint64{0x1000, 0x2000}, RemoteAccessible: true}
	if _, err := mgr.Allocate(e, nil); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	buf2 := b.UpdateTableBuffer()
	v2 := b.Version()
	if v2 != v1+1 {
		t.Fatalf("version did not advance: v1=%d v2=%d", v1, v2)
	}
	if reflect.DeepEqual(buf1, buf2) {
		t.Fatal("buffer should reflect the newly allocated entry")
	}

	got, err := DeserializeAccessTable(buf2)
	if err != nil {
		t.Fatalf("DeserializeAccessTable: %v", err)
	}
	if len(got.Summaries) != 1 || got.Summaries[0].CacheID != e.CacheID {
		t.Fatalf("summaries = %+v, want one entry for cache_id=%d", got.Summaries, e.CacheID)
	}
}
