// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package xfer

import (
	"testing"

	"github.com/nvidia/llmdatadist/cache"
	"github.com/nvidia/llmdatadist/errs"
)

// Reproduces the CONTIG->BLOCKS-with-remainder fixture of the original's
// test_data_cache_engine.cc (scenario 3): src shape [1,7]int32 (28 bytes),
// dst BLOCKS stride 8 bytes (2 int32 per block) -> 4 pieces, last a 4-byte
// remainder, mapped onto decoder_blocks {1,3,5,7}.
func TestPlanContigToBlocksRemainder(t *testing.T) {
	src := &cache.Entry{
		MemType:         cache.Contiguous,
		TensorSize:      28,
		Stride:          28,
		BatchSize:       1,
		TensorAddresses: []uint64{0x1000},
	}
	dst := &cache.Entry{
		MemType:         cache.Blocks,
		TensorSize:      8 * 64,
		Stride:          8,
		NumBlocks:       64,
		TensorAddresses: []uint64{0x2000},
	}

	plan, err := PlanTransfer(PlanRequest{
		Src: src, Dst: dst,
		BlockMemSize: 8,
		DstBlockIDs:  []uint64{1, 3, 5, 7},
	})
	if err != nil {
		t.Fatalf("PlanTransfer: %v", err)
	}
	if len(plan.Ops) != 4 {
		t.Fatalf("got %d ops, want 4", len(plan.Ops))
	}

	want := []Op{
		{SrcAddr: 0x1000, DstAddr: 0x2000 + 8*1, Length: 8, SrcBlock: -1, DstBlock: 1},
		{SrcAddr: 0x1008, DstAddr: 0x2000 + 8*3, Length: 8, SrcBlock: -1, DstBlock: 3},
		{SrcAddr: 0x1010, DstAddr: 0x2000 + 8*5, Length: 8, SrcBlock: -1, DstBlock: 5},
		{SrcAddr: 0x1018, DstAddr: 0x2000 + 8*7, Length: 4, SrcBlock: -1, DstBlock: 7},
	}
	for i, w := range want {
		if plan.Ops[i] != w {
			t.Errorf("op[%d] = %+v, want %+v", i, plan.Ops[i], w)
		}
	}
}

// BLOCKS->BLOCKS must coalesce adjacent (src,dst) id runs into one
// descriptor and leave a non-adjacent pair as its own descriptor.
func TestPlanBlocksToBlocksCoalescing(t *testing.T) {
	const stride = 512
	src := &cache.Entry{MemType: cache.Blocks, Stride: stride, NumBlocks: 128, TensorAddresses: []uint64{0x5000}}
	dst := &cache.Entry{MemType: cache.Blocks, Stride: stride, NumBlocks: 128, TensorAddresses: []uint64{0x9000}}

	plan, err := PlanTransfer(PlanRequest{
		Src: src, Dst: dst,
		SrcBlockIDs: []uint64{0, 1, 2, 5},
		DstBlockIDs: []uint64{10, 11, 12, 20},
	})
	if err != nil {
		t.Fatalf("PlanTransfer: %v", err)
	}
	if len(plan.Ops) != 2 {
		t.Fatalf("got %d ops, want 2 (one coalesced run of 3, one singleton)", len(plan.Ops))
	}
	run := plan.Ops[0]
	if run.Length != 3*stride || run.SrcAddr != 0x5000 || run.DstAddr != 0x9000+stride*10 {
		t.Errorf("coalesced run = %+v", run)
	}
	single := plan.Ops[1]
	if single.Length != stride || single.SrcAddr != 0x5000+stride*5 || single.DstAddr != 0x9000+stride*20 {
		t.Errorf("singleton run = %+v", single)
	}
}

func TestPlanBlocksToContigForbidden(t *testing.T) {
	src := &cache.Entry{MemType: cache.Blocks, Stride: 8, NumBlocks: 4, TensorAddresses: []uint64{0x1000}}
	dst := &cache.Entry{MemType: cache.Contiguous, Stride: 8, BatchSize: 4, TensorAddresses: []uint64{0x2000}}

	_, err := PlanTransfer(PlanRequest{Src: src, Dst: dst})
	if !errs.Is(err, errs.ParamInvalid) {
		t.Fatalf("want ParamInvalid, got %v", err)
	}
}

func TestDenseRangeRejectsGaps(t *testing.T) {
	src := &cache.Entry{MemType: cache.Contiguous, Stride: 8, BatchSize: 1, TensorAddresses: []uint64{1, 2, 3}}
	dst := &cache.Entry{MemType: cache.Contiguous, Stride: 8, BatchSize: 1, TensorAddresses: []uint64{4, 5, 6}}

	_, err := PlanTransfer(PlanRequest{Src: src, Dst: dst, SrcTensorIndices: []int{0, 2}})
	if !errs.Is(err, errs.ParamInvalid) {
		t.Fatalf("want ParamInvalid for non-contiguous tensor_indices, got %v", err)
	}
}

func TestNeedBufferHostToHostAlwaysBuffered(t *testing.T) {
	src := &cache.Entry{MemType: cache.Contiguous, Stride: 1 << 20, BatchSize: 1, TensorAddresses: []uint64{0x1000}, Placement: 0}
	dst := &cache.Entry{MemType: cache.Contiguous, Stride: 1 << 20, BatchSize: 1, TensorAddresses: []uint64{0x2000}, Placement: 0}

	plan, err := PlanTransfer(PlanRequest{Src: src, Dst: dst, PullSize: 1 << 20})
	if err != nil {
		t.Fatalf("PlanTransfer: %v", err)
	}
	if !plan.NeedBuffer {
		t.Fatalf("Host<->Host transfer must need buffering regardless of size")
	}
}
