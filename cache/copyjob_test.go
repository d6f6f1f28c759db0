// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package cache

import (
	"sort"
	"sync"
	"testing"

	"github.com/nvidia/llmdatadist/memsys"
)

type recordingCopier struct {
	mu  sync.Mutex
	ops []copyOp
	err error
}

func (c *recordingCopier) Copy(kind CopyKind, dstAddr, srcAddr, size uint64) error {
	c.mu.Lock()
	c.ops = append(c.ops, copyOp{dstAddr: dstAddr, srcAddr: srcAddr, size: size})
	c.mu.Unlock()
	return c.err
}

func (c *recordingCopier) sorted() []copyOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]copyOp(nil), c.ops...)
	sort.Slice(out, func(i, j int) bool { return out[i].dstAddr < out[j].dstAddr })
	return out
}

func TestCopyCacheForContinuousComputesOffsets(t *testing.T) {
	copier := &recordingCopier{}
	job := NewCopyJob(copier, false)

	src := &Entry{MemType: Contiguous, Placement: memsys.Host, Stride: 100, TensorAddresses: []uint64{0x1000, 0x2000}}
	dst := &Entry{MemType: Contiguous, Placement: memsys.Host, Stride: 100, TensorAddresses: []uint64{0x5000, 0x6000}}

	mgr := &Manager{}
	err := mgr.CopyCacheForContinuous(job, dst, src, ContinuousParam{SrcBatchIndex: 1, DstBatchIndex: 2, Offset: 10, Size: 20})
	if err != nil {
		t.Fatalf("CopyCacheForContinuous: %v", err)
	}

	ops := copier.sorted()
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	want := []copyOp{
		{dstAddr: 0x5000 + 100*2 + 10, srcAddr: 0x1000 + 100*1 + 10, size: 20},
		{dstAddr: 0x6000 + 100*2 + 10, srcAddr: 0x2000 + 100*1 + 10, size: 20},
	}
	for i, w := range want {
		if ops[i] != w {
			t.Fatalf("op[%d] = %+v, want %+v", i, ops[i], w)
		}
	}
}

func TestCopyCacheForContinuousRejectsRangeOverflow(t *testing.T) {
	copier := &recordingCopier{}
	job := NewCopyJob(copier, false)
	src := &Entry{MemType: Contiguous, Placement: memsys.Host, Stride: 100, TensorAddresses: []uint64{0x1000}}
	dst := &Entry{MemType: Contiguous, Placement: memsys.Host, Stride: 100, TensorAddresses: []uint64{0x5000}}
	mgr := &Manager{}
	err := mgr.CopyCacheForContinuous(job, dst, src, ContinuousParam{Offset: 90, Size: 50})
	if err == nil {
		t.Fatal("expected error when offset+size exceeds stride")
	}
}

func TestCopyCacheForBlocksMultiDevice(t *testing.T) {
	copier := &recordingCopier{}
	job := NewCopyJob(copier, false)

	src := &Entry{MemType: Blocks, Placement: memsys.Device, Stride: 64, NumBlocks: 4, TensorAddresses: []uint64{0x100, 0x200, 0x300, 0x400}}
	dst := &Entry{MemType: Blocks, Placement: memsys.Device, Stride: 64, NumBlocks: 4, TensorAddresses: []uint64{0x900, 0xa00, 0xb00, 0xc00}}

	mgr := &Manager{}
	err := mgr.CopyCacheForBlocks(job, dst, src, []BlockCopyInfo{{SrcBlock: 1, DstBlock: 2}}, 2)
	if err != nil {
		t.Fatalf("CopyCacheForBlocks: %v", err)
	}
	ops := copier.sorted()
	if len(ops) != 4 {
		t.Fatalf("got %d ops, want 4 (2 devices x 2 tensors/device)", len(ops))
	}
}

func TestCopyCacheForBlocksRejectsMismatchedStride(t *testing.T) {
	copier := &recordingCopier{}
	job := NewCopyJob(copier, false)
	src := &Entry{MemType: Blocks, Stride: 64, NumBlocks: 2, TensorAddresses: []uint64{0x100}}
	dst := &Entry{MemType: Blocks, Stride: 32, NumBlocks: 2, TensorAddresses: []uint64{0x200}}
	mgr := &Manager{}
	if err := mgr.CopyCacheForBlocks(job, dst, src, nil, 1); err == nil {
		t.Fatal("expected error on src_stride != dst_stride")
	}
}

func TestCopyJobRunAsyncD2DForLargeTransfers(t *testing.T) {
	copier := &recordingCopier{}
	job := NewCopyJob(copier, false)
	ops := []copyOp{{dstAddr: 0, srcAddr: 0, size: d2dAsyncThreshold + 1}}
	if err := job.Run(D2D, ops); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(copier.sorted()) != 1 {
		t.Fatalf("expected 1 op dispatched, got %d", len(copier.sorted()))
	}
}

func TestSplitChunksRespectsLimit(t *testing.T) {
	op := copyOp{dstAddr: 0, srcAddr: 0, size: d2dChunkLimit + 100}
	chunks := splitChunks(op, d2dChunkLimit)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].size != d2dChunkLimit || chunks[1].size != 100 {
		t.Fatalf("chunk sizes = %d,%d want %d,100", chunks[0].size, chunks[1].size, d2dChunkLimit)
	}
}
