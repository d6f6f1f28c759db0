// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// CopyCache/CopyCacheForBlocks/CopyCacheForContinuous (spec §4.9) and the
// CopyJob scheduling policy. Tensor addresses are opaque u64 values (spec §9
// "Dynamic casts / raw addresses" - never dereferenced locally); the actual
// byte-moving memcpy/device-memcpy is an external collaborator (spec §1:
// "Huawei-specific rtMemcpy... SO-dispatch plumbing... external
// collaborators"), injected here as the Copier interface.
package cache

import (
	"sync"

	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/memsys"
)

type CopyKind int32

const (
	H2H CopyKind = iota
	H2D
	D2H
	D2D
)

func kindOf(src, dst memsys.MemKind) CopyKind {
	switch {
	case src == memsys.Host && dst == memsys.Host:
		return H2H
	case src == memsys.Host && dst == memsys.Device:
		return H2D
	case src == memsys.Device && dst == memsys.Host:
		return D2H
	default:
		return D2D
	}
}

// Copier performs the actual byte move for one contiguous run; it is the
// capability trait spec §9 calls for around rtMemcpy/HCCL dispatch.
type Copier interface {
	Copy(kind CopyKind, dstAddr, srcAddr, size uint64) error
}

const (
	d2dAsyncThreshold = 2 << 20        // 2 MiB
	d2dChunkLimit     = 4 << 30        // 4 GiB
	maxCopyWorkers    = 4
)

// CopyJob runs one or more (dstAddr,srcAddr,size) copy ops, choosing an
// async D2D path for large/mbuf-involved transfers and a bounded
// thread-pool memcpy otherwise (spec §4.9).
type CopyJob struct {
	copier      Copier
	mbufInvolved bool
}

func NewCopyJob(c Copier, mbufInvolved bool) *CopyJob {
	return &CopyJob{copier: c, mbufInvolved: mbufInvolved}
}

type copyOp struct {
	dstAddr, srcAddr, size uint64
}

func (j *CopyJob) Run(kind CopyKind, ops []copyOp) error {
	if kind == D2D && (j.anyLarge(ops) || j.mbufInvolved) {
		return j.runAsyncD2D(ops)
	}
	return j.runPooled(kind, ops)
}

func (j *CopyJob) anyLarge(ops []copyOp) bool {
	for _, op := range ops {
		if op.size >= d2dAsyncThreshold {
			return true
		}
	}
	return false
}

// runAsyncD2D splits any op larger than 4 GiB into <=4GiB chunks and issues
// them concurrently (the "async device-to-device" path).
func (j *CopyJob) runAsyncD2D(ops []copyOp) error {
	var chunks []copyOp
	for _, op := range ops {
		chunks = append(chunks, splitChunks(op, d2dChunkLimit)...)
	}
	return j.runPooled(D2D, chunks)
}

func splitChunks(op copyOp, limit uint64) []copyOp {
	if op.size <= limit {
		return []copyOp{op}
	}
	var out []copyOp
	var off uint64
	for off < op.size {
		n := op.size - off
		if n > limit {
			n = limit
		}
		out = append(out, copyOp{dstAddr: op.dstAddr + off, srcAddr: op.srcAddr + off, size: n})
		off += n
	}
	return out
}

// runPooled runs ops through up to maxCopyWorkers goroutines, collecting the
// first error (spec: "thread-pool-based synchronous memcpy, up to 4 workers").
func (j *CopyJob) runPooled(kind CopyKind, ops []copyOp) error {
	workers := maxCopyWorkers
	if len(ops) < workers {
		workers = len(ops)
	}
	if workers == 0 {
		return nil
	}
	opCh := make(chan copyOp)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range opCh {
				if err := j.copier.Copy(kind, op.dstAddr, op.srcAddr, op.size); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}
	for _, op := range ops {
		opCh <- op
	}
	close(opCh)
	wg.Wait()
	return firstErr
}

// ContinuousParam describes a CopyCache call with empty copy_block_infos:
// offset-based continuous copy within one batch slot of each entry.
type ContinuousParam struct {
	SrcBatchIndex uint64
	DstBatchIndex uint64
	Offset        uint64
	Size          uint64 // 0 means src_stride - offset
}

// CopyCacheForContinuous copies one (src_stride-sized, offset-adjusted) slice
// from src's batch slot to dst's batch slot, per tensor.
func (m *Manager) CopyCacheForContinuous(job *CopyJob, dst, src *Entry, p ContinuousParam) error {
	if src.MemType != Contiguous || dst.MemType != Contiguous {
		return errs.New(errs.ParamInvalid, "CopyCacheForContinuous requires CONTIGUOUS entries")
	}
	size := p.Size
	if size == 0 {
		size = src.Stride - p.Offset
	}
	if p.Offset+size > src.Stride || p.Offset+size > dst.Stride {
		return errs.New(errs.ParamInvalid, "copy range exceeds tensor stride")
	}
	kind := kindOf(src.Placement, dst.Placement)
	ops := make([]copyOp, 0, len(src.TensorAddresses))
	for i := range src.TensorAddresses {
		srcOff := src.Stride*p.SrcBatchIndex + p.Offset
		dstOff := dst.Stride*p.DstBatchIndex + p.Offset
		ops = append(ops, copyOp{
			dstAddr: dst.TensorAddresses[i] + dstOff,
			srcAddr: src.TensorAddresses[i] + srcOff,
			size:    size,
		})
	}
	return job.Run(kind, ops)
}

// BlockCopyInfo pairs one source block index with one destination block index.
type BlockCopyInfo struct {
	SrcBlock uint64
	DstBlock uint64
}

// CopyCacheForBlocks copies whole blocks between BLOCKS entries; both block
// indices must be in range, and src_stride must equal dst_stride. With
// numDevices>1, addresses are split per-device (per_device_addr_num =
// total/n_devices), matching the original's multi-device tensor layout.
func (m *Manager) CopyCacheForBlocks(job *CopyJob, dst, src *Entry, infos []BlockCopyInfo, numDevices int) error {
	if src.MemType != Blocks || dst.MemType != Blocks {
		return errs.New(errs.ParamInvalid, "CopyCacheForBlocks requires BLOCKS entries")
	}
	if src.Stride != dst.Stride {
		return errs.New(errs.ParamInvalid, "src_stride must equal dst_stride")
	}
	if numDevices <= 0 {
		numDevices = 1
	}
	total := len(src.TensorAddresses)
	if total%numDevices != 0 {
		return errs.New(errs.ParamInvalid, "tensor count not divisible by n_devices")
	}
	perDevice := total / numDevices

	kind := kindOf(src.Placement, dst.Placement)
	var ops []copyOp
	for _, info := range infos {
		if info.SrcBlock >= src.NumBlocks || info.DstBlock >= dst.NumBlocks {
			return errs.New(errs.ParamInvalid, "block index out of range")
		}
		for dev := 0; dev < numDevices; dev++ {
			base := dev * perDevice
			for t := 0; t < perDevice; t++ {
				ops = append(ops, copyOp{
					dstAddr: dst.TensorAddresses[base+t] + dst.Stride*info.DstBlock,
					srcAddr: src.TensorAddresses[base+t] + src.Stride*info.SrcBlock,
					size:    src.Stride,
				})
			}
		}
	}
	return job.Run(kind, ops)
}

// SwapBlocks copies, for every tensor, block p.SrcBlock of src into block
// p.DstBlock of dst for each pair; the direction is src to dst. It is a
// one-way copy: the contents of src are left unchanged, and no exchange
// through a staging block takes place.
func (m *Manager) SwapBlocks(job *CopyJob, src, dst *Entry, blockSize uint64, pairs []BlockCopyInfo) error {
	if src.MemType != Blocks || dst.MemType != Blocks {
		return errs.New(errs.ParamInvalid, "SwapBlocks requires BLOCKS entries")
	}
	stage := make([]byte, blockSize) // address-space placeholder; real bytes live behind Copier
	_ = stage
	kind := kindOf(src.Placement, dst.Placement)
	for _, p := range pairs {
		if p.SrcBlock >= src.NumBlocks || p.DstBlock >= dst.NumBlocks {
			return errs.New(errs.ParamInvalid, "block index out of range")
		}
		for i := range src.TensorAddresses {
			srcAddr := src.TensorAddresses[i] + blockSize*p.SrcBlock
			dstAddr := dst.TensorAddresses[i] + blockSize*p.DstBlock
			if err := job.copier.Copy(kind, dstAddr, srcAddr, blockSize); err != nil {
				return err
			}
		}
	}
	return nil
}
