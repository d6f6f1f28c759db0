// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package xfer implements TransferPlanner, DataTransferClient and
// LayerWiseTransferJob (spec §4.7): deciding how a pull/push/transfer request
// is broken into one-sided PUT/GET descriptors given the layout class on
// each side, and whether the buffered staging path is required. Grounded on
// aistore's transport-bundle streaming idiom (other_examples'
// transport-bundle-shared_dm.go.go: a planning/dispatch layer sitting above
// a raw byte-stream sender) generalized to address-pair descriptors instead
// of byte streams.
package xfer

import (
	"sort"

	"github.com/nvidia/llmdatadist/cache"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/memsys"
)

// NeedBufferThreshold is kNeedUseBufferThresh (spec §4.7): ops shorter than
// this always go through the staging buffer rather than direct RDMA.
const NeedBufferThreshold = 256 * 1024

// Op is one planned transfer descriptor: move Length bytes from SrcAddr to
// DstAddr. SrcBlock/DstBlock are set (>=0) only for block-addressed runs.
type Op struct {
	SrcAddr, DstAddr uint64
	Length           uint64
	SrcBlock         int64
	DstBlock         int64
}

// Plan is the TransferPlanner's output for one request.
type Plan struct {
	Ops        []Op
	NeedBuffer bool
}

// Layout aliases cache.MemType: the layout class vocabulary (CONTIG/BLOCKS/
// MIX) is the same concept as a CacheEntry's mem_type, so the planner reuses
// the cache package's type rather than inventing a parallel enum.
type Layout = cache.MemType

const (
	Contig = cache.Contiguous
	Blocks = cache.Blocks
	Mix    = cache.Mix
)

// PlanRequest carries everything the planner needs to turn one
// (srcEntry,dstEntry) pair plus a caller-selected tensor/layer range into a
// Plan.
type PlanRequest struct {
	Src, Dst *cache.Entry

	// PullSize defaults to the source stride when zero (CONTIG->CONTIG).
	PullSize uint64

	// BlockMemSize is the per-block byte size used to split a CONTIG source
	// into pieces for a BLOCKS destination.
	BlockMemSize uint64

	// DstBlockIDs names the destination blocks a CONTIG->BLOCKS split maps
	// onto, one per piece (len(DstBlockIDs) may exceed num_pieces; only the
	// first num_pieces are used).
	DstBlockIDs []uint64

	// SrcBlockIDs/DstBlockIDs drive BLOCKS->BLOCKS coalescing: SrcBlockIDs
	// and the parallel DstBlockIDs name one (src,dst) block pair per index.
	SrcBlockIDs []uint64

	// TensorIndices select a dense contiguous subset of tensors on each
	// side; empty means "all tensors".
	SrcTensorIndices []int
	DstTensorIndices []int
}

// PlanTransfer dispatches on (src.MemType, dst.MemType) per the layout matrix of
// spec §4.7.
func PlanTransfer(req PlanRequest) (*Plan, error) {
	srcIdx, err := denseRange(req.SrcTensorIndices, len(req.Src.TensorAddresses))
	if err != nil {
		return nil, errs.Wrap(errs.ParamInvalid, "src_tensor_indices", err)
	}
	dstIdx, err := denseRange(req.DstTensorIndices, len(req.Dst.TensorAddresses))
	if err != nil {
		return nil, errs.Wrap(errs.ParamInvalid, "dst_tensor_indices", err)
	}
	if len(req.SrcTensorIndices) != 0 && len(req.DstTensorIndices) != 0 && len(srcIdx) != len(dstIdx) {
		return nil, errs.New(errs.ParamInvalid, "src/dst tensor_indices must have equal length")
	}

	srcAddrs := sliceAddrs(req.Src.TensorAddresses, srcIdx)
	dstAddrs := sliceAddrs(req.Dst.TensorAddresses, dstIdx)

	switch {
	case req.Src.MemType == Contig && req.Dst.MemType == Contig:
		return planContigToContig(srcAddrs, dstAddrs, req)
	case req.Src.MemType == Contig && req.Dst.MemType == Blocks:
		return planContigToBlocks(srcAddrs, req)
	case req.Src.MemType == Blocks && req.Dst.MemType == Contig:
		return nil, errs.New(errs.ParamInvalid, "BLOCKS->CONTIG transfer is forbidden")
	case req.Src.MemType == Blocks && req.Dst.MemType == Blocks:
		return planBlocksToBlocks(srcAddrs, dstAddrs, req)
	default:
		return nil, errs.New(errs.ParamInvalid, "unsupported layout combination (MIX requires per-tensor dispatch)")
	}
}

func planContigToContig(srcAddrs, dstAddrs []uint64, req PlanRequest) (*Plan, error) {
	if len(srcAddrs) != len(dstAddrs) {
		return nil, errs.New(errs.ParamInvalid, "CONTIG->CONTIG requires equal tensor counts")
	}
	size := req.PullSize
	if size == 0 {
		size = req.Src.Stride
	}
	ops := make([]Op, len(srcAddrs))
	for i := range srcAddrs {
		ops[i] = Op{SrcAddr: srcAddrs[i], DstAddr: dstAddrs[i], Length: size, SrcBlock: -1, DstBlock: -1}
	}
	return &Plan{Ops: ops, NeedBuffer: decideNeedBuffer(ops, req)}, nil
}

// planContigToBlocks splits each source tensor's tensor_size into
// ceil(tensor_size/block_mem_size) pieces (last may be a remainder),
// mapping piece i to DstBlockIDs[i].
func planContigToBlocks(srcAddrs []uint64, req PlanRequest) (*Plan, error) {
	if req.BlockMemSize == 0 {
		return nil, errs.New(errs.ParamInvalid, "block_mem_size must be > 0")
	}
	numPieces := int((req.Src.TensorSize + req.BlockMemSize - 1) / req.BlockMemSize)
	if numPieces > len(req.DstBlockIDs) {
		return nil, errs.New(errs.ParamInvalid, "dst_blocks.size must be >= number_of_pieces")
	}

	var ops []Op
	for _, srcAddr := range srcAddrs {
		var off uint64
		for p := 0; p < numPieces; p++ {
			n := req.BlockMemSize
			if off+n > req.Src.TensorSize {
				n = req.Src.TensorSize - off
			}
			dstBlock := req.DstBlockIDs[p]
			dstAddr := req.Dst.TensorAddresses[0] + req.Dst.Stride*dstBlock
			ops = append(ops, Op{SrcAddr: srcAddr + off, DstAddr: dstAddr, Length: n, SrcBlock: -1, DstBlock: int64(dstBlock)})
			off += n
		}
	}
	return &Plan{Ops: ops, NeedBuffer: decideNeedBuffer(ops, req)}, nil
}

// planBlocksToBlocks coalesces (src,dst) block-id pairs into runs of
// adjacent dst ids backed by matching src-id stride, emitting one
// descriptor per run instead of one per block (spec §4.7).
func planBlocksToBlocks(srcAddrs, dstAddrs []uint64, req PlanRequest) (*Plan, error) {
	n := len(req.SrcBlockIDs)
	if n == 0 || n != len(req.DstBlockIDs) {
		return nil, errs.New(errs.ParamInvalid, "src/dst block id lists must be equal, non-empty length")
	}
	if req.Src.Stride != req.Dst.Stride {
		return nil, errs.New(errs.ParamInvalid, "BLOCKS->BLOCKS requires equal stride")
	}
	stride := req.Src.Stride
	if len(srcAddrs) != len(dstAddrs) {
		return nil, errs.New(errs.ParamInvalid, "BLOCKS->BLOCKS requires equal tensor counts")
	}

	type pair struct{ src, dst uint64 }
	pairs := make([]pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = pair{req.SrcBlockIDs[i], req.DstBlockIDs[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dst < pairs[j].dst })

	var ops []Op
	for t, srcAddr := range srcAddrs {
		for _, dstAddr := range dstAddrs[t : t+1] {
			i := 0
			for i < len(pairs) {
				j := i
				for j+1 < len(pairs) &&
					pairs[j+1].dst == pairs[j].dst+1 &&
					pairs[j+1].src == pairs[j].src+1 {
					j++
				}
				runLen := uint64(j-i+1) * stride
				ops = append(ops, Op{
					SrcAddr:  srcAddr + stride*pairs[i].src,
					DstAddr:  dstAddr + stride*pairs[i].dst,
					Length:   runLen,
					SrcBlock: int64(pairs[i].src),
					DstBlock: int64(pairs[i].dst),
				})
				i = j + 1
			}
		}
	}
	return &Plan{Ops: ops, NeedBuffer: decideNeedBuffer(ops, req)}, nil
}

// decideNeedBuffer implements spec §4.7's need_buffer decision.
func decideNeedBuffer(ops []Op, req PlanRequest) bool {
	for _, op := range ops {
		if op.Length < NeedBufferThreshold {
			return true
		}
	}
	if req.Src.Placement == memsys.Host && req.Dst.Placement == memsys.Host {
		return true
	}
	return false
}

// denseRange validates that indices form a dense contiguous range
// (unique_elements.max - min + 1 == size) per spec §4.7, returning the
// sorted index slice. An empty input means "all of [0,total)".
func denseRange(indices []int, total int) ([]int, error) {
	if len(indices) == 0 {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	seen := make(map[int]bool, len(indices))
	lo, hi := indices[0], indices[0]
	for _, idx := range indices {
		if idx < 0 || idx >= total {
			return nil, errs.New(errs.ParamInvalid, "tensor index out of range")
		}
		if seen[idx] {
			return nil, errs.New(errs.ParamInvalid, "duplicate tensor index")
		}
		seen[idx] = true
		if idx < lo {
			lo = idx
		}
		if idx > hi {
			hi = idx
		}
	}
	if hi-lo+1 != len(indices) {
		return nil, errs.New(errs.ParamInvalid, "tensor_indices must be a dense contiguous range")
	}
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.Ints(sorted)
	return sorted, nil
}

func sliceAddrs(addrs []uint64, idx []int) []uint64 {
	out := make([]uint64, len(idx))
	for i, j := range idx {
		out[i] = addrs[j]
	}
	return out
}

// LayerRange validates [lo,hi) on each side have equal widths and fit
// within num_tensors/tensor_num_per_layer (spec §4.7).
type LayerRange struct {
	Lo, Hi int
}

func ValidateLayerRange(src, dst LayerRange, srcNumTensors, dstNumTensors, tensorNumPerLayer int) error {
	if src.Hi <= src.Lo || dst.Hi <= dst.Lo {
		return errs.New(errs.ParamInvalid, "layer range must be non-empty")
	}
	if src.Hi-src.Lo != dst.Hi-dst.Lo {
		return errs.New(errs.ParamInvalid, "src/dst layer ranges must have equal width")
	}
	if tensorNumPerLayer <= 0 {
		return errs.New(errs.ParamInvalid, "tensor_num_per_layer must be > 0")
	}
	srcNumLayers := srcNumTensors / tensorNumPerLayer
	dstNumLayers := dstNumTensors / tensorNumPerLayer
	if src.Hi > srcNumLayers || dst.Hi > dstNumLayers {
		return errs.New(errs.ParamInvalid, "layer range exceeds num_tensors/tensor_num_per_layer")
	}
	return nil
}
