// Package cache implements the CacheManager and CacheAccessTable of spec
// §4.6/§4.9: the local catalog of KV-cache tensors, their CacheKey index, and
// the versioned, RDMA-served mirror a remote peer reads to resolve a pull by
// (cache_id) or (req_id, model_id). Grounded on aistore's cluster/meta
// package layout (cluster/meta/rmd.go: small, JSON-tagged catalog structs
// distributed between cluster members) generalized from cluster metadata to
// per-cache metadata.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"github.com/nvidia/llmdatadist/cmn/atomic"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/memsys"
)

type MemType int32

const (
	Contiguous MemType = iota
	Blocks
	Mix
)

func (t MemType) String() string {
	switch t {
	case Contiguous:
		return "contiguous"
	case Blocks:
		return "blocks"
	case Mix:
		return "mix"
	default:
		return "unknown"
	}
}

// Entry is a CacheEntry (spec §3): one registered or allocated KV-cache.
type Entry struct {
	CacheID          uint64
	Placement        memsys.MemKind
	MemType          MemType
	Shape            []int64
	TensorSize       uint64
	Stride           uint64
	BatchSize        uint64 // CONTIGUOUS
	NumBlocks        uint64 // BLOCKS
	TensorAddresses  []uint64
	IsOwned          bool
	RemoteAccessible bool

	extRef   atomic.Int32 // ext_ref_count; 1 while allocated, 0 after Deallocate
	keyCount atomic.Int32 // number of CacheKeys currently pointing at this entry

	handle *memsys.Handle // non-nil iff IsOwned (allocated, not registered)
}

// denom returns batch_size for CONTIGUOUS or num_blocks for BLOCKS, the
// denominator in stride = tensor_size / denom (spec §3, invariant §8.1).
func (e *Entry) denom() uint64 {
	if e.MemType == Blocks {
		return e.NumBlocks
	}
	return e.BatchSize
}

// Validate checks the CacheEntry invariants of spec §3/§8.1.
func (e *Entry) Validate() error {
	d := e.denom()
	if d == 0 {
		return errs.New(errs.ParamInvalid, "batch_size/num_blocks must be > 0")
	}
	if e.TensorSize%d != 0 {
		return errs.New(errs.ParamInvalid, "tensor_size must be a multiple of batch_size/num_blocks")
	}
	if e.Stride != e.TensorSize/d {
		return errs.New(errs.ParamInvalid, "stride must equal tensor_size / (batch_size|num_blocks)")
	}
	if uint64(len(e.TensorAddresses)) != e.numTensors() {
		return errs.New(errs.ParamInvalid, "tensor_addresses length must equal num_tensors")
	}
	return nil
}

func (e *Entry) numTensors() uint64 { return uint64(len(e.TensorAddresses)) }

func (e *Entry) retainKey()  { e.keyCount.Inc() }
func (e *Entry) releaseKey() int32 { return e.keyCount.Dec() }

// destroyed reports whether both the external (allocation) reference and
// every associated CacheKey have been released, per spec §3 ownership rules.
func (e *Entry) destroyed() bool {
	return e.extRef.Load() == 0 && e.keyCount.Load() == 0
}
