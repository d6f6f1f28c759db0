// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package memsys

import (
	"runtime"
	"sync/atomic"
)

// Handle is a reference-counted lease on a pool span. Its destructor (via a
// finalizer, mirroring the original's shared_ptr<Block>-with-custom-deleter)
// returns the block to the pool once the last reference drops; callers should
// still call Release explicitly on the hot path rather than rely on the GC.
type Handle struct {
	pool *Pool
	addr uint64
	size uint64
	refs int32
}

// AllocShared allocates a span and wraps it in a Handle whose refcount starts
// at 1.
func (p *Pool) AllocShared(size uint64) (*Handle, error) {
	addr, err := p.Alloc(size)
	if err != nil {
		return nil, err
	}
	h := &Handle{pool: p, addr: addr, size: size, refs: 1}
	runtime.SetFinalizer(h, (*Handle).finalize)
	return h, nil
}

func (h *Handle) Addr() uint64 { return h.addr }
func (h *Handle) Size() uint64 { return h.size }

// Retain increments the refcount; pairs with an extra Release.
func (h *Handle) Retain() *Handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Release decrements the refcount, freeing the underlying span to the pool
// when it reaches zero.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) == 0 {
		runtime.SetFinalizer(h, nil)
		_ = h.pool.Free(h.addr)
	}
}

func (h *Handle) finalize() {
	if atomic.LoadInt32(&h.refs) > 0 {
		_ = h.pool.Free(h.addr)
	}
}
