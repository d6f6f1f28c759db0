// Package memsys implements the fixed-page-shift span allocator ("ScalableMemPool",
// spec §4.1), the memory registry that backs it with RDMA-style registration
// (§4.2), and the per-endpoint segment table used to decide buffered vs.
// direct transfer paths. It is modelled on aistore's memsys.MMSA/Slab slab
// allocator (see mirror/tcb.go: "e.T.MMSA().GetSlab(memsys.MaxPageSlabSize)",
// "memsys.DefaultBufSize") generalized from fixed slab sizes to a
// span-of-pages allocator, because the CacheEntry tensors this pool backs
// vary in size and must come back as one contiguous run for a one-sided
// RDMA PUT/GET target.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"sync"
	"time"

	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/metrics"
)

const (
	MinPageShift = 10 // 1 KiB
	MaxPageShift = 30 // 1 GiB

	DefaultBufSize   = 64 * 1024
	MaxPageSlabSize  = 1 << 20
	PageSize         = 4 * 1024
)

type MemKind int32

const (
	Host MemKind = iota
	Device
)

func (k MemKind) String() string {
	if k == Device {
		return "device"
	}
	return "host"
}

// Pool is a fixed-page-size span allocator over a single, pre-pinned base
// region. It never subdivides pages: callers packing small objects on top
// of a page are expected to do their own sub-allocation.
type Pool struct {
	mu        sync.Mutex
	cv        *sync.Cond
	base      uint64
	size      uint64
	pageShift uint
	pageSize  uint64
	numPages  int
	used      []bool // per-page occupancy
	spans     map[uint64]int // addr -> num pages, for Free bookkeeping
	leaked    int
	kind      MemKind
	name      string
}

func NewPool(name string, kind MemKind) *Pool {
	p := &Pool{name: name, kind: kind}
	p.cv = sync.NewCond(&p.mu)
	return p
}

// Initialize binds the pool to [base, base+size) split into 1<<pageShift
// byte pages.
func (p *Pool) Initialize(base, size uint64, pageShift uint) error {
	if pageShift < MinPageShift || pageShift > MaxPageShift {
		return errs.New(errs.ParamInvalid, fmt.Sprintf("page_shift %d out of [%d,%d]", pageShift, MinPageShift, MaxPageShift))
	}
	pageSize := uint64(1) << pageShift
	if pageSize > size {
		return errs.New(errs.ParamInvalid, fmt.Sprintf("page size %d exceeds pool size %d", pageSize, size))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = base
	p.size = size
	p.pageShift = pageShift
	p.pageSize = pageSize
	p.numPages = int(size / pageSize)
	p.used = make([]bool, p.numPages)
	p.spans = make(map[uint64]int)
	return nil
}

func (p *Pool) pagesFor(size uint64) int {
	n := int((size + p.pageSize - 1) / p.pageSize)
	if n == 0 {
		n = 1
	}
	return n
}

// firstFit must be called with p.mu held.
func (p *Pool) firstFit(need int) (startPage int, ok bool) {
	run := 0
	for i := 0; i < p.numPages; i++ {
		if p.used[i] {
			run = 0
			continue
		}
		run++
		if run == need {
			return i - need + 1, true
		}
	}
	return 0, false
}

// Alloc reserves a contiguous span of at least size bytes and returns its
// base address, or an error (never panics) on OOM.
func (p *Pool) Alloc(size uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked(size)
}

func (p *Pool) allocLocked(size uint64) (uint64, error) {
	need := p.pagesFor(size)
	start, ok := p.firstFit(need)
	if !ok {
		return 0, errs.New(errs.OutOfMemory, fmt.Sprintf("%s: no span of %d pages available (of %d total)", p.name, need, p.numPages))
	}
	for i := start; i < start+need; i++ {
		p.used[i] = true
	}
	addr := p.base + uint64(start)*p.pageSize
	p.spans[addr] = need
	return addr, nil
}

// AllocTimeout blocks until a span of `size` becomes available or the
// deadline elapses, releasing the mutex while waiting (spurious wakeups are
// retried). Returns errs.Timeout on deadline.
func (p *Pool) AllocTimeout(size uint64, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		addr, err := p.allocLocked(size)
		if err == nil {
			return addr, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, errs.New(errs.Timeout, fmt.Sprintf("%s: alloc(%d) timed out after %v", p.name, size, timeout))
		}
		waitCh := make(chan struct{})
		go func() {
			time.Sleep(remaining)
			p.mu.Lock()
			p.cv.Broadcast()
			p.mu.Unlock()
			close(waitCh)
		}()
		p.cv.Wait()
		select {
		case <-waitCh:
		default:
		}
	}
}

// Free releases a span previously returned by Alloc/AllocTimeout.
func (p *Pool) Free(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.spans[addr]
	if !ok {
		return errs.New(errs.ParamInvalid, fmt.Sprintf("%s: free of unknown addr %#x", p.name, addr))
	}
	delete(p.spans, addr)
	start := int((addr - p.base) / p.pageSize)
	for i := start; i < start+n; i++ {
		p.used[i] = false
	}
	p.cv.Broadcast()
	return nil
}

// LogPoolState emits occupancy diagnostics, as spec §4.1 and §7 require on
// OOM (pool logs detailed occupancy).
func (p *Pool) LogPoolState() {
	p.mu.Lock()
	free := 0
	for _, u := range p.used {
		if !u {
			free++
		}
	}
	spans := len(p.spans)
	leaked := p.leaked
	total := p.numPages
	p.mu.Unlock()
	metrics.PoolOccupiedPages.WithLabelValues(p.name).Set(float64(total - free))
	nlog.Infof("pool %s(%s): pages free=%d/%d live_spans=%d leaked=%d page_size=%d",
		p.name, p.kind, free, total, spans, leaked, p.pageSize)
}

// Stats returns (name, free_pages, total_pages, leaked_spans), the same
// numbers LogPoolState logs, for external diagnostics surfaces.
func (p *Pool) Stats() (name string, free, total, leaked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free = 0
	for _, u := range p.used {
		if !u {
			free++
		}
	}
	return p.name, free, p.numPages, p.leaked
}

// Destroy marks any still-allocated spans as leaked. Callers should have
// freed everything before teardown; this only prevents a panic/crash when
// they haven't.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.spans); n > 0 {
		p.leaked += n
		nlog.Warningf("pool %s: destroyed with %d leaked span(s)", p.name, n)
	}
	metrics.PoolLeakedSpans.WithLabelValues(p.name).Set(float64(p.leaked))
	p.spans = make(map[uint64]int)
}
