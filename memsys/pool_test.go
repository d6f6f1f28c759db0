// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package memsys

import (
	"sync"
	"testing"
	"time"

	"github.com/nvidia/llmdatadist/errs"
)

func newTestPool(t *testing.T, size uint64, pageShift uint) *Pool {
	t.Helper()
	p := NewPool("test", Host)
	if err := p.Initialize(0x10000, size, pageShift); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

func TestAllocFirstFitAndFree(t *testing.T) {
	p := newTestPool(t, 4*PageSize, 12) // 4 pages of 4 KiB

	a1, err := p.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a2, err := p.Alloc(PageSize * 2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a2 == a1 {
		t.Fatal("second allocation must not alias the first")
	}

	if err := p.Free(a1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	a3, err := p.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if a3 != a1 {
		t.Fatalf("first-fit should reuse freed page %#x, got %#x", a1, a3)
	}
	if err := p.Free(a2); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestAllocOOMReturnsError(t *testing.T) {
	p := newTestPool(t, 2*PageSize, 12)
	if _, err := p.Alloc(PageSize); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := p.Alloc(PageSize * 2); !errs.Is(err, errs.OutOfMemory) {
		t.Fatalf("Alloc over-capacity: err = %v, want OutOfMemory", err)
	}
}

func TestFreeUnknownAddrFails(t *testing.T) {
	p := newTestPool(t, 2*PageSize, 12)
	if err := p.Free(0xdeadbeef); !errs.Is(err, errs.ParamInvalid) {
		t.Fatalf("Free(unknown): err = %v, want ParamInvalid", err)
	}
}

func TestAllocTimeoutWakesOnFree(t *testing.T) {
	p := newTestPool(t, PageSize, 12)
	a1, err := p.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var gotAddr uint64
	var gotErr error
	go func() {
		defer wg.Done()
		gotAddr, gotErr = p.AllocTimeout(PageSize, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Free(a1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("AllocTimeout: %v", gotErr)
	}
	if gotAddr != a1 {
		t.Fatalf("AllocTimeout returned %#x, want reused %#x", gotAddr, a1)
	}
}

func TestAllocTimeoutExpires(t *testing.T) {
	p := newTestPool(t, PageSize, 12)
	if _, err := p.Alloc(PageSize); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, err := p.AllocTimeout(PageSize, 50*time.Millisecond)
	if !errs.Is(err, errs.Timeout) {
		t.Fatalf("AllocTimeout: err = %v, want Timeout", err)
	}
}

func TestStatsReflectsOccupancy(t *testing.T) {
	p := newTestPool(t, 4*PageSize, 12)
	name, free, total, leaked := p.Stats()
	if name != "test" || free != 4 || total != 4 || leaked != 0 {
		t.Fatalf("Stats = (%s,%d,%d,%d), want (test,4,4,0)", name, free, total, leaked)
	}
	if _, err := p.Alloc(PageSize); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, free, _, _ = p.Stats()
	if free != 3 {
		t.Fatalf("free after one alloc = %d, want 3", free)
	}
}
