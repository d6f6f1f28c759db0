// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package link

import (
	"context"
	"testing"
	"time"

	"github.com/nvidia/llmdatadist/errs"
)

// fakeComm is a minimal in-memory Communicator stand-in for Manager/Entity
// tests; it never touches RDMA hardware.
type fakeComm struct {
	initErr     error
	exchangeErr error
	destroyErr  error
	supported   map[string]bool
}

func (f *fakeComm) InitComm(ctx context.Context, clusterName, rankTable string, ranks map[string]int) error {
	return f.initErr
}
func (f *fakeComm) DestroyComm() error { return f.destroyErr }
func (f *fakeComm) ExchangeMem(ctx context.Context, local ExchangeMemInfo, timeout time.Duration) (ExchangeMemInfo, error) {
	if f.exchangeErr != nil {
		return ExchangeMemInfo{}, f.exchangeErr
	}
	return ExchangeMemInfo{CacheTable: MemDesc{Addr: 0x1000, Len: 4096}}, nil
}
func (f *fakeComm) RegisterMem(addr, length uint64) error   { return nil }
func (f *fakeComm) DeregisterMem(addr, length uint64) error { return nil }
func (f *fakeComm) Put(ctx context.Context, localAddr, remoteAddr, length uint64) error { return nil }
func (f *fakeComm) Get(ctx context.Context, localAddr, remoteAddr, length uint64) error { return nil }
func (f *fakeComm) Supports(op string) bool                 { return f.supported[op] }
func (f *fakeComm) Bind(ctx context.Context) error           { return nil }
func (f *fakeComm) Unbind(ctx context.Context) error         { return nil }
func (f *fakeComm) Prepare(ctx context.Context) error        { return nil }

func newTestManager(t *testing.T, factory CommFactory) *Manager {
	t.Helper()
	mgr, err := NewManager(factory, func() ExchangeMemInfo { return ExchangeMemInfo{} }, time.Second)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestLinkUnlinkHappyPath(t *testing.T) {
	mgr := newTestManager(t, func(clusterName string) (Communicator, error) {
		return &fakeComm{}, nil
	})

	commID, err := mgr.Link(context.Background(), "cluster-a", "{}", map[string]int{"cluster-a": 0})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if commID == "" {
		t.Fatal("expected non-empty comm_id")
	}
	if mgr.Count() != 1 {
		t.Fatalf("Count = %d, want 1", mgr.Count())
	}

	status, err := mgr.QueryRegisterMemStatus(commID)
	if err != nil {
		t.Fatalf("QueryRegisterMemStatus: %v", err)
	}
	if status != RegOK {
		t.Fatalf("status = %v, want RegOK", status)
	}

	if err := mgr.Unlink(commID); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if mgr.Count() != 0 {
		t.Fatalf("Count after Unlink = %d, want 0", mgr.Count())
	}
	if _, err := mgr.Get(commID); !errs.Is(err, errs.NotYetLink) {
		t.Fatalf("Get after Unlink: err = %v, want NotYetLink", err)
	}
}

func TestLinkRollsBackOnInitFailure(t *testing.T) {
	mgr := newTestManager(t, func(clusterName string) (Communicator, error) {
		return &fakeComm{initErr: errs.New(errs.Failed, "boom")}, nil
	})

	_, err := mgr.Link(context.Background(), "cluster-a", "{}", map[string]int{"cluster-a": 0})
	if err == nil {
		t.Fatal("expected Link to fail")
	}
	if mgr.Count() != 0 {
		t.Fatalf("Count after failed Link = %d, want 0 (entity must be rolled back)", mgr.Count())
	}
}

func TestLinkRollsBackOnExchangeFailure(t *testing.T) {
	mgr := newTestManager(t, func(clusterName string) (Communicator, error) {
		return &fakeComm{exchangeErr: errs.New(errs.LinkFailed, "exchange failed")}, nil
	})

	_, err := mgr.Link(context.Background(), "cluster-a", "{}", map[string]int{"cluster-a": 0})
	if err == nil {
		t.Fatal("expected Link to fail")
	}
	if mgr.Count() != 0 {
		t.Fatalf("Count after failed Link = %d, want 0", mgr.Count())
	}
}

func TestEntityFSMRejectsIllegalTransition(t *testing.T) {
	e := NewEntity("c1", "cluster-a", &fakeComm{})
	if e.State() != Creating {
		t.Fatalf("initial state = %v, want CREATING", e.State())
	}
	// CREATING -> BUSY is illegal; setState should log and no-op, not panic.
	e.setState(Busy)
	if e.State() != Creating {
		t.Fatalf("state after illegal transition = %v, want CREATING unchanged", e.State())
	}
}

func TestEntityBeginTransferScopeGuardRestoresIdle(t *testing.T) {
	e := NewEntity("c1", "cluster-a", &fakeComm{})
	if err := e.Prepare(context.Background(), ExchangeMemInfo{}, time.Second); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	guard, err := e.BeginTransfer()
	if err != nil {
		t.Fatalf("BeginTransfer: %v", err)
	}
	if e.State() != Busy {
		t.Fatalf("state after BeginTransfer = %v, want BUSY", e.State())
	}
	guard.Run()
	if e.State() != Idle {
		t.Fatalf("state after guard.Run = %v, want IDLE", e.State())
	}
}
