// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/nvidia/llmdatadist/cmn/atomic"
	"github.com/nvidia/llmdatadist/cmn/cos"
	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/metrics"
)

// Entity is a CommEntity (spec §3/§4.5): one per remote cluster linked. It
// owns a Communicator handle, the local request/response slot addresses
// shared by RDMA with the one peer entity it links to, the peer's mirrored
// region descriptors, FSM state, and per-stream statistics.
type Entity struct {
	ID          string
	ClusterName string

	comm Communicator

	mu    sync.Mutex
	state State

	unlinkFlag atomic.Bool

	// pullMutex blocks PullCache/TransferCache against concurrent
	// destruction (spec §4.5 concurrency rules).
	pullMutex sync.Mutex

	local      ExchangeMemInfo
	remoteMems []ExchangeMemInfo

	transferCount    atomic.Int64
	bytesTransferred atomic.Int64

	lastErr cos.ErrValue
}

func NewEntity(id, clusterName string, comm Communicator) *Entity {
	metrics.CommEntitiesByState.WithLabelValues(Creating.String()).Inc()
	return &Entity{ID: id, ClusterName: clusterName, comm: comm, state: Creating}
}

func (e *Entity) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setState enforces the FSM's legal-transition table; an illegal request is
// logged as an error and ignored, leaving the state unchanged (it does not
// panic).
func (e *Entity) setState(next State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.canTransitionTo(next) {
		nlog.Errorf("comm entity %s: illegal transition %s -> %s", e.ID, e.state, next)
		return
	}
	metrics.CommEntitiesByState.WithLabelValues(e.state.String()).Dec()
	e.state = next
	metrics.CommEntitiesByState.WithLabelValues(e.state.String()).Inc()
}

// RegisterStatus implements QueryRegisterMemStatus (spec §6.1): polls
// whether the PREPARING -> IDLE memory-descriptor exchange has completed.
func (e *Entity) RegisterStatus() RegisterStatus {
	switch e.State() {
	case Idle, Busy:
		return RegOK
	case Destroying, Destroyed:
		return RegFailed
	default:
		return RegPreparing
	}
}

// Prepare runs the memory-descriptor exchange of spec §4.5: PREPARING ->
// IDLE on success. unlinkFlag is polled between steps so a concurrent
// Unlink aborts early rather than completing a doomed exchange.
func (e *Entity) Prepare(ctx context.Context, local ExchangeMemInfo, timeout time.Duration) error {
	e.setState(Preparing)
	e.local = local

	if e.unlinkFlag.Load() {
		e.setState(Destroying)
		return errs.New(errs.UnlinkFailed, "unlink requested before prepare completed")
	}

	remote, err := e.comm.ExchangeMem(ctx, local, timeout)
	if err != nil {
		e.setState(Destroying)
		return errs.Wrap(errs.LinkFailed, "memory descriptor exchange", err)
	}
	if e.unlinkFlag.Load() {
		e.setState(Destroying)
		return errs.New(errs.UnlinkFailed, "unlink requested during prepare")
	}

	e.mu.Lock()
	e.remoteMems = append(e.remoteMems, remote)
	e.mu.Unlock()

	e.setState(Idle)
	return nil
}

// BeginTransfer moves IDLE -> BUSY and takes pullMutex, returning NotYetLink
// if the entity is not ready and a ScopeGuard that restores IDLE and
// releases pullMutex on any early return (spec §4.5/§9 ScopeGuard pattern).
func (e *Entity) BeginTransfer() (*cos.ScopeGuard, error) {
	e.pullMutex.Lock()
	if e.State() != Idle {
		e.pullMutex.Unlock()
		return nil, errs.New(errs.NotYetLink, "entity not IDLE")
	}
	e.setState(Busy)
	e.transferCount.Inc()

	guard := cos.NewScopeGuard()
	guard.Push(func() {
		e.setState(Idle)
		e.pullMutex.Unlock()
	})
	return guard, nil
}

func (e *Entity) RecordBytes(n int64) { e.bytesTransferred.Add(n) }
func (e *Entity) TransferCount() int64 { return e.transferCount.Load() }
func (e *Entity) BytesTransferred() int64 { return e.bytesTransferred.Load() }

// RemoteMems returns the peer descriptors collected during Prepare.
func (e *Entity) RemoteMems() []ExchangeMemInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExchangeMemInfo, len(e.remoteMems))
	copy(out, e.remoteMems)
	return out
}

// Unlink sets unlink_flag and transitions toward DESTROYED; any transfer
// waiting on pullMutex observes the new state on wake (spec §5 cancellation
// rules) and returns NotYetLink.
func (e *Entity) Unlink() error {
	e.unlinkFlag.Store(true)
	e.pullMutex.Lock()
	defer e.pullMutex.Unlock()

	e.setState(Destroying)
	if err := e.comm.DestroyComm(); err != nil {
		e.lastErr.Store(err)
	}
	e.setState(Destroyed)
	return e.lastErr.Err()
}

func (e *Entity) Unlinked() bool { return e.unlinkFlag.Load() }

// Communicator exposes the entity's collective/RDMA handle so transfer
// clients can issue PUT/GET without reaching into entity internals.
func (e *Entity) Communicator() Communicator { return e.comm }
