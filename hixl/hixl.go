// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package hixl implements the generic point-to-point Hixl/Adxl API of spec
// §6.1: a narrower, connection-oriented sibling of the cluster-linking
// llmdatadist API, built from the same chanmgr/link/memsys primitives but
// addressed per-endpoint rather than per-cluster.
package hixl

import (
	"context"
	"sync"
	"time"

	"github.com/nvidia/llmdatadist/chanmgr"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/link"
	"github.com/nvidia/llmdatadist/memsys"
)

// TransferDirection is READ|WRITE for TransferSync/TransferAsync.
type TransferDirection int32

const (
	Read TransferDirection = iota
	Write
)

// TransferOpDesc is one point-to-point operation within a TransferSync/Async
// call.
type TransferOpDesc struct {
	LocalAddr, RemoteAddr uint64
	Length                uint64
}

// TransferStatus is GetTransferStatus's result.
type TransferStatus int32

const (
	Waiting TransferStatus = iota
	Completed
	Failed
)

// TransferReq identifies an in-flight TransferAsync call.
type TransferReq uint64

// NotifyDesc is SendNotify's payload; GetNotifies drains them in FIFO order
// (spec §8 scenario 6: 5 sent, 5 returned in order, a second call returns 0).
type NotifyDesc struct {
	Name    string
	Message string
}

// Endpoint is the Hixl/Adxl per-endpoint handle.
type Endpoint struct {
	registry *memsys.Registry
	chanMgr  *chanmgr.Manager

	mu      sync.Mutex
	pending map[TransferReq]*asyncOp
	nextReq uint64

	notifyMu sync.Mutex
	notifies []NotifyDesc

	comm link.Communicator
}

type asyncOp struct {
	status TransferStatus
	err    error
}

func Initialize(chanMgr *chanmgr.Manager, comm link.Communicator) (*Endpoint, error) {
	e := &Endpoint{
		registry: memsys.NewRegistry(),
		chanMgr:  chanMgr,
		pending:  make(map[TransferReq]*asyncOp),
		comm:     comm,
	}
	chanMgr.SetNotifyHandler(func(_, name, message string) { e.OnNotify(name, message) })
	return e, nil
}

func (e *Endpoint) Finalize() error {
	e.chanMgr.Stop()
	return nil
}

func (e *Endpoint) RegisterMem(addr, length uint64, kind memsys.MemKind) memsys.MemHandle {
	return e.registry.RegisterMem(addr, length, kind, memsys.NewSegmentTable())
}

func (e *Endpoint) DeregisterMem(h memsys.MemHandle) error {
	return e.registry.DeregisterMem(h)
}

// TransferSync issues every op in ops and blocks until all complete or
// timeout elapses; a timeout <= 0 adds no deadline beyond ctx's own.
func (e *Endpoint) TransferSync(ctx context.Context, dir TransferDirection, ops []TransferOpDesc, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for _, op := range ops {
		var err error
		if dir == Read {
			err = e.comm.Get(ctx, op.LocalAddr, op.RemoteAddr, op.Length)
		} else {
			err = e.comm.Put(ctx, op.LocalAddr, op.RemoteAddr, op.Length)
		}
		if err != nil {
			return errs.Wrap(errs.Failed, "transfer sync op", err)
		}
	}
	return nil
}

// TransferAsync dispatches ops on a background goroutine and returns
// immediately with a handle GetTransferStatus can poll.
func (e *Endpoint) TransferAsync(ctx context.Context, dir TransferDirection, ops []TransferOpDesc) TransferReq {
	e.mu.Lock()
	e.nextReq++
	req := TransferReq(e.nextReq)
	op := &asyncOp{status: Waiting}
	e.pending[req] = op
	e.mu.Unlock()

	go func() {
		err := e.TransferSync(ctx, dir, ops, 0)
		e.mu.Lock()
		if err != nil {
			op.status = Failed
			op.err = err
		} else {
			op.status = Completed
		}
		e.mu.Unlock()
	}()
	return req
}

func (e *Endpoint) GetTransferStatus(req TransferReq) (TransferStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.pending[req]
	if !ok {
		return Failed, errs.New(errs.ParamInvalid, "unknown transfer request")
	}
	return op.status, op.err
}

// SendNotify delivers a notification to the remote side over the control
// channel's Notify message (control/proto.go NotifyMsg).
func (e *Endpoint) SendNotify(send func(control NotifyDesc) error, n NotifyDesc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- send(n) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errs.New(errs.Timeout, "send notify timed out")
	}
}

// recordNotify appends an inbound notify; called by the control-channel
// handler on message receipt.
func (e *Endpoint) recordNotify(n NotifyDesc) {
	e.notifyMu.Lock()
	e.notifies = append(e.notifies, n)
	e.notifyMu.Unlock()
}

// GetNotifies drains and returns every notify received since the last call,
// in receipt order.
func (e *Endpoint) GetNotifies() []NotifyDesc {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	out := e.notifies
	e.notifies = nil
	return out
}

// OnNotify is the control-channel handler hook wired to an incoming
// control.NotifyMsg.
func (e *Endpoint) OnNotify(name, message string) {
	e.recordNotify(NotifyDesc{Name: name, Message: message})
}
