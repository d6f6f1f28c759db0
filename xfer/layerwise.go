// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// LayerWiseTransferJob (spec §4.7): iterates a [lo,hi) layer range,
// issuing one batch of PUTs per layer, and the event-driven
// SynchronizeTransferCacheWithRecord variant that records a completion event
// after each batch and polls it with deadline enforcement so adjacent layers
// can pipeline.
package xfer

import (
	"context"
	"time"

	"github.com/nvidia/llmdatadist/cache"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/link"
)

// EventState mirrors the RT_EVENT_* poll states the original event-driven
// path checks.
type EventState int32

const (
	EventPending EventState = iota
	EventRecorded
	EventFailed
)

// Event is recorded after one batch's PUT/GET descriptors are issued and
// polled until RT_EVENT_RECORDED or a deadline.
type Event struct {
	state EventState
}

func (e *Event) Record()           { e.state = EventRecorded }
func (e *Event) Fail()             { e.state = EventFailed }
func (e *Event) State() EventState { return e.state }

// Job runs TransferCache, optionally iterating layer-by-layer.
type Job struct {
	TaskID string
	entity *link.Entity
	comm   link.Communicator
}

func NewJob(taskID string, entity *link.Entity) *Job {
	return &Job{TaskID: taskID, entity: entity, comm: entity.Communicator()}
}

// tensorsForLayer returns layer layerIdx's slice of a full tensor-address list.
func tensorsForLayer(addrs []uint64, layerIdx, tensorNumPerLayer int) []uint64 {
	lo := layerIdx * tensorNumPerLayer
	hi := lo + tensorNumPerLayer
	return addrs[lo:hi]
}

// RunLayerWise issues one batch of PUTs per layer in [srcRange.Lo,srcRange.Hi),
// mapping layer i on src to layer dstRange.Lo+(i-srcRange.Lo) on dst (spec
// §4.7 scenario 4: layer_index=0 on src, dst_layer_index=2).
func (j *Job) RunLayerWise(ctx context.Context, src, dst *cache.Entry, srcRange, dstRange LayerRange, tensorNumPerLayer int) error {
	if err := ValidateLayerRange(srcRange, dstRange, len(src.TensorAddresses), len(dst.TensorAddresses), tensorNumPerLayer); err != nil {
		return err
	}
	width := srcRange.Hi - srcRange.Lo
	for i := 0; i < width; i++ {
		srcLayer := srcRange.Lo + i
		dstLayer := dstRange.Lo + i
		srcAddrs := tensorsForLayer(src.TensorAddresses, srcLayer, tensorNumPerLayer)
		dstAddrs := tensorsForLayer(dst.TensorAddresses, dstLayer, tensorNumPerLayer)
		if err := j.putLayer(ctx, srcAddrs, dstAddrs, src.Stride); err != nil {
			return errs.Wrap(errs.Failed, "layer-wise transfer", err)
		}
	}
	return nil
}

func (j *Job) putLayer(ctx context.Context, srcAddrs, dstAddrs []uint64, length uint64) error {
	for i := range srcAddrs {
		if err := j.comm.Put(ctx, srcAddrs[i], dstAddrs[i], length); err != nil {
			return err
		}
	}
	return nil
}

// SynchronizeTransferCacheWithRecord runs one batch, records an event, and
// polls it until EventRecorded or deadline (spec §4.7, enables pipelining of
// adjacent layers since the caller can issue the next layer's PUTs before
// this one's event resolves).
func (j *Job) SynchronizeTransferCacheWithRecord(ctx context.Context, srcAddrs, dstAddrs []uint64, length uint64, deadline time.Duration) (*Event, error) {
	ev := &Event{}
	if err := j.putLayer(ctx, srcAddrs, dstAddrs, length); err != nil {
		ev.Fail()
		return ev, errs.Wrap(errs.Failed, "synchronize with record", err)
	}
	ev.Record()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for ev.State() != EventRecorded {
		select {
		case <-timer.C:
			return ev, errs.New(errs.Timeout, "event not recorded before deadline")
		case <-ctx.Done():
			return ev, errs.Wrap(errs.Timeout, "context cancelled", ctx.Err())
		default:
		}
	}
	return ev, nil
}
