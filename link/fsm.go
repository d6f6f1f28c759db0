// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package link implements LinkManager and CommEntity (spec §4.5): the
// per-remote-cluster handle that owns a collective communicator, exchanges
// memory descriptors, and tracks an FSM across the entity's lifetime.
package link

type State int32

const (
	Creating State = iota
	Preparing
	Idle
	Busy
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Preparing:
		return "PREPARING"
	case Idle:
		return "IDLE"
	case Busy:
		return "BUSY"
	case Destroying:
		return "DESTROYING"
	case Destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// RegisterStatus is the QueryRegisterMemStatus result (spec §6.1).
type RegisterStatus int32

const (
	RegPreparing RegisterStatus = iota
	RegOK
	RegFailed
)

func (s RegisterStatus) String() string {
	switch s {
	case RegPreparing:
		return "PREPARING"
	case RegOK:
		return "OK"
	case RegFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions encodes the FSM of spec §4.5:
//
//	CREATING -> PREPARING -(mem exchange ok)-> IDLE -> BUSY -> IDLE
//	                                            IDLE -> DESTROYING -> DESTROYED
var legalTransitions = map[State]map[State]bool{
	Creating:   {Preparing: true, Destroying: true},
	Preparing:  {Idle: true, Destroying: true},
	Idle:       {Busy: true, Destroying: true},
	Busy:       {Idle: true, Destroying: true},
	Destroying: {Destroyed: true},
	Destroyed:  {},
}

func (s State) canTransitionTo(next State) bool {
	return legalTransitions[s][next]
}
