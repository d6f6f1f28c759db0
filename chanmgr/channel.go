// Package chanmgr implements the ChannelManager of spec §4.3: a pool of
// client/server TCP control channels with two-watermark ("waterline")
// eviction, heartbeat-based liveness, and an epoll-driven reactor for I/O
// dispatch. Grounded on aistore's transport/bundle connection-pool idiom
// (transport/bundle/shared_dm.go's receiver map + housekeeping tick,
// transport/bundle/stream_bundle.go's per-target stream bookkeeping) but
// generalized from HTTP streams to raw control-channel sockets, since this
// spec's transport is not HTTP.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package chanmgr

import (
	"net"
	"time"

	"github.com/nvidia/llmdatadist/cmn/atomic"
)

type State int32

const (
	StateIdle State = iota
	StateTransferring
	StateDisconnecting
)

// Channel is one TCP control connection plus its liveness/eviction bookkeeping.
type Channel struct {
	ID       string
	Conn     net.Conn
	IsClient bool

	transferCount  atomic.Int32
	hasTransferred atomic.Bool
	disconnecting  atomic.Bool
	lastHeartbeat  atomic.Int64 // unix nanos

	fd int // raw fd, for epoll registration; 0 when unknown/unsupported
}

func NewChannel(id string, conn net.Conn, isClient bool) *Channel {
	c := &Channel{ID: id, Conn: conn, IsClient: isClient}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

func (c *Channel) State() State {
	switch {
	case c.disconnecting.Load():
		return StateDisconnecting
	case c.transferCount.Load() > 0:
		return StateTransferring
	default:
		return StateIdle
	}
}

func (c *Channel) GetTransferCount() int32  { return c.transferCount.Load() }
func (c *Channel) BeginTransfer() int32     { c.hasTransferred.Store(true); return c.transferCount.Inc() }
func (c *Channel) EndTransfer() int32       { return c.transferCount.Dec() }
func (c *Channel) HasTransferred() bool     { return c.hasTransferred.Load() }
func (c *Channel) ResetTransferredFlag()    { c.hasTransferred.Store(false) }
func (c *Channel) SetDisconnecting(v bool)  { c.disconnecting.Store(v) }
func (c *Channel) IsDisconnecting() bool    { return c.disconnecting.Load() }
func (c *Channel) TouchHeartbeat()          { c.lastHeartbeat.Store(time.Now().UnixNano()) }
func (c *Channel) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastHeartbeat.Load()))
}

// Close shuts down the channel's socket. It does not touch epoll: callers
// such as Manager.Disconnect call unregisterChannel first.
func (c *Channel) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
