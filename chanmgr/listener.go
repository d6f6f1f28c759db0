// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Listener implements spec §5's accept loop: a blocking accept with a 1s
// socket timeout (so Stop can be observed promptly instead of blocking
// forever in accept), handing each new connection to a small bounded
// worker pool that runs the control-channel handshake (spec §4.4: client
// sends Connect, server replies Connect, then a final Status). TLS is
// optional and, when configured via certloader, terminated here before the
// handshake ever sees the connection.
package chanmgr

import (
	"context"
	"net"
	"time"

	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/control"
	"github.com/nvidia/llmdatadist/errs"
)

const (
	defaultAcceptTimeout = time.Second
	defaultWorkers       = 16
)

// Handshaker runs the LinkEstablish-equivalent negotiation once a Connect
// frame has been read off a freshly accepted connection, returning the
// AddrDesc set to echo back to the peer. Injected so Listener stays
// decoupled from the memsys/link wiring of a particular process.
type Handshaker interface {
	Establish(ctx context.Context, channelID string, peer []control.AddrDesc) ([]control.AddrDesc, error)
}

// Listener runs the accept loop for one control-channel endpoint.
type Listener struct {
	ln       net.Listener
	mgr      *Manager
	hs       Handshaker
	workers  int
	connectTimeout time.Duration

	jobs chan net.Conn
	done chan struct{}
}

// NewListener wraps an already-bound net.Listener (plain TCP, or TLS via
// tls.NewListener with a certloader-backed tls.Config) with the bounded
// handshake worker pool.
func NewListener(ln net.Listener, mgr *Manager, hs Handshaker, workers int, connectTimeout time.Duration) *Listener {
	if workers <= 0 {
		workers = defaultWorkers
	}
	l := &Listener{
		ln:             ln,
		mgr:            mgr,
		hs:             hs,
		workers:        workers,
		connectTimeout: connectTimeout,
		jobs:           make(chan net.Conn, workers),
		done:           make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go l.worker()
	}
	return l
}

// deadlineListener is implemented by *net.TCPListener (a tls.Listener does
// not implement it); Serve uses it to bound each Accept call to 1s so Stop
// is observed promptly instead of blocking in accept forever.
type deadlineListener interface {
	net.Listener
	SetDeadline(time.Time) error
}

// Serve blocks, accepting connections until Stop is called.
func (l *Listener) Serve() error {
	dl, hasDeadline := l.ln.(deadlineListener)
	for {
		select {
		case <-l.done:
			return nil
		default:
		}
		if hasDeadline {
			_ = dl.SetDeadline(time.Now().Add(defaultAcceptTimeout))
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-l.done:
				return nil
			default:
			}
			nlog.Warningf("control listener accept: %v", err)
			continue
		}
		select {
		case l.jobs <- conn:
		case <-l.done:
			conn.Close()
			return nil
		}
	}
}

// Stop halts Serve and the worker pool; idempotent.
func (l *Listener) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
		l.ln.Close()
	}
}

func (l *Listener) worker() {
	for {
		select {
		case conn, ok := <-l.jobs:
			if !ok {
				return
			}
			l.handshake(conn)
		case <-l.done:
			return
		}
	}
}

// handshake runs spec §4.4's abridged exchange: read Connect, run
// Establish, reply Connect with the resolved addrs, then a final Status.
// Any failure along the way sends a non-zero Status and closes the
// connection rather than registering a channel.
func (l *Listener) handshake(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.connectTimeout)
	defer cancel()

	frame, err := control.ReadFrame(conn)
	if err != nil || frame.Type != control.MsgConnect {
		nlog.Warningf("control handshake: expected Connect, got err=%v type=%v", err, frame)
		conn.Close()
		return
	}
	connectMsg, err := frame.DecodeConnect()
	if err != nil {
		conn.Close()
		return
	}

	addrs, err := l.hs.Establish(ctx, connectMsg.ChannelID, connectMsg.Addrs)
	if err != nil {
		_ = control.WriteFrame(conn, control.MsgStatus, control.StatusMsg{
			ErrorCode:    int32(errs.CodeOf(err)),
			ErrorMessage: err.Error(),
		})
		conn.Close()
		return
	}

	if err := control.WriteFrame(conn, control.MsgConnect, control.ConnectMsg{
		ChannelID: connectMsg.ChannelID,
		Addrs:     addrs,
	}); err != nil {
		conn.Close()
		return
	}
	if err := control.WriteFrame(conn, control.MsgStatus, control.StatusMsg{}); err != nil {
		conn.Close()
		return
	}

	if _, err := l.mgr.Connect(ctx, connectMsg.ChannelID, conn, false, l.connectTimeout); err != nil {
		nlog.Warningf("control handshake: register server channel %s: %v", connectMsg.ChannelID, err)
		conn.Close()
	}
}
