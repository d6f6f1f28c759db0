// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Reactor is the epoll-driven I/O dispatch thread of spec §4.3/§5: one
// edge-triggered epoll fd, dispatching readable events to a per-fd handler.
// golang.org/x/sys/unix is already a teacher dependency (aistore carries it
// for low-level POSIX calls); this is the one place that needs raw epoll
// since net.Conn/net.Listener don't expose it.
//go:build linux

package chanmgr

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvidia/llmdatadist/cmn/nlog"
)

type Reactor struct {
	epfd int

	mu       sync.Mutex
	handlers map[int32]func()
	stop     chan struct{}
}

func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Reactor{epfd: epfd, handlers: make(map[int32]func()), stop: make(chan struct{})}, nil
}

// Register adds fd to the epoll set, edge-triggered read-ready, invoking
// onReadable from the reactor's single goroutine when data arrives.
func (r *Reactor) Register(fd int, onReadable func()) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.handlers[int32(fd)] = onReadable
	r.mu.Unlock()
	return nil
}

// Unregister removes fd from epoll before the caller closes the socket, per
// spec §3's Channel invariant (fd removed from epoll before shutdown).
func (r *Reactor) Unregister(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	r.mu.Lock()
	delete(r.handlers, int32(fd))
	r.mu.Unlock()
}

// Run is the reactor thread's main loop; call in its own goroutine.
func (r *Reactor) Run() {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		n, err := unix.EpollWait(r.epfd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			nlog.Errorf("epoll_wait: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			fd := events[i].Fd
			r.mu.Lock()
			h := r.handlers[fd]
			r.mu.Unlock()
			if h != nil {
				h()
			}
		}
	}
}

func (r *Reactor) Stop() {
	close(r.stop)
	_ = unix.Close(r.epfd)
}
