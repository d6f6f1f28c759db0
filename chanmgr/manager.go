// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package chanmgr

import (
	"context"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/nvidia/llmdatadist/cmn/atomic"
	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/control"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/metrics"
)

const (
	kCheckDisconnectPeriod = 10 * time.Millisecond
	kWaitRespTime          = 20 * time.Millisecond
)

// Waterlines bounds the pool: 0 < low < high <= max.
type Waterlines struct {
	Max  int
	High int
	Low  int
}

func (w Waterlines) Validate() error {
	if !(0 < w.Low && w.Low < w.High && w.High <= w.Max) {
		return errs.New(errs.ParamInvalid, "waterlines must satisfy 0 < low < high <= max")
	}
	return nil
}

// sendFrame abstracts writing a control frame to a channel's connection;
// NewManager installs one that calls control.WriteFrame on the channel's
// net.Conn.
type sendFrame func(c *Channel, msgType control.MsgType, v any) error

// Manager owns the client/server channel maps and runs waterline eviction.
type Manager struct {
	wl Waterlines

	mu      sync.Mutex
	clients map[string]*Channel
	servers map[string]*Channel

	evictCond *sync.Cond
	evictWake chan struct{}
	closed    atomic.Bool

	reqIDCounter atomic.Int64

	pendMu   sync.Mutex
	pending  map[uint64]chan *control.RequestDisconnectRespMsg

	heartbeatTimeout time.Duration

	send sendFrame

	// reactor is the edge-triggered epoll dispatcher of spec §4.3/§5; nil on
	// platforms epoll_linux.go doesn't build for (see epoll_other.go), in
	// which case readiness observation is simply skipped and the per-channel
	// read loop below - started unconditionally, on every platform - remains
	// the only (and sufficient) reader of each connection.
	reactor *Reactor

	notifyMu      sync.Mutex
	notifyHandler NotifyHandler
}

// NotifyHandler receives an inbound Notify frame off any channel's read
// loop; registered by a higher-level owner (hixl.Endpoint.OnNotify).
type NotifyHandler func(channelID, name, message string)

// SetNotifyHandler installs the Notify dispatch target. Not safe to call
// concurrently with inbound traffic; set once during setup.
func (m *Manager) SetNotifyHandler(h NotifyHandler) {
	m.notifyMu.Lock()
	m.notifyHandler = h
	m.notifyMu.Unlock()
}

func NewManager(wl Waterlines, heartbeatTimeout time.Duration) (*Manager, error) {
	if err := wl.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		wl:               wl,
		clients:          make(map[string]*Channel),
		servers:          make(map[string]*Channel),
		evictWake:        make(chan struct{}, 1),
		pending:          make(map[uint64]chan *control.RequestDisconnectRespMsg),
		heartbeatTimeout: heartbeatTimeout,
	}
	m.evictCond = sync.NewCond(&sync.Mutex{})
	m.send = func(c *Channel, msgType control.MsgType, v any) error {
		return control.WriteFrame(c.Conn, msgType, v)
	}
	if r, err := NewReactor(); err != nil {
		nlog.Infof("channel manager: epoll reactor unavailable, falling back to per-channel read loops: %v", err)
	} else {
		m.reactor = r
		go r.Run()
	}
	go m.evictionLoop()
	return m, nil
}

// rawFD extracts the underlying file descriptor from conn, for best-effort
// epoll registration; ok is false for connection types that don't expose one
// (e.g. a tls.Conn), in which case the caller simply skips reactor
// registration and relies on the per-channel read loop alone.
func rawFD(conn net.Conn) (fd int, ok bool) {
	sc, isSC := conn.(syscall.Conn)
	if !isSC {
		return 0, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var got int
	if err := rc.Control(func(f uintptr) { got = int(f) }); err != nil {
		return 0, false
	}
	return got, true
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients) + len(m.servers)
}

// Connect registers a new channel, blocking (per spec §4.3 step 1) if the
// pool is at capacity until eviction frees a slot or timeout elapses.
func (m *Manager) Connect(ctx context.Context, id string, conn net.Conn, isClient bool, timeout time.Duration) (*Channel, error) {
	deadline := time.Now().Add(timeout)
	var ch *Channel
	var n, numClients, numServers int
	for {
		m.mu.Lock()
		if len(m.clients)+len(m.servers) < m.wl.Max {
			ch = NewChannel(id, conn, isClient)
			if isClient {
				m.clients[id] = ch
			} else {
				m.servers[id] = ch
			}
			n = len(m.clients) + len(m.servers)
			numClients, numServers = len(m.clients), len(m.servers)
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		select {
		case m.evictWake <- struct{}{}:
		default:
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.ResourceExhausted, "channel pool at max_channel and no slot freed before timeout")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(kCheckDisconnectPeriod):
		}
	}
	metrics.ChannelsActive.WithLabelValues("client").Set(float64(numClients))
	metrics.ChannelsActive.WithLabelValues("server").Set(float64(numServers))

	if n >= m.wl.High {
		select {
		case m.evictWake <- struct{}{}:
		default:
		}
	}
	m.registerChannel(ch)
	return ch, nil
}

// registerChannel wires up the post-handshake half of a Channel's lifetime:
// best-effort epoll registration for readiness observation, and the
// continuous read loop that actually drains frames and dispatches Notify /
// RequestDisconnectResp to their handlers (spec §4.3/§4.4, §5).
func (m *Manager) registerChannel(ch *Channel) {
	if m.reactor != nil {
		if fd, ok := rawFD(ch.Conn); ok {
			ch.fd = fd
			if err := m.reactor.Register(fd, func() { ch.TouchHeartbeat() }); err != nil {
				nlog.Warningf("channel %s: epoll register failed: %v", ch.ID, err)
				ch.fd = 0
			}
		}
	}
	go m.readLoop(ch)
}

// unregisterChannel undoes registerChannel's epoll registration; called
// before the channel's socket is closed (spec §3 Channel invariant: fd
// removed from epoll before shutdown).
func (m *Manager) unregisterChannel(ch *Channel) {
	if m.reactor != nil && ch.fd != 0 {
		m.reactor.Unregister(ch.fd)
	}
}

// readLoop is the per-channel continuous reader: it is the only goroutine
// that calls control.ReadFrame against ch.Conn, so epoll readiness
// (registerChannel) only ever drives TouchHeartbeat, never a second,
// concurrent read of the same connection. Every successfully parsed frame
// also counts as a heartbeat, since receiving anything at all demonstrates
// liveness regardless of message type.
func (m *Manager) readLoop(ch *Channel) {
	for {
		frame, err := control.ReadFrame(ch.Conn)
		if err != nil {
			return
		}
		ch.TouchHeartbeat()
		switch frame.Type {
		case control.MsgNotify:
			n, err := frame.DecodeNotify()
			if err != nil {
				nlog.Warningf("channel %s: malformed notify frame: %v", ch.ID, err)
				continue
			}
			m.notifyMu.Lock()
			h := m.notifyHandler
			m.notifyMu.Unlock()
			if h != nil {
				h(ch.ID, n.Name, n.Message)
			}
		case control.MsgRequestDisconnectResp:
			resp, err := frame.DecodeRequestDisconnectResp()
			if err != nil {
				nlog.Warningf("channel %s: malformed request-disconnect-resp frame: %v", ch.ID, err)
				continue
			}
			m.OnRequestDisconnectResp(resp)
		case control.MsgDisconnect, control.MsgRequestDisconnect:
			// not acted on: no other code reads these frames, so an inbound
			// Disconnect or RequestDisconnect is dropped here.
		default:
			nlog.Warningf("channel %s: unexpected frame type %v on read loop", ch.ID, frame.Type)
		}
	}
}

// Disconnect tears a client channel down: sends Disconnect, closes the socket.
func (m *Manager) Disconnect(ch *Channel) error {
	var err error
	if ch.IsClient {
		err = m.send(ch, control.MsgDisconnect, control.DisconnectMsg{ChannelID: ch.ID})
	}
	m.mu.Lock()
	delete(m.clients, ch.ID)
	delete(m.servers, ch.ID)
	m.mu.Unlock()
	m.unregisterChannel(ch)
	if cerr := ch.Close(); err == nil {
		err = cerr
	}
	return err
}

// RequestDisconnect asks a server-side victim's peer client to disconnect;
// per spec §4.3 step 4, the server retains the channel regardless of the
// client's answer - the client is authoritative over connection lifecycle.
// An implementer MAY requeue a refused victim (spec §9 open question); this
// implementation does not, matching the source's observed behaviour.
func (m *Manager) RequestDisconnect(ch *Channel) {
	reqID := uint64(m.reqIDCounter.Inc())
	respCh := make(chan *control.RequestDisconnectRespMsg, 1)
	m.pendMu.Lock()
	m.pending[reqID] = respCh
	m.pendMu.Unlock()

	defer func() {
		m.pendMu.Lock()
		delete(m.pending, reqID)
		m.pendMu.Unlock()
	}()

	if err := m.send(ch, control.MsgRequestDisconnect, control.RequestDisconnectMsg{
		ChannelID: ch.ID,
		ReqID:     reqID,
		Timeout:   kWaitRespTime.Milliseconds(),
	}); err != nil {
		nlog.Warningf("request-disconnect: send failed for %s: %v", ch.ID, err)
		return
	}

	select {
	case <-respCh:
		// refused or accepted - doesn't matter, server keeps the channel
	case <-time.After(kWaitRespTime):
	}
}

// OnRequestDisconnectResp delivers a client's reply to the waiting
// RequestDisconnect call, correlated by req_id. Called from the channel's
// read loop; must not block on RDMA work (spec §9 callback/thread-safety).
func (m *Manager) OnRequestDisconnectResp(resp *control.RequestDisconnectRespMsg) {
	m.pendMu.Lock()
	ch, ok := m.pending[resp.ReqID]
	m.pendMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Stop halts the eviction loop. Idempotent.
func (m *Manager) Stop() {
	if m.closed.CAS(false, true) {
		close(m.evictWake)
		if m.reactor != nil {
			m.reactor.Stop()
		}
	}
}

func (m *Manager) evictionLoop() {
	for range m.evictWake {
		m.runEvictionRound()
	}
}

// runEvictionRound implements spec §4.3 steps 2,5,6: triggered when
// count >= high, computes need_expire = count - low, alternates between
// client and server victims (idle-first among clients), skips in-flight
// channels, and resets has_transferred on fully-idle channels once drained.
func (m *Manager) runEvictionRound() {
	m.mu.Lock()
	n := len(m.clients) + len(m.servers)
	if n < m.wl.High {
		m.mu.Unlock()
		return
	}
	needExpire := n - m.wl.Low

	clientVictims := candidateList(m.clients)
	serverVictims := candidateList(m.servers)
	m.mu.Unlock()

	var merrs []error
	takeClient, takeServer := 0, 0
	fromClient := true
	for evicted := 0; evicted < needExpire && (takeClient < len(clientVictims) || takeServer < len(serverVictims)); {
		var ch *Channel
		if fromClient && takeClient < len(clientVictims) {
			ch = clientVictims[takeClient]
			takeClient++
		} else if takeServer < len(serverVictims) {
			ch = serverVictims[takeServer]
			takeServer++
		} else if takeClient < len(clientVictims) {
			ch = clientVictims[takeClient]
			takeClient++
		}
		fromClient = !fromClient
		if ch == nil {
			break
		}
		if ch.GetTransferCount() > 0 {
			continue // in-flight, skip (step 5)
		}
		ch.SetDisconnecting(true)
		if ch.IsClient {
			if err := m.Disconnect(ch); err != nil {
				merrs = append(merrs, errors.Wrapf(err, "evict client %s", ch.ID))
			}
			metrics.ChannelsEvictedTotal.WithLabelValues("client").Inc()
		} else {
			m.RequestDisconnect(ch)
			metrics.ChannelsEvictedTotal.WithLabelValues("server").Inc()
		}
		evicted++
	}

	if len(merrs) > 0 {
		nlog.Warningf("eviction round: %d channel(s) failed to disconnect cleanly: %v", len(merrs), merrs)
	}

	m.mu.Lock()
	for _, c := range m.clients {
		if c.GetTransferCount() == 0 {
			c.ResetTransferredFlag()
		}
	}
	for _, c := range m.servers {
		if c.GetTransferCount() == 0 {
			c.ResetTransferredFlag()
		}
	}
	m.mu.Unlock()
}

// candidateList orders channels with has_transferred==false first (stable
// order otherwise), per spec §4.3 step 2 preference.
func candidateList(set map[string]*Channel) []*Channel {
	out := make([]*Channel, 0, len(set))
	for _, c := range set {
		if !c.IsDisconnecting() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].HasTransferred() && out[j].HasTransferred()
	})
	return out
}

func (m *Manager) Count() int { return m.count() }
