// Package session implements the connection and session engine: it owns
// the endpoint rotation, the handshake, the request pipeline, the watch
// registry, and the reconnect loop that ties them together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikekulinski/zkclient/pkg/hosts"
	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Listener receives session state transitions. Events are delivered in
// the order they occur; a listener that falls more than listenerBuffer
// events behind starts losing new ones.
type Listener struct {
	c chan zookeeper.StateChange
}

const listenerBuffer = 64

// C returns the channel state changes arrive on. It is closed when the
// listener is removed or the session stops.
func (l *Listener) C() <-chan zookeeper.StateChange {
	return l.c
}

// Session is the connection engine. Create one with New, start it with
// Start, submit operations through Do (usually via the client package),
// and stop it with Stop. All methods are safe for concurrent use.
type Session struct {
	cfg      Config
	log      *zap.Logger
	provider *hosts.Provider
	dial     Dialer

	mu        sync.Mutex
	state     zookeeper.SessionState
	listeners map[*Listener]struct{}

	sessionID  int64
	password   []byte
	lastZxid   proto.Zxid
	negotiated time.Duration

	xid      int32
	waiting  []*pendingOp
	inflight map[int32]*pendingOp
	watches  map[watchKey]map[*Watcher]struct{}

	notify  chan struct{}
	started bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a session engine from cfg without touching the network.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	cfg = cfg.withDefaults()
	provider, err := hosts.New(cfg.Servers)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:        cfg,
		log:        cfg.Logger,
		provider:   provider,
		dial:       cfg.Dialer,
		state:      zookeeper.StateIdle,
		listeners:  make(map[*Listener]struct{}),
		sessionID:  cfg.SessionID,
		password:   cfg.Password,
		negotiated: cfg.SessionTimeout,
		inflight:   make(map[int32]*pendingOp),
		watches:    make(map[watchKey]map[*Watcher]struct{}),
		notify:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}, nil
}

// Start launches the connect loop. It returns immediately; operations
// submitted before the session connects are queued and written once the
// handshake completes. Starting twice or after Stop is an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	if s.state.Terminal() {
		return terminalError(s.state)
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

// Stop shuts the engine down: it sends a best-effort session close to the
// server, fails every unresolved operation, and fires every live watcher
// with an error event. Stop returns once teardown is complete. Stopping a
// session that never started just marks it closed.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		if !s.state.Terminal() {
			s.failAllLocked(zookeeper.ErrSessionClosed)
			s.setStateLocked(zookeeper.StateClosed, zookeeper.EventSessionClosed)
			s.closeListenersLocked()
			close(s.stopped)
		}
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	<-s.stopped
}

// WaitForStopped blocks until the session reaches a terminal state and
// its teardown has finished, or ctx is cancelled.
func (s *Session) WaitForStopped(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener subscribes to session state transitions.
func (s *Session) AddListener() *Listener {
	l := &Listener{c: make(chan zookeeper.StateChange, listenerBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		close(l.c)
		return l
	}
	s.listeners[l] = struct{}{}
	return l
}

// RemoveListener unsubscribes l and closes its channel.
func (s *Session) RemoveListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[l]; !ok {
		return
	}
	delete(s.listeners, l)
	close(l.c)
}

// State returns the current session state.
func (s *Session) State() zookeeper.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session id, or zero before the
// first handshake completes.
func (s *Session) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LastZxid returns the highest transaction id observed on this session.
func (s *Session) LastZxid() proto.Zxid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastZxid
}

func (s *Session) pingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated / 3
}

func (s *Session) readTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated * 2 / 3
}

func (s *Session) observeZxid(zxid proto.Zxid) {
	if zxid <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if zxid > s.lastZxid {
		s.lastZxid = zxid
	}
}

// setState records a transition and pushes it to every listener. Pushing
// under the lock keeps the delivery order identical to the transition
// order.
func (s *Session) setState(state zookeeper.SessionState, event zookeeper.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state, event)
}

func (s *Session) setStateLocked(state zookeeper.SessionState, event zookeeper.SessionEvent) {
	if s.state == state {
		return
	}
	s.log.Info("session state changed",
		zap.Stringer("from", s.state),
		zap.Stringer("to", state),
		zap.Stringer("event", event))
	s.state = state
	change := zookeeper.StateChange{State: state, Event: event}
	for l := range s.listeners {
		select {
		case l.c <- change:
		default:
			s.log.Warn("slow session listener, dropping state change",
				zap.Stringer("state", state), zap.Stringer("event", event))
		}
	}
}

// run is the engine goroutine. It drives the connect loop to completion
// and then tears everything down.
func (s *Session) run(ctx context.Context) {
	defer close(s.stopped)

	err := s.loop(ctx)

	var (
		state zookeeper.SessionState
		event zookeeper.SessionEvent
		ferr  error
	)
	switch {
	case errors.Is(err, zookeeper.ErrSessionExpired):
		state, event, ferr = zookeeper.StateExpired, zookeeper.EventSessionExpired, zookeeper.ErrSessionExpired
	case errors.Is(err, zookeeper.ErrAuthFailed):
		state, event, ferr = zookeeper.StateAuthFailed, zookeeper.EventSessionAuthFailed, zookeeper.ErrAuthFailed
	default:
		state, event, ferr = zookeeper.StateClosed, zookeeper.EventSessionClosed, zookeeper.ErrSessionClosed
	}

	s.mu.Lock()
	s.failAllLocked(ferr)
	watchers := s.drainWatchesLocked()
	s.setStateLocked(state, event)
	s.closeListenersLocked()
	s.mu.Unlock()

	for _, w := range watchers {
		w.fire(zookeeper.Event{Type: zookeeper.EventNotWatching, Path: w.path, Err: ferr})
	}
}

// failAllLocked resolves every unresolved operation with err. The caller
// holds s.mu; completion only closes a channel so it is safe under the
// lock.
func (s *Session) failAllLocked(err error) {
	for _, op := range s.waiting {
		op.complete(err)
	}
	s.waiting = nil
	for xid, op := range s.inflight {
		delete(s.inflight, xid)
		op.complete(err)
	}
}

func (s *Session) closeListenersLocked() {
	for l := range s.listeners {
		delete(s.listeners, l)
		close(l.c)
	}
}

// loop cycles through the ensemble until the session ends: pick an
// endpoint, connect, serve until the connection dies, repeat. The backoff
// grows once per full pass over the server list and resets after any
// successful connection.
func (s *Session) loop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	s.setState(zookeeper.StateConnecting, zookeeper.EventSessionConnecting)

	var disconnectedAt time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		addr, retryStart := s.provider.Next()
		if retryStart {
			wait := bo.NextBackOff()
			s.log.Debug("ensemble pass exhausted, backing off", zap.Duration("wait", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// A continued session that has been disconnected longer than its
		// negotiated timeout is gone on the server side; declare it here
		// instead of discovering it one handshake at a time.
		s.mu.Lock()
		hasSession := s.sessionID != 0
		negotiated := s.negotiated
		s.mu.Unlock()
		if hasSession && !disconnectedAt.IsZero() && time.Since(disconnectedAt) > negotiated {
			return zookeeper.ErrSessionExpired
		}

		t, err := s.dial(ctx, addr, s.cfg.ConnectTimeout, s.cfg.MaxFrameSize, s.log)
		if err != nil {
			s.log.Warn("connection attempt failed", zap.String("server", addr), zap.Error(err))
			continue
		}

		connected, err := s.runConnection(ctx, t)
		if connected {
			bo.Reset()
		}
		switch {
		case err == nil:
			return ctx.Err()
		case errors.Is(err, zookeeper.ErrSessionExpired), errors.Is(err, zookeeper.ErrAuthFailed):
			return err
		default:
			s.log.Warn("connection lost", zap.String("server", addr), zap.Error(err))
			// The expiry clock starts when an established connection
			// dies. Attempts that never got connected must not restart
			// it, or a server that keeps failing handshakes would keep a
			// doomed session alive forever.
			if connected {
				disconnectedAt = time.Now()
			}
		}
	}
}

// runConnection drives one connection from handshake to death. It
// returns connected=true once the handshake succeeded, and a nil error
// only when the connection ended because ctx was cancelled.
func (s *Session) runConnection(ctx context.Context, t Transport) (connected bool, err error) {
	defer t.Close()

	s.mu.Lock()
	req := &proto.ConnectRequest{
		LastZxidSeen: int64(s.lastZxid),
		Timeout:      int32(s.cfg.SessionTimeout / time.Millisecond),
		SessionID:    s.sessionID,
		Passwd:       s.password,
	}
	continuing := s.sessionID != 0
	s.mu.Unlock()
	if req.Passwd == nil {
		req.Passwd = make([]byte, proto.SessionPasswordSize)
	}

	resp, err := t.Handshake(req, s.cfg.ConnectTimeout)
	if err != nil {
		return false, fmt.Errorf("%w: handshake with %s: %w", zookeeper.ErrConnectionLost, t.RemoteAddr(), err)
	}
	if resp.Timeout <= 0 {
		if continuing {
			// The server no longer knows this session.
			return false, zookeeper.ErrSessionExpired
		}
		return false, fmt.Errorf("%w: server %s refused the session", zookeeper.ErrHandshakeRejected, t.RemoteAddr())
	}

	s.mu.Lock()
	s.negotiated = time.Duration(resp.Timeout) * time.Millisecond
	s.sessionID = resp.SessionID
	s.password = resp.Passwd
	s.mu.Unlock()

	for _, auth := range s.cfg.AuthInfos {
		pkt := &proto.AuthPacket{Scheme: auth.Scheme, Auth: auth.Auth}
		if err := s.exchange(t, proto.XidAuth, proto.OpAuth, pkt); err != nil {
			if errors.Is(err, zookeeper.ErrAuthFailed) {
				return false, zookeeper.ErrAuthFailed
			}
			return false, fmt.Errorf("%w: adding auth: %w", zookeeper.ErrConnectionLost, err)
		}
	}

	for _, sw := range s.rewatchRequests() {
		if err := s.exchange(t, proto.XidSetWatches, proto.OpSetWatches, sw); err != nil {
			return false, fmt.Errorf("%w: restoring watches: %w", zookeeper.ErrConnectionLost, err)
		}
	}

	s.provider.Connected()
	if continuing {
		s.setState(zookeeper.StateConnected, zookeeper.EventSessionReconnected)
	} else {
		s.setState(zookeeper.StateConnected, zookeeper.EventSessionConnected)
	}
	s.log.Info("session established",
		zap.String("server", t.RemoteAddr()),
		zap.Int64("sessionID", resp.SessionID),
		zap.Duration("timeout", time.Duration(resp.Timeout)*time.Millisecond))

	g, gctx := errgroup.WithContext(ctx)
	sendDone := make(chan struct{})
	g.Go(func() error {
		defer close(sendDone)
		return s.sendLoop(gctx, t)
	})
	g.Go(func() error { return s.recvLoop(gctx, t) })
	g.Go(func() error {
		// Closing the transport is what actually unblocks the read loop
		// when the connection ends. Waiting for the send loop first keeps
		// this goroutine the sole writer for the farewell below.
		<-gctx.Done()
		<-sendDone
		if ctx.Err() != nil {
			// Caller-initiated shutdown: tell the server to end the
			// session so ephemeral nodes disappear promptly. Best effort;
			// the server expires the session on its own timeout either
			// way.
			hdr := &proto.RequestHeader{
				Xid:    s.register(&pendingOp{done: make(chan struct{})}),
				Opcode: proto.OpClose,
			}
			_ = t.WriteFrame(hdr)
		}
		t.Close()
		return nil
	})
	err = g.Wait()

	if ctx.Err() != nil {
		return true, nil
	}
	s.handleConnectionLoss()
	s.setState(zookeeper.StateReconnecting, zookeeper.EventSessionDisconnected)
	return true, err
}

// exchange performs one synchronous request/response pair during
// connection setup, before the send and receive loops take over. Watch
// events that arrive interleaved are dispatched rather than dropped.
func (s *Session) exchange(t Transport, xid int32, opcode int32, req proto.Encodable) error {
	hdr := &proto.RequestHeader{Xid: xid, Opcode: opcode}
	if err := t.WriteFrame(hdr, req); err != nil {
		return fmt.Errorf("writing %s: %w", proto.OpName(opcode), err)
	}
	for {
		frame, err := t.ReadFrame(s.cfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("reading %s reply: %w", proto.OpName(opcode), err)
		}
		d := proto.NewDecoder(frame)
		reply := &proto.ReplyHeader{}
		if err := reply.Decode(d); err != nil {
			return fmt.Errorf("decoding %s reply: %w", proto.OpName(opcode), err)
		}
		s.observeZxid(reply.Zxid)
		switch reply.Xid {
		case xid:
			return zookeeper.ErrorForCode(reply.Err)
		case proto.XidWatcherEvent:
			ev := &proto.WatcherEvent{}
			if err := ev.Decode(d); err != nil {
				return fmt.Errorf("decoding watch event: %w", err)
			}
			s.fireWatchEvent(zookeeper.EventType(ev.Type), ev.Path)
		case proto.XidPing:
		default:
			s.log.Warn("unexpected reply during connection setup", zap.Object("header", reply))
		}
	}
}
