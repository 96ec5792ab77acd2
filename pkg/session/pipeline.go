package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// maxPendingOperations bounds submitted-but-unresolved operations. Hitting
// it means the caller is submitting far faster than the ensemble responds.
const maxPendingOperations = 1 << 16

// pendingOp is one submitted operation, owned by the pipeline from Do
// until it resolves.
type pendingOp struct {
	opcode int32
	req    proto.Encodable
	resp   proto.Decodable

	// retryable marks a read the caller allows to be resubmitted
	// transparently after a connection loss.
	retryable bool

	// watch, if set, is registered when the operation completes:
	// watchSuccess on success, WatchExist when watchOnNoNode is set and
	// the server answered no-node (the exists case).
	watch         *Watcher
	watchSuccess  zookeeper.WatchType
	watchOnNoNode bool

	// xid is zero until the request is written to a connection.
	xid      int32
	canceled atomic.Bool

	once sync.Once
	err  error
	done chan struct{}
}

func (op *pendingOp) complete(err error) {
	op.once.Do(func() {
		op.err = err
		close(op.done)
	})
}

// OpOption tunes a single submission.
type OpOption func(*pendingOp)

// WithRetry allows the operation to be resubmitted transparently if the
// connection drops before its response arrives. Only safe for reads.
func WithRetry() OpOption {
	return func(op *pendingOp) {
		op.retryable = true
	}
}

// WithWatch registers w under wtype once the operation succeeds.
func WithWatch(w *Watcher, wtype zookeeper.WatchType) OpOption {
	return func(op *pendingOp) {
		op.watch = w
		op.watchSuccess = wtype
	}
}

// WithExistsWatch registers w as a data watch on success and as an exist
// watch when the node is absent, matching the server's behavior for the
// exists operation.
func WithExistsWatch(w *Watcher) OpOption {
	return func(op *pendingOp) {
		op.watch = w
		op.watchSuccess = zookeeper.WatchData
		op.watchOnNoNode = true
	}
}

// Do submits one operation and suspends until it resolves or ctx is
// cancelled. Operations submitted before the session connects are queued
// and written once the handshake completes. resp may be nil for
// operations whose reply has no body.
func (s *Session) Do(ctx context.Context, opcode int32, req proto.Encodable, resp proto.Decodable, opts ...OpOption) error {
	op := &pendingOp{
		opcode: opcode,
		req:    req,
		resp:   resp,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(op)
	}

	s.mu.Lock()
	if s.state.Terminal() {
		err := terminalError(s.state)
		s.mu.Unlock()
		return err
	}
	if len(s.waiting)+len(s.inflight) >= maxPendingOperations {
		s.mu.Unlock()
		return fmt.Errorf("too many pending operations (%d)", maxPendingOperations)
	}
	s.waiting = append(s.waiting, op)
	s.mu.Unlock()
	s.kick()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		s.cancelOp(op)
		return ctx.Err()
	}
}

// kick wakes the send loop after the waiting queue gained items.
func (s *Session) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// cancelOp removes the operation from the pipeline. A response that
// arrives later for its xid is dropped.
func (s *Session) cancelOp(op *pendingOp) {
	op.canceled.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.waiting {
		if o == op {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	if op.xid != 0 {
		delete(s.inflight, op.xid)
	}
}

// dequeue pops the head of the waiting queue, or nil when it is empty.
func (s *Session) dequeue() *pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.waiting) > 0 {
		op := s.waiting[0]
		s.waiting = s.waiting[1:]
		if op.canceled.Load() {
			continue
		}
		return op
	}
	return nil
}

// register assigns the next xid and moves the operation into the
// in-flight set. Xids are assigned at write time, not submission time, so
// an operation requeued after a connection loss goes out under a fresh id
// and a stale response from the dead connection can never match it.
func (s *Session) register(op *pendingOp) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xid = (s.xid + 1) & 0x7FFFFFFF
	if s.xid == 0 {
		s.xid = 1
	}
	op.xid = s.xid
	s.inflight[op.xid] = op
	return op.xid
}

// sendLoop writes queued operations to the connection in submission order
// and keeps the session alive with pings at a third of the negotiated
// timeout.
func (s *Session) sendLoop(ctx context.Context, t Transport) error {
	interval := s.pingInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		op := s.dequeue()
		if op == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.notify:
				continue
			case <-timer.C:
				hdr := &proto.RequestHeader{Xid: proto.XidPing, Opcode: proto.OpPing}
				if err := t.WriteFrame(hdr); err != nil {
					return fmt.Errorf("%w: writing ping: %w", zookeeper.ErrConnectionLost, err)
				}
				timer.Reset(interval)
				continue
			}
		}

		hdr := &proto.RequestHeader{Xid: s.register(op), Opcode: op.opcode}
		var err error
		if op.req != nil {
			err = t.WriteFrame(hdr, op.req)
		} else {
			err = t.WriteFrame(hdr)
		}
		if err != nil {
			return fmt.Errorf("%w: writing request: %w", zookeeper.ErrConnectionLost, err)
		}
		s.log.Debug("request written", zap.Object("header", hdr))
		timer.Reset(interval)
	}
}

// recvLoop decodes incoming frames and dispatches them: watch events to
// the registry, ping replies to the floor, everything else to the
// in-flight set by xid. Dispatch never blocks on the operation it
// resolves.
func (s *Session) recvLoop(ctx context.Context, t Transport) error {
	readTimeout := s.readTimeout()
	for {
		frame, err := t.ReadFrame(readTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: reading frame: %w", zookeeper.ErrConnectionLost, err)
		}

		d := proto.NewDecoder(frame)
		hdr := &proto.ReplyHeader{}
		if err := hdr.Decode(d); err != nil {
			return fmt.Errorf("%w: malformed reply header: %w", zookeeper.ErrConnectionLost, err)
		}
		s.observeZxid(hdr.Zxid)

		switch hdr.Xid {
		case proto.XidWatcherEvent:
			ev := &proto.WatcherEvent{}
			if err := ev.Decode(d); err != nil {
				return fmt.Errorf("%w: malformed watch event: %w", zookeeper.ErrConnectionLost, err)
			}
			s.fireWatchEvent(zookeeper.EventType(ev.Type), ev.Path)
		case proto.XidPing:
			s.log.Debug("ping reply", zap.Object("header", hdr))
		case proto.XidAuth, proto.XidSetWatches:
			// Handled synchronously during connection setup; anything
			// arriving here is late and carries no payload we need.
		default:
			s.completeOp(hdr, d)
		}
	}
}

// completeOp matches a reply to its pending operation and resolves it.
func (s *Session) completeOp(hdr *proto.ReplyHeader, d *proto.Decoder) {
	s.mu.Lock()
	op, ok := s.inflight[hdr.Xid]
	if ok {
		delete(s.inflight, hdr.Xid)
	}
	s.mu.Unlock()
	if !ok {
		// Already cancelled, or a stale reply. Either way nobody is
		// waiting on it.
		s.log.Debug("reply without a pending operation", zap.Object("header", hdr))
		return
	}
	if op.canceled.Load() {
		return
	}

	err := zookeeper.ErrorForCode(hdr.Err)
	if err == nil && op.resp != nil {
		if derr := op.resp.Decode(d); derr != nil {
			err = fmt.Errorf("decoding %s response: %w", proto.OpName(op.opcode), derr)
		}
	}

	if op.watch != nil {
		if err == nil {
			s.addWatch(op.watch, op.watchSuccess)
		} else if op.watchOnNoNode && errors.Is(err, zookeeper.ErrNoNode) {
			s.addWatch(op.watch, zookeeper.WatchExist)
		}
	}
	op.complete(err)
}

// handleConnectionLoss resolves or requeues every in-flight operation
// after the connection died. Reads the caller marked retryable go back to
// the head of the queue in their original order; everything else resolves
// with ErrConnectionLost, because the server may have applied a write even
// though its response never arrived.
func (s *Session) handleConnectionLoss() {
	s.mu.Lock()
	xids := make([]int, 0, len(s.inflight))
	for xid := range s.inflight {
		xids = append(xids, int(xid))
	}
	sort.Ints(xids)

	var requeue []*pendingOp
	var failed []*pendingOp
	for _, xid := range xids {
		op := s.inflight[int32(xid)]
		delete(s.inflight, int32(xid))
		if op.canceled.Load() {
			continue
		}
		if op.retryable {
			op.xid = 0
			requeue = append(requeue, op)
		} else {
			failed = append(failed, op)
		}
	}
	s.waiting = append(requeue, s.waiting...)
	s.mu.Unlock()

	for _, op := range failed {
		op.complete(zookeeper.ErrConnectionLost)
	}
	if len(requeue) > 0 {
		s.kick()
	}
}

func terminalError(state zookeeper.SessionState) error {
	switch state {
	case zookeeper.StateExpired:
		return zookeeper.ErrSessionExpired
	case zookeeper.StateAuthFailed:
		return zookeeper.ErrAuthFailed
	default:
		return zookeeper.ErrSessionClosed
	}
}
