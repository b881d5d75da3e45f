package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luma/gatewire/protocol"
)

// DeliveryBufferSize is the per-subscription message buffer. The dispatcher
// never blocks on a slow consumer; once this buffer is full further frames
// for that subscription are dropped with a log.
const DeliveryBufferSize = 255

var (
	ErrEndOfStream = errors.New("Subscription has delivered the full response")
	ErrCancelled   = errors.New("Subscription was cancelled")
)

// SubState is a subscription's lifecycle state.
type SubState int32

const (
	SubPending SubState = iota
	SubStreaming
	SubCompleted
	SubCancelled
	SubFailed
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubStreaming:
		return "streaming"
	case SubCompleted:
		return "completed"
	case SubCancelled:
		return "cancelled"
	case SubFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SubState) terminal() bool {
	return s == SubCompleted || s == SubCancelled || s == SubFailed
}

// Subscription is the consumer-facing handle for a pending or streaming
// exchange. The dispatcher owns the producer side of the delivery channel;
// the consumer reads through Next or Chan and tears down with Cancel.
//
// A subscription is not restartable. To re-read a bounded result from the
// start, make a new request.
type Subscription struct {
	conn *Conn
	log  *zap.Logger

	// reqID is -1 for broadcast subscriptions, which route by message type
	// instead.
	reqID int32
	types []protocol.Incoming

	// cancelBody, when set, is sent to the gateway on Cancel so it stops
	// emitting data for this request id.
	cancelBody []byte

	state int32

	ch   chan *protocol.Message
	done chan struct{}

	closeOnce  sync.Once
	cancelOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newSubscription(c *Conn, reqID int32, types []protocol.Incoming) *Subscription {
	return &Subscription{
		conn:  c,
		log:   c.log.Named("sub"),
		reqID: reqID,
		types: types,
		ch:    make(chan *protocol.Message, DeliveryBufferSize),
		done:  make(chan struct{}),
	}
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() SubState {
	return SubState(atomic.LoadInt32(&s.state))
}

// Next blocks until the next message is delivered, the subscription reaches
// a terminal state, or ctx expires. A ctx expiry leaves the subscription
// open; a later Next can still succeed. Buffered messages are always
// drained before a terminal state is reported.
func (s *Subscription) Next(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.ch:
		return msg, nil

	case <-s.done:
		// Terminal, but the buffer may still hold deliveries that raced the
		// shutdown.
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		return nil, s.terminalErr()

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Chan exposes the delivery channel for select-based consumers. Pair it
// with Done to observe termination; the channel itself is never closed.
func (s *Subscription) Chan() <-chan *protocol.Message {
	return s.ch
}

// Done is closed once the subscription reaches a terminal state.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, if any. It is nil while the subscription
// is live and after a normal completion.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Cancel tears the subscription down: it deregisters the routing entry so
// late frames are dropped rather than misrouted, sends the request type's
// cancel message to the gateway if one is defined, and transitions to
// Cancelled. Safe to call more than once; only the first call acts.
func (s *Subscription) Cancel() error {
	var err error

	s.cancelOnce.Do(func() {
		s.conn.dispatcher.deregister(s)

		if s.State().terminal() {
			// Already completed or failed; nothing to tell the gateway.
			return
		}

		if s.cancelBody != nil && s.conn.IsReady() {
			err = s.conn.send(s.cancelBody)
		}

		s.terminate(SubCancelled, nil)
	})

	return err
}

// deliver hands a routed message to the consumer. Called only by the
// dispatcher goroutine. Never blocks: a full buffer drops the message for
// this subscription alone.
func (s *Subscription) deliver(msg *protocol.Message) {
	atomic.CompareAndSwapInt32(&s.state, int32(SubPending), int32(SubStreaming))

	select {
	case s.ch <- msg:
	default:
		s.log.Warn("Dropping message for slow consumer",
			zap.Int32("reqID", s.reqID),
			zap.Int("buffered", len(s.ch)))
	}
}

// complete marks the gateway's explicit end-of-stream for this exchange.
func (s *Subscription) complete() {
	s.terminate(SubCompleted, nil)
}

// fail records a terminal error: a gateway ERR_MSG for this request id, or
// a connection-wide reset.
func (s *Subscription) fail(err error) {
	s.terminate(SubFailed, err)
}

func (s *Subscription) terminate(st SubState, err error) {
	if err != nil {
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}

	for {
		cur := SubState(atomic.LoadInt32(&s.state))
		if cur.terminal() {
			break
		}
		if atomic.CompareAndSwapInt32(&s.state, int32(cur), int32(st)) {
			break
		}
	}

	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) terminalErr() error {
	switch s.State() {
	case SubFailed:
		return s.Err()
	case SubCancelled:
		return ErrCancelled
	default:
		return ErrEndOfStream
	}
}
