package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/luma/gatewire/protocol"
)

// dispatcher owns the socket's read side exclusively. It decodes each
// incoming frame's header and routes the message to exactly one waiting
// request-scoped subscription, or fans it out to every subscriber
// registered for a broadcast message type.
type dispatcher struct {
	conn *Conn
	log  *zap.Logger

	// mu guards the two routing maps only. It is never held across a socket
	// read or a channel send.
	mu    sync.Mutex
	reqs  map[int32]*Subscription
	types map[protocol.Incoming]map[*Subscription]struct{}

	// errs is the fallback sink for gateway errors that carry no request
	// id. Closed when the read loop exits.
	errs chan *protocol.ServerError

	shutdownOnce sync.Once
}

func newDispatcher(c *Conn) *dispatcher {
	return &dispatcher{
		conn:  c,
		log:   c.log.Named("dispatcher"),
		reqs:  make(map[int32]*Subscription),
		types: make(map[protocol.Incoming]map[*Subscription]struct{}),
		errs:  make(chan *protocol.ServerError, DeliveryBufferSize),
	}
}

// run is the read loop. It exits on the first transport failure, which also
// covers a deliberate Conn.Close severing the socket.
func (d *dispatcher) run() {
	for {
		body, err := protocol.ReadFrame(d.conn.conn)
		if err != nil {
			if d.conn.State() == StateClosed {
				d.log.Debug("Read loop exiting after close")
			} else {
				d.log.Warn("Gateway read failed, connection reset", zap.Error(err))
			}
			d.conn.setState(StateClosed)
			d.shutdown()
			return
		}

		d.conn.opts.Recorder.RecordRecv(body)
		d.route(body)
	}
}

func (d *dispatcher) route(body []byte) {
	msg := protocol.Split(body)

	code, err := msg.IntAt(0)
	if err != nil {
		d.log.Warn("Dropping frame with unreadable message type", zap.Error(err))
		return
	}
	in := protocol.Incoming(code)

	if in == protocol.InErrMsg {
		d.routeError(msg)
		return
	}

	route, known := protocol.RouteFor(in)

	if known && route.ReqIDIndex >= 0 {
		reqID, err := msg.IntAt(route.ReqIDIndex)
		if err != nil {
			d.log.Warn("Dropping frame with unreadable request id",
				zap.Stringer("msgType", in), zap.Error(err))
			return
		}

		d.mu.Lock()
		sub := d.reqs[int32(reqID)]
		if sub != nil && route.End {
			delete(d.reqs, int32(reqID))
		}
		d.mu.Unlock()

		if sub == nil {
			d.log.Debug("Dropping frame for unknown request id",
				zap.Stringer("msgType", in), zap.Int("reqID", reqID))
			return
		}

		if route.End {
			sub.complete()
			return
		}

		sub.deliver(msg)
		return
	}

	// Broadcast fan out. Snapshot the subscriber set so the lock is not
	// held across delivery.
	d.mu.Lock()
	set := d.types[in]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	if len(subs) == 0 {
		d.log.Debug("Dropping unroutable frame", zap.Stringer("msgType", in))
		return
	}

	for _, sub := range subs {
		sub.deliver(msg)
	}
}

// routeError decodes an ERR_MSG frame and routes it to the subscription it
// names, or to the global error sink when it is connection-scoped.
//
// Layout: type, format version, request id (-1 for connection scope), code,
// text, and on new enough gateways one further (possibly empty) field.
func (d *dispatcher) routeError(msg *protocol.Message) {
	var decodeErr error
	skip := func() {
		if decodeErr == nil {
			decodeErr = msg.Skip()
		}
	}

	skip() // message type
	skip() // format version

	id, err := msg.ReadInt()
	if decodeErr == nil {
		decodeErr = err
	}
	code, err := msg.ReadInt()
	if decodeErr == nil {
		decodeErr = err
	}
	text, err := msg.ReadString()
	if decodeErr == nil {
		decodeErr = err
	}
	if decodeErr == nil && protocol.FeatureAdvancedOrderReject.SupportedBy(d.conn.ServerVersion()) && msg.More() {
		decodeErr = msg.Skip()
	}

	if decodeErr != nil {
		d.log.Warn("Dropping malformed error frame", zap.Error(decodeErr))
		return
	}

	serr := &protocol.ServerError{ReqID: int32(id), Code: code, Msg: text}

	if serr.ReqID >= 0 {
		d.mu.Lock()
		sub := d.reqs[serr.ReqID]
		delete(d.reqs, serr.ReqID)
		d.mu.Unlock()

		if sub == nil {
			d.log.Debug("Dropping error for unknown request id",
				zap.Int32("reqID", serr.ReqID), zap.Int("code", serr.Code))
			return
		}

		sub.fail(serr)
		return
	}

	d.log.Warn("Gateway reported a connection-scoped error",
		zap.Int("code", serr.Code), zap.String("message", serr.Msg))

	select {
	case d.errs <- serr:
	default:
		d.log.Warn("Global error sink is full, dropping error")
	}
}

func (d *dispatcher) registerRequest(reqID int32, sub *Subscription) {
	d.mu.Lock()
	d.reqs[reqID] = sub
	d.mu.Unlock()
}

func (d *dispatcher) registerTypes(sub *Subscription) {
	d.mu.Lock()
	for _, in := range sub.types {
		set := d.types[in]
		if set == nil {
			set = make(map[*Subscription]struct{})
			d.types[in] = set
		}
		set[sub] = struct{}{}
	}
	d.mu.Unlock()
}

// deregister removes every routing entry for sub so late-arriving frames
// are dropped rather than misrouted to a reused id.
func (d *dispatcher) deregister(sub *Subscription) {
	d.mu.Lock()
	if sub.reqID >= 0 {
		if d.reqs[sub.reqID] == sub {
			delete(d.reqs, sub.reqID)
		}
	}
	for _, in := range sub.types {
		if set := d.types[in]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(d.types, in)
			}
		}
	}
	d.mu.Unlock()
}

// shutdown fails every still-open subscription with ErrConnectionReset so
// none are left silently hanging, then closes the global error sink.
func (d *dispatcher) shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		subs := make([]*Subscription, 0, len(d.reqs))
		for _, sub := range d.reqs {
			subs = append(subs, sub)
		}
		for _, set := range d.types {
			for sub := range set {
				subs = append(subs, sub)
			}
		}
		d.reqs = make(map[int32]*Subscription)
		d.types = make(map[protocol.Incoming]map[*Subscription]struct{})
		d.mu.Unlock()

		for _, sub := range subs {
			sub.fail(ErrConnectionReset)
		}

		close(d.errs)
	})
}
