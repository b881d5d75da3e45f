package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/gatewire/protocol"
)

// startAPIVersion is the message-format version of the START_API request.
const startAPIVersion = 2

const defaultDialTimeout = 10 * time.Second

var (
	ErrConnectionReset  = errors.New("Connection to the gateway was reset")
	ErrNotConnected     = errors.New("Client is not connected to a gateway")
	ErrAlreadyConnected = errors.New("Client has already connected; make a new Conn to reconnect")
)

// ConnState is the connection's lifecycle state. Transitions never skip a
// state and Closed is terminal.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	// Host and Port of the gateway to dial.
	Host string
	Port int

	// ClientID identifies this client to the gateway. Several clients with
	// distinct ids may talk to the same gateway.
	ClientID int

	DialTimeout time.Duration

	// Recorder receives every sent and received frame body. Defaults to
	// NopRecorder; pass a JSONRecorder to capture exchanges for tooling.
	Recorder Recorder

	Log *zap.Logger
}

// AccountInfo is what the handshake learns about the account before the
// connection goes ready.
type AccountInfo struct {
	NextOrderID int32
	Accounts    []string
	ServerTime  time.Time
}

// Conn is a single connection to a gateway. One goroutine (the dispatcher)
// owns the read side; writes from any number of callers are serialised by a
// write lock. Arbitrarily many subscriptions may be open concurrently once
// the connection is ready.
type Conn struct {
	opts Options
	log  *zap.Logger

	state int32

	conn    net.Conn
	writeMu sync.Mutex

	// serverVersion is negotiated once in the handshake and immutable for
	// the connection's lifetime.
	serverVersion int
	connectedAt   time.Time
	accounts      []string

	requestIDs *Sequence
	orderIDs   *Sequence

	dispatcher *dispatcher

	closeOnce sync.Once
}

func New(opts Options) *Conn {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	c := &Conn{
		opts:       opts,
		log:        opts.Log,
		requestIDs: NewSequence(StartingRequestID),
		orderIDs:   NewSequence(0),
	}
	c.dispatcher = newDispatcher(c)

	return c
}

// Connect dials the gateway, performs the handshake and starts the
// dispatcher. Only one handshake may ever be in flight; a Conn that failed
// to connect is Closed and cannot be reused.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.transition(StateDisconnected, StateHandshaking) {
		return ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("Failed to dial gateway at %s: %w", addr, err)
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		c.setState(StateClosed)
		c.conn.Close()
		return err
	}

	c.setState(StateReady)
	c.log.Info("Connected to gateway",
		zap.String("addr", addr),
		zap.Int("serverVersion", c.serverVersion),
		zap.Strings("accounts", c.accounts))

	go c.dispatcher.run()

	return nil
}

func (c *Conn) handshake() error {
	log := c.log.Named("handshake")

	window := protocol.VersionRange(protocol.MinClientVersion, protocol.MaxClientVersion)
	if err := protocol.WriteMagic(c.conn, window); err != nil {
		return fmt.Errorf("Failed to send connection opener: %w", err)
	}

	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("Failed to read gateway version frame: %w", err)
	}
	c.opts.Recorder.RecordRecv(body)

	msg := protocol.Split(body)
	version, err := msg.ReadInt()
	if err != nil {
		return fmt.Errorf("Malformed gateway version: %w", err)
	}
	timeStr, err := msg.ReadString()
	if err != nil {
		return fmt.Errorf("Malformed gateway time: %w", err)
	}

	if version < protocol.MinClientVersion {
		return fmt.Errorf("Gateway version %d is below the supported window %s", version, window)
	}

	c.serverVersion = version
	c.connectedAt = parseConnectionTime(timeStr, log)

	w := protocol.NewWriter().
		AddInt(int(protocol.OutStartAPI)).
		AddInt(startAPIVersion).
		AddInt(c.opts.ClientID)
	if protocol.FeatureOptionalCapabilities.SupportedBy(version) {
		w.AddString("")
	}
	if err := c.send(w.Bytes()); err != nil {
		return fmt.Errorf("Failed to send start api: %w", err)
	}

	// Keep reading until the gateway has told us the next valid order id
	// and the managed account list. Anything else arriving this early is
	// logged and skipped.
	var haveOrderID, haveAccounts bool

	for !haveOrderID || !haveAccounts {
		body, err := protocol.ReadFrame(c.conn)
		if err != nil {
			return fmt.Errorf("Handshake read failed: %w", err)
		}
		c.opts.Recorder.RecordRecv(body)

		msg := protocol.Split(body)
		code, err := msg.ReadInt()
		if err != nil {
			return fmt.Errorf("Handshake frame with unreadable message type: %w", err)
		}

		switch protocol.Incoming(code) {
		case protocol.InNextValidID:
			if err := msg.Skip(); err != nil {
				return err
			}
			id, err := msg.ReadInt()
			if err != nil {
				return fmt.Errorf("Malformed next valid id: %w", err)
			}
			c.orderIDs.Set(int32(id))
			haveOrderID = true

		case protocol.InManagedAccts:
			if err := msg.Skip(); err != nil {
				return err
			}
			list, err := msg.ReadString()
			if err != nil {
				return fmt.Errorf("Malformed managed accounts: %w", err)
			}
			c.accounts = ParseAccountList(list)
			haveAccounts = true

		case protocol.InErrMsg:
			log.Warn("Gateway reported an error during handshake",
				zap.Strings("fields", msg.Strings()))

		default:
			log.Debug("Ignoring frame during handshake", zap.Int("msgType", code))
		}
	}

	return nil
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

func (c *Conn) IsReady() bool {
	return c.State() == StateReady
}

// ServerVersion is the protocol version negotiated in the handshake. Zero
// before Connect.
func (c *Conn) ServerVersion() int {
	return c.serverVersion
}

// ConnectedAt is the gateway's wall-clock time at connection, zero when its
// time zone could not be understood.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Accounts lists the managed accounts announced in the handshake.
func (c *Conn) Accounts() []string {
	out := make([]string, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// AccountInfo bundles what the handshake learned.
func (c *Conn) AccountInfo() AccountInfo {
	return AccountInfo{
		NextOrderID: c.orderIDs.Current(),
		Accounts:    c.Accounts(),
		ServerTime:  c.connectedAt,
	}
}

// NextRequestID allocates a request id, unique for this connection.
func (c *Conn) NextRequestID() int32 {
	return c.requestIDs.Next()
}

// NextOrderID allocates an order id from the gateway-seeded counter.
func (c *Conn) NextOrderID() int32 {
	return c.orderIDs.Next()
}

// CheckFeature gates a capability against the negotiated server version.
func (c *Conn) CheckFeature(f protocol.Feature) error {
	return f.Check(c.serverVersion)
}

// Errors is the sink for gateway errors that carry no request id. Closed
// when the connection shuts down.
func (c *Conn) Errors() <-chan *protocol.ServerError {
	return c.dispatcher.errs
}

// RequestOption configures a subscription at creation.
type RequestOption func(*Subscription)

// WithCancel registers the message Cancel sends so the gateway stops
// emitting data for this request.
func WithCancel(body []byte) RequestOption {
	return func(s *Subscription) {
		s.cancelBody = body
	}
}

// SendRequest writes an encoded request whose replies are correlated by
// reqID, returning the subscription its frames will be delivered to. The
// subscription is registered before the write so a fast reply cannot race
// its own routing entry.
func (c *Conn) SendRequest(reqID int32, body []byte, opts ...RequestOption) (*Subscription, error) {
	if !c.IsReady() {
		return nil, ErrNotConnected
	}

	sub := newSubscription(c, reqID, nil)
	for _, opt := range opts {
		opt(sub)
	}

	c.dispatcher.registerRequest(reqID, sub)

	if err := c.send(body); err != nil {
		c.dispatcher.deregister(sub)
		return nil, err
	}

	return sub, nil
}

// SendBroadcastRequest writes an encoded request whose replies are not
// request-id-correlated, registering the subscription for the reply's
// message type instead.
func (c *Conn) SendBroadcastRequest(replyType protocol.Incoming, body []byte, opts ...RequestOption) (*Subscription, error) {
	if !c.IsReady() {
		return nil, ErrNotConnected
	}

	sub := newSubscription(c, -1, []protocol.Incoming{replyType})
	for _, opt := range opts {
		opt(sub)
	}

	c.dispatcher.registerTypes(sub)

	if err := c.send(body); err != nil {
		c.dispatcher.deregister(sub)
		return nil, err
	}

	return sub, nil
}

// Subscribe registers a listen-only subscription for connection-wide
// broadcast categories such as order status or execution reports.
func (c *Conn) Subscribe(types ...protocol.Incoming) *Subscription {
	sub := newSubscription(c, -1, types)
	c.dispatcher.registerTypes(sub)
	return sub
}

// oneShot performs a request expected to produce exactly one logical
// result, tearing the registration down afterwards.
func (c *Conn) oneShot(ctx context.Context, replyType protocol.Incoming, body []byte) (*protocol.Message, error) {
	sub, err := c.SendBroadcastRequest(replyType, body)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	return sub.Next(ctx)
}

// send frames and writes one message body. All writes funnel through here
// so frames are never interleaved mid-write.
func (c *Conn) send(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.opts.Recorder.RecordSend(body)

	if err := protocol.WriteFrame(c.conn, body); err != nil {
		return resetErr(err)
	}

	return nil
}

// Close severs the connection. The dispatcher observes the closed socket,
// fails every open subscription with ErrConnectionReset and exits.
// Idempotent.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		wasReady := c.State() == StateReady
		c.setState(StateClosed)

		if c.conn != nil {
			err = multierr.Append(err, c.conn.Close())
		}

		if !wasReady {
			// The dispatcher never started; release anything registered.
			c.dispatcher.shutdown()
		}

		if closer, ok := c.opts.Recorder.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}

		c.log.Info("Connection closed")
	})

	return err
}

func (c *Conn) setState(s ConnState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Conn) transition(from, to ConnState) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

// resetErr ties an underlying transport failure to ErrConnectionReset so
// callers can match it with errors.Is.
func resetErr(err error) error {
	return fmt.Errorf("%w: %v", ErrConnectionReset, err)
}

// ParseAccountList splits the gateway's comma-joined account field. Empty
// elements are preserved: "ACC1,ACC2," has three entries and "" has one.
func ParseAccountList(list string) []string {
	return strings.Split(list, ",")
}

// zoneAbbrevs maps the time zone abbreviations the gateway is known to emit
// to IANA names. An abbreviation outside this table degrades to an unknown
// connection time, never to a failed handshake.
var zoneAbbrevs = map[string]string{
	"UTC":  "UTC",
	"GMT":  "UTC",
	"EST":  "America/New_York",
	"EDT":  "America/New_York",
	"CST":  "America/Chicago",
	"CDT":  "America/Chicago",
	"MST":  "America/Denver",
	"MDT":  "America/Denver",
	"PST":  "America/Los_Angeles",
	"PDT":  "America/Los_Angeles",
	"BST":  "Europe/London",
	"CET":  "Europe/Paris",
	"CEST": "Europe/Paris",
	"JST":  "Asia/Tokyo",
	"HKT":  "Asia/Hong_Kong",
}

const connectionTimeLayout = "20060102 15:04:05"

func parseConnectionTime(s string, log *zap.Logger) time.Time {
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 2 {
		log.Warn("Gateway connection time is malformed", zap.String("time", s))
		return time.Time{}
	}

	loc := time.Local
	if len(parts) == 3 && parts[2] != "" {
		name, ok := zoneAbbrevs[parts[2]]
		if !ok {
			log.Warn("Unrecognised gateway time zone", zap.String("zone", parts[2]))
			return time.Time{}
		}

		l, err := time.LoadLocation(name)
		if err != nil {
			log.Warn("Failed to load gateway time zone",
				zap.String("zone", parts[2]), zap.Error(err))
			return time.Time{}
		}
		loc = l
	}

	t, err := time.ParseInLocation(connectionTimeLayout, parts[0]+" "+parts[1], loc)
	if err != nil {
		log.Warn("Failed to parse gateway connection time",
			zap.String("time", s), zap.Error(err))
		return time.Time{}
	}

	return t
}
