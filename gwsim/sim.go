// Package gwsim is a scripted gateway simulator: the server side of the
// Gatewire protocol, sufficient for tests and local development. It speaks
// the real handshake and framing, answers the handful of requests the
// client library exercises, and lets a test override any handler.
package gwsim

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/gatewire/protocol"
)

// HandlerFunc answers one decoded request. The message cursor is positioned
// just past the message type code.
type HandlerFunc func(sess *Session, msg *protocol.Message) error

type Options struct {
	// Host to listen on. Defaults to 127.0.0.1.
	Host string

	// Port to listen on. 0 picks an ephemeral port; read it back with Addr.
	Port int

	// ServerVersion the simulator announces. Defaults to MaxClientVersion.
	ServerVersion int

	// Accounts is the managed account list. Defaults to a single paper
	// account.
	Accounts []string

	// NextOrderID seeds the next-valid-order-id the simulator hands out.
	NextOrderID int32

	// ConnectionTime, when set, is sent verbatim as the gateway time in the
	// handshake reply instead of the wall clock.
	ConnectionTime string

	Log *zap.Logger
}

type Simulator struct {
	opts Options
	log  *zap.Logger

	cancel   context.CancelFunc
	listener net.Listener

	loopWaiter sync.WaitGroup

	mu       sync.Mutex
	sessions map[*Session]struct{}
	handlers map[protocol.Outgoing]HandlerFunc
}

func New(opts Options) *Simulator {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ServerVersion == 0 {
		opts.ServerVersion = protocol.MaxClientVersion
	}
	if opts.Accounts == nil {
		opts.Accounts = []string{"DU12345"}
	}
	if opts.NextOrderID == 0 {
		opts.NextOrderID = 1
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	s := &Simulator{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[*Session]struct{}),
		handlers: make(map[protocol.Outgoing]HandlerFunc),
	}
	s.registerDefaults()

	return s
}

// Handle overrides or extends the scripted response for one request type.
func (s *Simulator) Handle(out protocol.Outgoing, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[out] = fn
	s.mu.Unlock()
}

func (s *Simulator) handlerFor(out protocol.Outgoing) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[out]
}

// Start begins listening and accepting connections. It returns once the
// listener is bound, so a subsequent dial will not race the bind.
func (s *Simulator) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel

	listener, err := reuseport.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
	if err != nil {
		cancel()
		return err
	}
	s.listener = listener

	s.log.Info("Gateway simulator listening", zap.String("addr", listener.Addr().String()))

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Addr is the bound listen address, useful with an ephemeral port.
func (s *Simulator) Addr() net.Addr {
	return s.listener.Addr()
}

// Port is the bound listen port.
func (s *Simulator) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Simulator) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		if err := s.listener.Close(); err != nil {
			s.log.Warn("Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting, that's fine.
				return
			}

			// Transient accept failures must not kill the loop.
			s.log.Warn("Failed to accept connection", zap.Error(err))
			continue
		}

		sess := newSession(ctx, s, conn)
		s.addSession(sess)

		s.loopWaiter.Add(1)
		go func() {
			defer s.loopWaiter.Done()
			defer s.removeSession(sess)
			sess.run()
		}()
	}
}

// DropConnections severs every live session without stopping the listener,
// for exercising connection-reset handling in clients.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// Close stops the listener, severs live sessions and waits for the session
// loops to drain.
func (s *Simulator) Close() error {
	var err error

	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for sess := range s.sessions {
		err = multierr.Append(err, sess.close())
	}
	s.mu.Unlock()

	s.loopWaiter.Wait()

	return err
}

func (s *Simulator) addSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Simulator) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
