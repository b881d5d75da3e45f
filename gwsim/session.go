package gwsim

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/gatewire/protocol"
)

const errFmtVersion = 2

// Session is one accepted client connection.
type Session struct {
	ctx  context.Context
	sim  *Simulator
	conn net.Conn
	log  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(ctx context.Context, sim *Simulator, conn net.Conn) *Session {
	return &Session{
		ctx:  ctx,
		sim:  sim,
		conn: conn,
		log:  sim.log.Named("session").With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// Send frames and writes one message body to the client.
func (sess *Session) Send(body []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	return protocol.WriteFrame(sess.conn, body)
}

// SendError writes an ERR_MSG frame. Use reqID -1 for a connection-scoped
// error.
func (sess *Session) SendError(reqID int32, code int, msg string) error {
	w := protocol.NewWriter().
		AddInt(int(protocol.InErrMsg)).
		AddInt(errFmtVersion).
		AddInt(int(reqID)).
		AddInt(code).
		AddString(msg)
	if protocol.FeatureAdvancedOrderReject.SupportedBy(sess.ServerVersion()) {
		w.AddString("")
	}

	return sess.Send(w.Bytes())
}

// ServerVersion is the version this simulator announces.
func (sess *Session) ServerVersion() int {
	return sess.sim.opts.ServerVersion
}

func (sess *Session) run() {
	defer sess.close()

	if err := sess.handshake(); err != nil {
		sess.log.Warn("Handshake failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-sess.ctx.Done():
			sess.log.Debug("Context cancelled, exiting session")
			return

		default:
			body, err := protocol.ReadFrame(sess.conn)
			if err != nil {
				sess.log.Debug("Client disconnected", zap.Error(err))
				return
			}

			msg := protocol.Split(body)
			code, err := msg.ReadInt()
			if err != nil {
				sess.log.Warn("Request with unreadable message type", zap.Error(err))
				continue
			}
			out := protocol.Outgoing(code)

			handler := sess.sim.handlerFor(out)
			if handler == nil {
				sess.log.Warn("No handler for request", zap.Int("msgType", code))
				if err := sess.SendError(-1, 501, "Unhandled message type"); err != nil {
					return
				}
				continue
			}

			if err := handler(sess, msg); err != nil {
				sess.log.Warn("Handler failed", zap.Int("msgType", code), zap.Error(err))
			}
		}
	}
}

func (sess *Session) handshake() error {
	window, err := protocol.ReadMagic(sess.conn)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(window, "v") {
		return protocol.ErrBadMagic
	}
	sess.log.Debug("Client announced version window", zap.String("window", window))

	connTime := sess.sim.opts.ConnectionTime
	if connTime == "" {
		connTime = time.Now().Format("20060102 15:04:05 MST")
	}

	body := protocol.NewWriter().
		AddInt(sess.ServerVersion()).
		AddString(connTime).
		Bytes()

	return sess.Send(body)
}

func (sess *Session) close() error {
	var err error
	sess.closeOnce.Do(func() {
		err = sess.conn.Close()
	})
	return err
}

func (s *Simulator) registerDefaults() {
	s.handlers[protocol.OutStartAPI] = handleStartAPI
	s.handlers[protocol.OutReqCurrentTime] = handleReqCurrentTime
	s.handlers[protocol.OutReqIDs] = handleReqIDs
	s.handlers[protocol.OutReqManagedAccts] = handleReqManagedAccts
	s.handlers[protocol.OutReqPnL] = handleReqPnL
	s.handlers[protocol.OutCancelPnL] = handleNoop
	s.handlers[protocol.OutReqNewsBulletins] = handleReqNewsBulletins
	s.handlers[protocol.OutCancelNewsBulletins] = handleNoop
}

// handleStartAPI replies with the next valid order id and the managed
// account list, the two messages a client's handshake drain waits for.
func handleStartAPI(sess *Session, msg *protocol.Message) error {
	if err := msg.Skip(); err != nil { // format version
		return err
	}
	clientID, err := msg.ReadInt()
	if err != nil {
		return err
	}
	sess.log.Debug("Client started API", zap.Int("clientID", clientID))

	next := protocol.NewWriter().
		AddInt(int(protocol.InNextValidID)).
		AddInt(1).
		AddInt(int(sess.sim.opts.NextOrderID)).
		Bytes()
	if err := sess.Send(next); err != nil {
		return err
	}

	accts := protocol.NewWriter().
		AddInt(int(protocol.InManagedAccts)).
		AddInt(1).
		AddStrings(sess.sim.opts.Accounts).
		Bytes()

	return sess.Send(accts)
}

func handleReqCurrentTime(sess *Session, msg *protocol.Message) error {
	body := protocol.NewWriter().
		AddInt(int(protocol.InCurrentTime)).
		AddInt(1).
		AddInt64(time.Now().Unix()).
		Bytes()

	return sess.Send(body)
}

func handleReqIDs(sess *Session, msg *protocol.Message) error {
	body := protocol.NewWriter().
		AddInt(int(protocol.InNextValidID)).
		AddInt(1).
		AddInt(int(sess.sim.opts.NextOrderID)).
		Bytes()

	return sess.Send(body)
}

func handleReqManagedAccts(sess *Session, msg *protocol.Message) error {
	body := protocol.NewWriter().
		AddInt(int(protocol.InManagedAccts)).
		AddInt(1).
		AddStrings(sess.sim.opts.Accounts).
		Bytes()

	return sess.Send(body)
}

// handleReqPnL answers with a single scripted PnL update. The optional
// fields follow the same version gates a real gateway applies.
func handleReqPnL(sess *Session, msg *protocol.Message) error {
	reqID, err := msg.ReadInt()
	if err != nil {
		return err
	}

	w := protocol.NewWriter().
		AddInt(int(protocol.InPnL)).
		AddInt(reqID).
		AddFloat(0.1)
	if protocol.FeatureUnrealizedPnL.SupportedBy(sess.ServerVersion()) {
		w.AddFloat(0.2)
	}
	if protocol.FeatureRealizedPnL.SupportedBy(sess.ServerVersion()) {
		w.AddFloat(0.3)
	}

	return sess.Send(w.Bytes())
}

func handleReqNewsBulletins(sess *Session, msg *protocol.Message) error {
	body := protocol.NewWriter().
		AddInt(int(protocol.InNewsBulletins)).
		AddInt(1).
		AddInt(1).
		AddInt(1).
		AddString("Gateway simulator online").
		AddString("SIM").
		Bytes()

	return sess.Send(body)
}

func handleNoop(sess *Session, msg *protocol.Message) error {
	return nil
}
