package client_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/gatewire/client"
	"github.com/luma/gatewire/gwsim"
	"github.com/luma/gatewire/protocol"
)

var _ = Describe("Conn", func() {
	var sim *gwsim.Simulator

	startSim := func(opts gwsim.Options) {
		sim = gwsim.New(opts)
		Expect(sim.Start(context.Background())).To(Succeed())
	}

	dial := func() *client.Conn {
		conn := client.New(client.Options{
			Host:     "127.0.0.1",
			Port:     sim.Port(),
			ClientID: 1,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(conn.Connect(ctx)).To(Succeed())

		return conn
	}

	AfterEach(func() {
		if sim != nil {
			sim.Close()
			sim = nil
		}
	})

	Describe("Connect()", func() {
		It("negotiates the version and learns the account info", func() {
			startSim(gwsim.Options{
				ServerVersion:  178,
				Accounts:       []string{"ACC1", "ACC2"},
				NextOrderID:    42,
				ConnectionTime: "20230405 22:20:39 PST",
			})

			conn := dial()
			defer conn.Close()

			Expect(conn.State()).To(Equal(client.StateReady))
			Expect(conn.IsReady()).To(BeTrue())
			Expect(conn.ServerVersion()).To(Equal(178))
			Expect(conn.Accounts()).To(Equal([]string{"ACC1", "ACC2"}))

			info := conn.AccountInfo()
			Expect(info.NextOrderID).To(Equal(int32(42)))
			Expect(info.Accounts).To(Equal([]string{"ACC1", "ACC2"}))

			loc, err := time.LoadLocation("America/Los_Angeles")
			Expect(err).To(Succeed())
			want, err := time.ParseInLocation("20060102 15:04:05", "20230405 22:20:39", loc)
			Expect(err).To(Succeed())
			Expect(conn.ConnectedAt().Equal(want)).To(BeTrue())
		})

		It("tolerates an unknown gateway time zone", func() {
			startSim(gwsim.Options{ConnectionTime: "20230405 22:20:39 XYZT"})

			conn := dial()
			defer conn.Close()

			Expect(conn.IsReady()).To(BeTrue())
			Expect(conn.ConnectedAt().IsZero()).To(BeTrue())
		})

		It("refuses a second Connect on the same Conn", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			err := conn.Connect(context.Background())
			Expect(err).To(MatchError(client.ErrAlreadyConnected))
		})

		It("seeds order ids from the gateway", func() {
			startSim(gwsim.Options{NextOrderID: 500})

			conn := dial()
			defer conn.Close()

			Expect(conn.NextOrderID()).To(Equal(int32(500)))
			Expect(conn.NextOrderID()).To(Equal(int32(501)))
		})
	})

	Describe("one-shot calls", func() {
		It("fetches the gateway time", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			serverTime, err := conn.ServerTime(ctx)
			Expect(err).To(Succeed())
			Expect(serverTime).To(BeTemporally("~", time.Now(), time.Minute))
		})

		It("fetches the managed account list", func() {
			startSim(gwsim.Options{Accounts: []string{"ACC1", "ACC2", ""}})

			conn := dial()
			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			accounts, err := conn.ManagedAccounts(ctx)
			Expect(err).To(Succeed())
			Expect(accounts).To(Equal([]string{"ACC1", "ACC2", ""}))
		})

		It("decodes an empty account list as one empty name", func() {
			startSim(gwsim.Options{Accounts: []string{""}})

			conn := dial()
			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			accounts, err := conn.ManagedAccounts(ctx)
			Expect(err).To(Succeed())
			Expect(accounts).To(Equal([]string{""}))
		})

		It("refuses calls before Connect", func() {
			conn := client.New(client.Options{Host: "127.0.0.1", Port: 1})

			_, err := conn.ServerTime(context.Background())
			Expect(err).To(MatchError(client.ErrNotConnected))
		})
	})

	Describe("PnL()", func() {
		It("streams decoded updates", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("DU12345", "")
			Expect(err).To(Succeed())
			defer sub.Cancel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pnl, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(pnl.Daily).To(Equal(0.1))
			Expect(pnl.HasUnrealized).To(BeTrue())
			Expect(pnl.Unrealized).To(Equal(0.2))
			Expect(pnl.HasRealized).To(BeTrue())
			Expect(pnl.Realized).To(Equal(0.3))
		})

		It("never sees gated fields from a gateway below their version", func() {
			startSim(gwsim.Options{ServerVersion: 148})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("DU12345", "")
			Expect(err).To(Succeed())
			defer sub.Cancel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pnl, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(pnl.Daily).To(Equal(0.1))
			Expect(pnl.HasUnrealized).To(BeFalse())
			Expect(pnl.HasRealized).To(BeFalse())
		})

		It("refuses the request when the gateway predates it", func() {
			startSim(gwsim.Options{ServerVersion: 120})

			conn := dial()
			defer conn.Close()

			_, err := conn.PnL("DU12345", "")

			var ferr *protocol.FeatureError
			Expect(errors.As(err, &ferr)).To(BeTrue())
			Expect(ferr.Feature).To(Equal(protocol.FeaturePnL))
		})

		It("routes concurrent requests to their own subscriptions", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			subA, err := conn.PnL("ACC1", "")
			Expect(err).To(Succeed())
			defer subA.Cancel()

			subB, err := conn.PnL("ACC2", "")
			Expect(err).To(Succeed())
			defer subB.Cancel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pnlA, err := subA.Next(ctx)
			Expect(err).To(Succeed())
			pnlB, err := subB.Next(ctx)
			Expect(err).To(Succeed())

			// Request ids are allocated in order from the starting id.
			Expect(pnlA.ReqID).To(Equal(int32(client.StartingRequestID)))
			Expect(pnlB.ReqID).To(Equal(int32(client.StartingRequestID + 1)))
		})

		It("fails the subscription on a request-scoped gateway error", func() {
			startSim(gwsim.Options{})
			sim.Handle(protocol.OutReqPnL, func(sess *gwsim.Session, msg *protocol.Message) error {
				reqID, err := msg.ReadInt()
				if err != nil {
					return err
				}
				return sess.SendError(int32(reqID), 321, "No such account")
			})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("NOPE", "")
			Expect(err).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err = sub.Next(ctx)
			Expect(err).To(HaveOccurred())

			var serr *protocol.ServerError
			Expect(errors.As(err, &serr)).To(BeTrue())
			Expect(serr.Code).To(Equal(321))
			Expect(sub.State()).To(Equal(client.SubFailed))
		})
	})

	Describe("Next()", func() {
		It("leaves the subscription open after a context timeout", func() {
			release := make(chan struct{})

			startSim(gwsim.Options{})
			// Hold the reply back until the test releases it.
			sim.Handle(protocol.OutReqPnL, func(sess *gwsim.Session, msg *protocol.Message) error {
				reqID, err := msg.ReadInt()
				if err != nil {
					return err
				}

				go func() {
					<-release
					body := protocol.NewWriter().
						AddInt(int(protocol.InPnL)).
						AddInt(reqID).
						AddFloat(0.1).
						AddFloat(0.2).
						AddFloat(0.3).
						Bytes()
					sess.Send(body)
				}()

				return nil
			})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("DU12345", "")
			Expect(err).To(Succeed())
			defer sub.Cancel()

			shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer shortCancel()

			_, err = sub.Next(shortCtx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(sub.State()).To(Equal(client.SubPending))

			close(release)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pnl, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(pnl.Daily).To(Equal(0.1))
		})

		It("drains buffered frames then completes on the end marker", func() {
			startSim(gwsim.Options{})
			sim.Handle(protocol.OutReqContractData, func(sess *gwsim.Session, msg *protocol.Message) error {
				if err := msg.Skip(); err != nil { // format version
					return err
				}
				reqID, err := msg.ReadInt()
				if err != nil {
					return err
				}

				for _, symbol := range []string{"AAPL", "MSFT"} {
					body := protocol.NewWriter().
						AddInt(int(protocol.InContractData)).
						AddInt(1).
						AddInt(reqID).
						AddString(symbol).
						Bytes()
					if err := sess.Send(body); err != nil {
						return err
					}
				}

				end := protocol.NewWriter().
					AddInt(int(protocol.InContractDataEnd)).
					AddInt(1).
					AddInt(reqID).
					Bytes()
				return sess.Send(end)
			})

			conn := dial()
			defer conn.Close()

			reqID := conn.NextRequestID()
			body := protocol.NewWriter().
				AddInt(int(protocol.OutReqContractData)).
				AddInt(1).
				AddInt(int(reqID)).
				AddString("*").
				Bytes()

			sub, err := conn.SendRequest(reqID, body)
			Expect(err).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			for _, want := range []string{"AAPL", "MSFT"} {
				msg, err := sub.Next(ctx)
				Expect(err).To(Succeed())

				Expect(msg.Skip()).To(Succeed()) // message type
				Expect(msg.Skip()).To(Succeed()) // format version
				got, err := msg.ReadInt()
				Expect(err).To(Succeed())
				Expect(got).To(Equal(int(reqID)))

				symbol, err := msg.ReadString()
				Expect(err).To(Succeed())
				Expect(symbol).To(Equal(want))
			}

			// The end marker is consumed by the dispatcher, never delivered.
			_, err = sub.Next(ctx)
			Expect(err).To(MatchError(client.ErrEndOfStream))
			Expect(sub.State()).To(Equal(client.SubCompleted))
			Expect(sub.Err()).To(Succeed())
		})
	})

	Describe("Cancel()", func() {
		It("sends the cancel message exactly once", func() {
			var cancels int32

			startSim(gwsim.Options{})
			sim.Handle(protocol.OutCancelPnL, func(sess *gwsim.Session, msg *protocol.Message) error {
				atomic.AddInt32(&cancels, 1)
				return nil
			})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("DU12345", "")
			Expect(err).To(Succeed())

			Expect(sub.Cancel()).To(Succeed())
			Expect(sub.Cancel()).To(Succeed())

			Eventually(func() int32 {
				return atomic.LoadInt32(&cancels)
			}, 5*time.Second).Should(Equal(int32(1)))
			Consistently(func() int32 {
				return atomic.LoadInt32(&cancels)
			}, 200*time.Millisecond).Should(Equal(int32(1)))

			Expect(sub.State()).To(Equal(client.SubCancelled))
		})

		It("drops frames that arrive after the cancel", func() {
			startSim(gwsim.Options{})
			// Suppress the scripted PnL reply so nothing is delivered before
			// the cancel.
			sim.Handle(protocol.OutReqPnL, func(sess *gwsim.Session, msg *protocol.Message) error {
				return nil
			})
			// Answer the account request with a stale PnL frame first, so the
			// ordering of the two frames on the socket is known.
			sim.Handle(protocol.OutReqManagedAccts, func(sess *gwsim.Session, msg *protocol.Message) error {
				stale := protocol.NewWriter().
					AddInt(int(protocol.InPnL)).
					AddInt(client.StartingRequestID).
					AddFloat(0.5).
					AddFloat(0.5).
					AddFloat(0.5).
					Bytes()
				if err := sess.Send(stale); err != nil {
					return err
				}

				accts := protocol.NewWriter().
					AddInt(int(protocol.InManagedAccts)).
					AddInt(1).
					AddStrings([]string{"DU12345"}).
					Bytes()
				return sess.Send(accts)
			})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("DU12345", "")
			Expect(err).To(Succeed())
			Expect(sub.Cancel()).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// By the time this returns the stale frame has been routed.
			_, err = conn.ManagedAccounts(ctx)
			Expect(err).To(Succeed())

			Expect(sub.Chan()).To(HaveLen(0))
			Expect(sub.State()).To(Equal(client.SubCancelled))

			_, err = sub.Next(ctx)
			Expect(err).To(MatchError(client.ErrCancelled))
		})
	})

	Describe("connection loss", func() {
		It("fails open subscriptions with a connection reset", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			sub, err := conn.PnL("DU12345", "")
			Expect(err).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Drain the scripted update so the next read observes the reset.
			_, err = sub.Next(ctx)
			Expect(err).To(Succeed())

			sim.DropConnections()

			_, err = sub.Next(ctx)
			Expect(errors.Is(err, client.ErrConnectionReset)).To(BeTrue())
			Expect(sub.State()).To(Equal(client.SubFailed))

			Eventually(conn.State, 5*time.Second).Should(Equal(client.StateClosed))
		})

		It("closes the global error sink on shutdown", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			sim.DropConnections()

			Eventually(conn.Errors(), 5*time.Second).Should(BeClosed())
		})
	})

	Describe("broadcast subscriptions", func() {
		It("delivers news bulletins", func() {
			startSim(gwsim.Options{})

			conn := dial()
			defer conn.Close()

			sub, err := conn.NewsBulletins(true)
			Expect(err).To(Succeed())
			defer sub.Cancel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			msg, err := sub.Next(ctx)
			Expect(err).To(Succeed())

			nb, err := client.DecodeNewsBulletin(msg)
			Expect(err).To(Succeed())
			Expect(nb.Text).To(Equal("Gateway simulator online"))
			Expect(nb.Exchange).To(Equal("SIM"))
		})

		It("fans a broadcast frame out to every subscriber of its type", func() {
			startSim(gwsim.Options{})
			// Answer the account request with an order status broadcast first,
			// so both deliveries happen before ManagedAccounts returns.
			sim.Handle(protocol.OutReqManagedAccts, func(sess *gwsim.Session, msg *protocol.Message) error {
				status := protocol.NewWriter().
					AddInt(int(protocol.InOrderStatus)).
					AddInt(1).
					AddString("Filled").
					Bytes()
				if err := sess.Send(status); err != nil {
					return err
				}

				accts := protocol.NewWriter().
					AddInt(int(protocol.InManagedAccts)).
					AddInt(1).
					AddStrings([]string{"DU12345"}).
					Bytes()
				return sess.Send(accts)
			})

			conn := dial()
			defer conn.Close()

			subA := conn.OrderStatuses()
			defer subA.Cancel()
			subB := conn.OrderStatuses()
			defer subB.Cancel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := conn.ManagedAccounts(ctx)
			Expect(err).To(Succeed())

			for _, sub := range []*client.Subscription{subA, subB} {
				msg, err := sub.Next(ctx)
				Expect(err).To(Succeed())

				code, err := msg.IntAt(0)
				Expect(err).To(Succeed())
				Expect(protocol.Incoming(code)).To(Equal(protocol.InOrderStatus))
			}
		})

		It("surfaces connection-scoped gateway errors", func() {
			startSim(gwsim.Options{})
			sim.Handle(protocol.OutReqNewsBulletins, func(sess *gwsim.Session, msg *protocol.Message) error {
				return sess.SendError(-1, 1100, "Connectivity between IB and Trader Workstation has been lost")
			})

			conn := dial()
			defer conn.Close()

			sub, err := conn.NewsBulletins(true)
			Expect(err).To(Succeed())
			defer sub.Cancel()

			var serr *protocol.ServerError
			Eventually(conn.Errors(), 5*time.Second).Should(Receive(&serr))
			Expect(serr.Code).To(Equal(1100))
			Expect(serr.ReqID).To(Equal(int32(-1)))
		})
	})
})
