package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/gatewire/client"
	"github.com/luma/gatewire/internal/env"
)

var (
	// The gateway host to connect to
	probeHost string

	// The gateway port to connect to
	probePort int

	// The client id to announce in the handshake
	probeClientID int

	// The port to listen to HTTP debug requests on
	probeHTTPPort string

	// Path to write a JSON trace of every exchanged frame to
	probeTrace string
)

func init() {
	flags := ProbeCmd.PersistentFlags()

	flags.StringVarP(&probeHost, "host", "a", "", "The gateway host to connect to")
	flags.IntVarP(&probePort, "port", "p", 0, "The gateway port to connect to")
	flags.IntVar(&probeClientID, "client-id", 0, "The client id to announce")
	flags.StringVar(&probeHTTPPort, "http-port", "7362", "The port to serve HTTP debug requests on")
	flags.StringVar(&probeTrace, "trace", "", "Write a JSON trace of every frame to this file")
}

var ProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect to a gateway and stream news bulletins",
	Long: `Connect to a gateway, print its time and managed accounts, then
stream news bulletins until interrupted.

Usage
	gatewire probe --host 127.0.0.1 --port 4001

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		// Flags win over the environment
		if probeHost == "" {
			probeHost = conf.Host
		}
		if probePort == 0 {
			probePort = conf.Port
		}
		if probeClientID == 0 {
			probeClientID = conf.ClientID
		}

		var recorder client.Recorder
		if probeTrace != "" {
			f, err := os.Create(probeTrace)
			if err != nil {
				return err
			}
			recorder = client.NewJSONRecorder(f)
		}

		conn := client.New(client.Options{
			Host:     probeHost,
			Port:     probePort,
			ClientID: probeClientID,
			Recorder: recorder,
			Log:      log.Named("client"),
		})

		if err := conn.Connect(ctx); err != nil {
			return err
		}
		defer conn.Close()

		router := setupRouter(conf.DebugHTTP, log)
		router.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"state":         conn.State().String(),
				"serverVersion": conn.ServerVersion(),
				"accounts":      conn.Accounts(),
			})
		})

		s := &http.Server{
			Addr:    net.JoinHostPort("0.0.0.0", probeHTTPPort),
			Handler: router,
		}

		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		// Server time is idempotent, so a reset mid-call is retried.
		var serverTime time.Time
		err = client.Retry(log, client.DefaultMaxRetries, func() error {
			var terr error
			serverTime, terr = conn.ServerTime(ctx)
			return terr
		})
		if err != nil {
			return err
		}

		log.Info("Gateway probed",
			zap.Time("serverTime", serverTime),
			zap.Int("serverVersion", conn.ServerVersion()),
			zap.Strings("accounts", conn.Accounts()))

		bulletins, err := conn.NewsBulletins(true)
		if err != nil {
			return err
		}
		defer bulletins.Cancel()

	stream:
		for {
			select {
			case <-ctx.Done():
				break stream

			case msg := <-bulletins.Chan():
				nb, err := client.DecodeNewsBulletin(msg)
				if err != nil {
					log.Warn("Failed to decode news bulletin", zap.Error(err))
					continue
				}
				log.Info("News bulletin",
					zap.Int("id", nb.MsgID),
					zap.String("exchange", nb.Exchange),
					zap.String("text", nb.Text))

			case serr, ok := <-conn.Errors():
				if !ok {
					break stream
				}
				log.Warn("Gateway error", zap.Error(serr))

			case <-bulletins.Done():
				break stream
			}
		}

		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	return r
}
