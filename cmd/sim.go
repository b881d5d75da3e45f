package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/gatewire/gwsim"
	"github.com/luma/gatewire/internal/env"
)

var (
	// The address for the simulator to listen on
	simHost string

	// The port for the simulator to listen on
	simPort int

	// The protocol version the simulator announces
	simServerVersion int
)

func init() {
	flags := SimCmd.PersistentFlags()

	flags.StringVarP(&simHost, "host", "a", "127.0.0.1", "The address to listen on")
	flags.IntVarP(&simPort, "port", "p", 4001, "The port to listen on")
	flags.IntVar(&simServerVersion, "server-version", 0, "The protocol version to announce (default: newest supported)")
}

var SimCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a gateway simulator",
	Long: `Run a gateway simulator that speaks enough of the wire protocol to
exercise a client locally, without a real gateway.

Usage
	gatewire sim --port 4001

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		sim := gwsim.New(gwsim.Options{
			Host:          simHost,
			Port:          simPort,
			ServerVersion: simServerVersion,
			Log:           log.Named("gwsim"),
		})

		if err := sim.Start(ctx); err != nil {
			return err
		}
		defer sim.Close()

		log.Info("Simulator listening", zap.String("addr", sim.Addr().String()))

		<-ctx.Done()

		log.Info("Shutting down")
		return nil
	},
}
