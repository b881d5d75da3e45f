package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/gatewire/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "gatewire",
	Short: "Gatewire is a client for the brokerage gateway wire protocol",
}

func init() {
	RootCmd.AddCommand(ProbeCmd)
	RootCmd.AddCommand(SimCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
