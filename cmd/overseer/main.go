package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "overseer",
		Short:         "Relay live instrument status from slaves to chat subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json, jsonc or yaml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newSlaveCmd(&cfgPath),
		newHashCmd(),
	)
	return root
}
