package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getsentry/stackprof/internal/logutil"
)

var release string

func newRootCommand() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "stackprof",
		Short:         "A statistical call-stack profiler for goroutines and cooperative tasks.",
		Version:       release,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logutil.ConfigureLogger()
			return logutil.SetLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "drop log events below this level (debug, info, warn, error)")
	root.AddCommand(newServeCommand(), newDemoCommand(), newViewCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
