package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "offload",
		Short:        "Parallel task scheduler with worker pools",
		Long:         "offload runs tasks on pools of isolated workers with priorities, backpressure, circuit breaking and timeouts.",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd())
	return root
}
