package cmd

import (
	"time"

	"github.com/reusee/dscope"
	"github.com/spf13/cobra"

	"taskforge/internal/logs"
	"taskforge/internal/sandbox"
)

var confineOpts struct {
	root   string
	cpu    int
	memory int64
}

func init() {
	rootCmd.AddCommand(confineCmd)
	confineCmd.Flags().StringVar(&confineOpts.root, "root", "", "workspace directory, the only writable tree")
	confineCmd.Flags().IntVar(&confineOpts.cpu, "cpu", 0, "CPU time limit in seconds")
	confineCmd.Flags().Int64Var(&confineOpts.memory, "memory", 0, "address space limit in bytes")
	confineCmd.MarkFlagRequired("root")
}

// confineCmd is re-executed by the helper launcher in front of every sandboxed
// command line. It never returns on success.
var confineCmd = &cobra.Command{
	Use:    "confine --root DIR [--cpu S] [--memory B] -- command...",
	Short:  "Run a command confined to a workspace",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dscope.New(new(logs.Module)).Call(func(
			logger logs.Logger,
		) {
			err = sandbox.Exec(sandbox.ConfineOptions{
				Root:   confineOpts.root,
				CPU:    time.Duration(confineOpts.cpu) * time.Second,
				Memory: confineOpts.memory,
			}, args, logger)
		})
		return err
	},
}
