package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/tui/uxerror"
)

// run executes the CLI and returns the process exit code. Errors are
// rendered with a suggested next command on stderr.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, uxerror.Humanize(err).Render())
	return exitCode(err)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Agent coordination bridge: a local hub for agents to message each other",
		Long: "bridge supervises a local websocket hub where agents register under stable ids,\n" +
			"exchange direct and broadcast messages, and route operations between cheap local\n" +
			"handlers and a remote reasoning agent.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.close(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "config file (default: two-tier search for config.yaml; env AGENTBRIDGE_CONFIG)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(
		newStatusCmd(a),
		newStartCmd(a),
		newStopCmd(a),
		newRestartCmd(a),
		newMessageCmd(a),
		newBroadcastCmd(a),
		newLogsCmd(a),
		newRepairCmd(a),
		newDoctorCmd(a),
		newExecCmd(a),
		newMCPCmd(a),
		newServeCmd(a),
	)
	markUsageErrors(rootCmd)
	return rootCmd
}

// markUsageErrors tags argument and flag errors so they render with a
// --help hint for the command that rejected them.
func markUsageErrors(c *cobra.Command) {
	c.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &uxerror.UsageError{Command: cmd.CommandPath(), Err: err}
	})
	if validate := c.Args; validate != nil {
		c.Args = func(cmd *cobra.Command, args []string) error {
			if err := validate(cmd, args); err != nil {
				return &uxerror.UsageError{Command: cmd.CommandPath(), Err: err}
			}
			return nil
		}
	}
	for _, sub := range c.Commands() {
		markUsageErrors(sub)
	}
}
