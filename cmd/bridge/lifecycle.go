package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
)

func newStartCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub and wait until it reports healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup := a.supervisor()
			proc, err := sup.Start(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Success("bridge running (pid %d on %s)", proc.PID, proc.Addr))
			if !watch {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Info("watching health every %s, ctrl-c to stop watching", a.cfg.Supervisor.HealthInterval))
			return sup.Monitor(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "stay attached and restart the hub once if it turns unhealthy")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the hub (SIGTERM, then SIGKILL after the grace period)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.supervisor().Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Success("bridge stopped"))
			return nil
		},
	}
}

func newRestartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the hub if it is running, then start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			proc, err := a.supervisor().Restart(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Success("bridge restarted (pid %d on %s)", proc.PID, proc.Addr))
			return nil
		},
	}
}

func newRepairCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Restore missing bridge files from the global installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			rep, err := a.supervisor().Repair(cmd.Context())
			for _, name := range rep.Present {
				fmt.Fprintln(out, theme.TextMuted.Render(fmt.Sprintf("  %s %s present", theme.SymbolBullet, name)))
			}
			for _, n := range rep.Notices() {
				fmt.Fprintln(out, theme.Warning("%s", n))
			}
			if err != nil {
				return err
			}
			if len(rep.Restored) == 0 {
				fmt.Fprintln(out, theme.Success("nothing to repair in %s", a.resolver.LocalDir))
				return nil
			}
			fmt.Fprintln(out, theme.Success("restored %d file(s) into %s", len(rep.Restored), a.resolver.LocalDir))
			return nil
		},
	}
}

// statusLine is the colored headline for a bridge state.
func statusLine(s domain.BridgeStatus) string {
	switch s {
	case domain.BridgeRunning:
		return theme.Success("bridge %s", s)
	case domain.BridgeStarting, domain.BridgeStopping, domain.BridgeUnhealthy:
		return theme.Warning("bridge %s", s)
	default:
		return theme.Failure("bridge %s", s)
	}
}
