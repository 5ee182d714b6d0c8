package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/bridgelog"
)

func newLogsCmd(a *app) *cobra.Command {
	var (
		n      int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the bridge log (registrations, deliveries, health transitions)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			path := a.logPath()
			entries, offset, err := bridgelog.Tail(path, n)
			if err != nil {
				return err
			}
			if len(entries) == 0 && !follow {
				fmt.Fprintln(w, theme.TextMuted.Render("no entries in "+path))
				return nil
			}
			for _, e := range entries {
				writeEntry(w, e)
			}
			if !follow {
				return nil
			}
			return bridgelog.Follow(cmd.Context(), path, offset, func(e domain.LogEntry) {
				writeEntry(w, e)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "number of trailing entries to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries as they are appended")
	return cmd
}

func writeEntry(w io.Writer, e domain.LogEntry) {
	line := bridgelog.Format(e)
	switch e.Kind {
	case domain.LogHealth, domain.LogUndelivered:
		line = theme.TextWarning.Render(line)
	}
	fmt.Fprintln(w, line)
}
