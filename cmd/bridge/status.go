package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/discovery"
	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/bridgelog"
	"agentbridge/internal/usecase/supervisor"
)

// lanBrowseTimeout bounds `status --lan`.
const lanBrowseTimeout = 2 * time.Second

type statusOutput struct {
	Process  domain.BridgeProcess      `json:"process"`
	Snapshot *domain.StatusSnapshot    `json:"snapshot,omitempty"`
	Stale    bool                      `json:"stale_lock,omitempty"`
	Usage    []domain.TokenUsageRecord `json:"usage,omitempty"`
	Peers    []discovery.Peer          `json:"peers,omitempty"`
	Recent   []domain.LogEntry         `json:"recent,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Code     domain.ErrorCode          `json:"code,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		usage, lan, asJSON bool
		tail               int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the hub is running, its connections and resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rep, err := a.supervisor().Status(ctx)

			out := statusOutput{Process: rep.Process, Snapshot: rep.Snapshot, Stale: rep.Stale}
			if err == nil && usage {
				if uerr := hub.NewAPIClient(a.cfg.Hub.Token).Usage(ctx, rep.Process.Addr, &out.Usage); uerr != nil {
					a.logger.Warn("usage report unavailable", "error", uerr)
				}
			}
			if tail > 0 {
				recent, _, terr := bridgelog.Tail(a.logPath(), tail)
				if terr != nil {
					a.logger.Warn("bridge log unreadable", "path", a.logPath(), "error", terr)
				}
				out.Recent = recent
			}
			if lan {
				d := discovery.New(a.logger)
				if !d.Enabled() {
					fmt.Fprintln(cmd.ErrOrStderr(), theme.Warning("LAN discovery needs a binary built with -tags mdns"))
				} else {
					peers, berr := d.Browse(ctx, lanBrowseTimeout)
					if berr != nil {
						a.logger.Warn("lan browse failed", "error", berr)
					}
					out.Peers = peers
				}
			}

			if asJSON {
				if err != nil {
					out.Error = err.Error()
					out.Code = domain.ErrorCodeOf(err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(out); encErr != nil {
					return encErr
				}
				return err
			}

			w := cmd.OutOrStdout()
			if err != nil {
				if rep.Stale {
					fmt.Fprintln(w, theme.Warning("stale lock file from pid %d (process gone)", rep.Process.PID))
				}
				fmt.Fprintln(w, statusLine(rep.Process.Status))
				writePeers(w, out.Peers)
				writeRecent(w, out.Recent)
				return err
			}
			writeStatus(w, rep)
			writeUsage(w, out.Usage, usage)
			writePeers(w, out.Peers)
			writeRecent(w, out.Recent)
			return nil
		},
	}
	cmd.Flags().BoolVar(&usage, "usage", false, "include per-operation token usage")
	cmd.Flags().BoolVar(&lan, "lan", false, "list hubs advertised on the local network (mdns builds)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable output")
	cmd.Flags().IntVar(&tail, "tail", 5, "recent bridge log entries to show (0 to hide)")
	return cmd
}

func writeStatus(w io.Writer, rep supervisor.Report) {
	snap := rep.Snapshot
	fmt.Fprintln(w, statusLine(snap.Status))
	fmt.Fprintln(w, theme.Row("pid", snap.PID))
	fmt.Fprintln(w, theme.Row("address", rep.Process.Addr))
	fmt.Fprintln(w, theme.Row("uptime", snap.Uptime().String()))
	fmt.Fprintln(w, theme.Row("memory", humanBytes(snap.MemoryBytes)))
	fmt.Fprintln(w, theme.Row("connections", snap.ActiveConnections))
	if snap.Version != "" {
		fmt.Fprintln(w, theme.Row("version", snap.Version))
	}
	for _, c := range snap.Connections {
		idle := time.Since(c.LastActivity).Truncate(time.Second)
		fmt.Fprintf(w, "  %s %s %s\n", theme.SymbolBullet, theme.ConnID.Render(c.ID),
			theme.TextMuted.Render(fmt.Sprintf("(%s, idle %s)", c.RemoteAddr, idle)))
	}
}

func writeUsage(w io.Writer, recs []domain.TokenUsageRecord, requested bool) {
	if !requested {
		return
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, theme.TextMuted.Render("no operations in the usage window"))
		return
	}
	fmt.Fprintln(w, theme.Bold.Render("usage"))
	for _, r := range recs {
		fmt.Fprintf(w, "  %-22s calls=%d local=%d remote=%d cache_hits=%d tokens=%d\n",
			r.Operation, r.Calls, r.LocalCalls, r.RemoteCalls, r.CacheHits, r.EstimatedTokens)
	}
}

func writeRecent(w io.Writer, entries []domain.LogEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(w, theme.Bold.Render("recent activity"))
	for _, e := range entries {
		writeEntry(w, e)
	}
}

func writePeers(w io.Writer, peers []discovery.Peer) {
	for _, p := range peers {
		fmt.Fprintf(w, "  %s %s %s %s\n", theme.SymbolArrowR, p.Instance, p.Addr, theme.TextMuted.Render(fmt.Sprint(p.Text)))
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
