package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, a *app) CheckResult
}

var doctorChecks = []Check{
	{Name: "Config file", Fn: checkConfigFile},
	{Name: "Local installation", Fn: checkInstallation},
	{Name: "Routing table", Fn: checkRoutingFile},
	{Name: "Lock file", Fn: checkLockFile},
	{Name: "Status endpoint", Fn: checkStatusEndpoint},
	{Name: "Bridge log", Fn: checkLogWritable},
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "doctor",
		Short:       "Run health checks on the bridge installation",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationTolerateConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, a *app, w io.Writer) error {
	fmt.Fprintln(w, theme.Bold.Render("bridge doctor"))
	fmt.Fprintln(w, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range doctorChecks {
		result := check.Fn(ctx, a)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return theme.TextSuccess.Render("[PASS]")
	case StatusWarn:
		return theme.TextWarning.Render("[WARN]")
	case StatusFail:
		return theme.TextError.Render("[FAIL]")
	default:
		return "[????]"
	}
}

func checkConfigFile(_ context.Context, a *app) CheckResult {
	if a.cfgErr != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("config error: %v", a.cfgErr),
			Fix:     "Fix the reported fields in " + config.ConfigFileName,
		}
	}
	if a.configFrom == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no config.yaml in local or global installation, using defaults",
			Fix:     fmt.Sprintf("Create %s/%s", a.resolver.GlobalDir, config.ConfigFileName),
		}
	}
	if err := config.CheckPermissions(a.configFrom); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "chmod 600 " + a.configFrom,
		}
	}
	return CheckResult{Status: StatusPass, Message: "loaded from " + a.configFrom}
}

func checkInstallation(_ context.Context, a *app) CheckResult {
	missing := a.resolver.Missing(a.cfg.Paths.RequiredFiles)
	if len(missing) == 0 {
		return CheckResult{Status: StatusPass, Message: "all bridge files present in " + a.resolver.LocalDir}
	}
	var unrecoverable []string
	for _, name := range missing {
		if _, err := a.resolver.Resolve(name); errors.Is(err, domain.ErrFileNotFound) {
			unrecoverable = append(unrecoverable, name)
		}
	}
	if len(unrecoverable) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "missing in both installations: " + strings.Join(unrecoverable, ", "),
			Fix:     "Reinstall the global bridge files into " + a.resolver.GlobalDir,
		}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "using global copies of: " + strings.Join(missing, ", "),
		Fix:     "Run 'bridge repair' to copy them into " + a.resolver.LocalDir,
	}
}

func checkRoutingFile(_ context.Context, a *app) CheckResult {
	res, err := a.resolver.Resolve(config.RoutingFileName)
	if errors.Is(err, domain.ErrFileNotFound) {
		return CheckResult{Status: StatusWarn, Message: "no routing.yaml, built-in routing table in use"}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	rules, err := config.LoadRoutingFile(res.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Fix the rule entries in " + res.Path}
	}
	msg := fmt.Sprintf("%d rule override(s) in %s", len(rules), res.Path)
	if res.Fallback {
		return CheckResult{Status: StatusWarn, Message: msg + " (global copy)", Fix: "Run 'bridge repair'"}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkLockFile(_ context.Context, a *app) CheckResult {
	info, held, err := a.lockFile().Inspect()
	switch {
	case err != nil:
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check permissions on " + a.runtimeDir}
	case held:
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("held by pid %d (%s)", info.PID, info.Addr)}
	case info.PID != 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("stale lock from pid %d", info.PID),
			Fix:     "Run 'bridge start'; it reclaims stale locks",
		}
	default:
		return CheckResult{Status: StatusPass, Message: "no hub running"}
	}
}

func checkStatusEndpoint(ctx context.Context, a *app) CheckResult {
	info, err := a.runningHub()
	if err != nil {
		// Nothing running: make sure start will be able to bind.
		ln, lerr := net.Listen("tcp", a.cfg.Hub.Addr)
		if lerr != nil {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("hub address %s unavailable: %v", a.cfg.Hub.Addr, lerr),
				Fix:     "Set hub.addr to a free port",
			}
		}
		ln.Close()
		return CheckResult{Status: StatusPass, Message: a.cfg.Hub.Addr + " is free"}
	}
	snap, err := hub.NewAPIClient(a.cfg.Hub.Token).Probe(ctx, info.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("pid %d holds the lock but %s does not answer: %v", info.PID, info.Addr, err),
			Fix:     "Run 'bridge restart'",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s, %d connection(s), up %s", snap.Status, snap.ActiveConnections, snap.Uptime()),
	}
}

func checkLogWritable(_ context.Context, a *app) CheckResult {
	f, err := os.OpenFile(a.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check permissions on " + a.runtimeDir}
	}
	f.Close()
	return CheckResult{Status: StatusPass, Message: a.logPath()}
}
