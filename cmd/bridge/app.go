package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/bridgelog"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
	"agentbridge/internal/infra/paths"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/supervisor"
)

// annotationTolerateConfig lets a command run on defaults when the config
// file is broken, so it can report the problem.
const annotationTolerateConfig = "tolerate-config"

// hubOutputFile receives the spawned hub's stdout and stderr.
const hubOutputFile = "hub.out"

// app is the state shared by every command: resolved config, installation
// paths and the CLI logger.
type app struct {
	cfgPath string
	verbose bool

	cfg        *config.Config
	cfgErr     error
	configFrom string // resolved config path, "" when running on defaults
	resolver   *paths.Resolver
	runtimeDir string
	logger     *slog.Logger

	closers []func(context.Context) error
}

// load resolves the config file, the installation paths and the CLI
// logger. A config found only in the global installation is used with a
// visible notice.
func (a *app) load(cmd *cobra.Command) error {
	stderr := cmd.ErrOrStderr()

	path := a.cfgPath
	if path == "" {
		path = os.Getenv("AGENTBRIDGE_CONFIG")
	}
	if path == "" {
		base := config.Defaults()
		config.ApplyEnvOverrides(base)
		res, err := paths.New(base.Paths.LocalDir, base.Paths.GlobalDir).Resolve(config.ConfigFileName)
		switch {
		case err == nil:
			path = res.Path
			if notice := res.Notice(); notice != "" {
				fmt.Fprintln(stderr, theme.Warning("%s", notice))
			}
		case errors.Is(err, domain.ErrFileNotFound):
			// Defaults.
		default:
			return err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
		if cmd.Annotations[annotationTolerateConfig] != "true" {
			return err
		}
		a.cfgErr = err
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	a.cfg = cfg
	a.configFrom = path
	a.resolver = paths.New(cfg.Paths.LocalDir, cfg.Paths.GlobalDir)

	rt, err := a.resolver.RuntimeDir()
	if err != nil {
		return err
	}
	a.runtimeDir = rt.Path

	logCfg := cfg.Logger
	logCfg.Level = "warn"
	if a.verbose {
		logCfg.Level = "debug"
	}
	a.logger = logger.NewWriter(stderr, logCfg)

	shutdown, err := tracer.Setup(cmd.Context(), cfg.Tracer, tracer.Options{
		Service: "bridge-cli",
		Version: version,
		Dir:     a.runtimeDir,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)
	return nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Debug("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) lockPath() string { return filepath.Join(a.runtimeDir, config.LockFileName) }

func (a *app) logPath() string { return filepath.Join(a.runtimeDir, config.LogFileName) }

func (a *app) lockFile() *supervisor.LockFile { return supervisor.NewLockFile(a.lockPath()) }

// bridgeLog opens the append-only log for lifecycle entries written by the
// CLI. Failure degrades to no log with a warning.
func (a *app) bridgeLog() domain.BridgeLogger {
	w, err := bridgelog.Open(a.logPath())
	if err != nil {
		a.logger.Warn("bridge log unavailable", "path", a.logPath(), "error", err)
		return bridgelog.Nop{}
	}
	a.closers = append(a.closers, func(context.Context) error { return w.Close() })
	return w
}

// supervisor builds a Supervisor that spawns this binary's `serve` command.
func (a *app) supervisor() *supervisor.Supervisor {
	args := []string{"serve"}
	if a.configFrom != "" {
		args = append(args, "--config", a.configFrom)
	}
	return supervisor.New(supervisor.Options{
		Config: a.cfg.Supervisor,
		Lock:   a.lockFile(),
		Spawner: &supervisor.ExecSpawner{
			Binary:     a.cfg.Supervisor.Binary,
			Args:       args,
			OutputPath: filepath.Join(a.runtimeDir, hubOutputFile),
			Logger:     a.logger,
		},
		Prober:        hub.NewAPIClient(a.cfg.Hub.Token),
		Paths:         a.resolver,
		RequiredFiles: a.cfg.Paths.RequiredFiles,
		Log:           a.bridgeLog(),
		Logger:        a.logger,
	})
}

// runningHub returns the process recorded by a live lock holder.
func (a *app) runningHub() (domain.BridgeProcess, error) {
	info, held, err := a.lockFile().Inspect()
	if err != nil {
		return domain.BridgeProcess{}, err
	}
	if !held || info.Addr == "" {
		return domain.BridgeProcess{}, domain.NewSubSystemError("supervisor", "bridge", domain.ErrNotRunning, "no hub holds "+a.lockPath())
	}
	return info, nil
}
