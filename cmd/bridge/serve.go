package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/discovery"
	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/usagestore"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/bridgelog"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/eventbus"
	"agentbridge/internal/usecase/orchestrator"
	"agentbridge/internal/usecase/registry"
	"agentbridge/internal/usecase/scheduling"
)

// orchestratorID is the hub-internal endpoint remote dispatches go out on.
const orchestratorID = "orchestrator"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "serve",
		Short:  "Run the hub in the foreground (spawned by start)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, closeLog, err := logger.New(a.cfg.Logger)
			if err != nil {
				return err
			}
			defer closeLog()
			return serveHub(cmd.Context(), a, log)
		},
	}
}

// serveHub runs the hub until ctx ends. It holds the lock file for its
// whole life; the lock is what `start`, `stop` and `status` look at.
func serveHub(ctx context.Context, a *app, log *slog.Logger) error {
	cfg := a.cfg
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, tracer.Options{
		Service: "bridge-hub",
		Version: version,
		Dir:     a.runtimeDir,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	startedAt := time.Now().UTC()
	proc := domain.BridgeProcess{
		PID:       os.Getpid(),
		StartedAt: startedAt,
		LogPath:   a.logPath(),
		Status:    domain.BridgeStarting,
	}
	held, err := a.lockFile().Acquire(proc)
	if err != nil {
		return err
	}
	defer held.Release()

	blog, err := bridgelog.Open(a.logPath())
	if err != nil {
		return err
	}
	defer blog.Close()

	bus := eventbus.New(log, eventbus.DefaultQueueSize)
	defer bus.Close()

	srv, err := hub.NewServer(hub.Options{
		Config:   cfg.Hub,
		Registry: registry.New(log),
		Log:      blog,
		Bus:      bus,
		Version:  version,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := openUsageStore(a)
	if err != nil {
		return err
	}
	defer closeStore()

	orch, tracker, err := buildOrchestrator(ctx, a, srv, bus, store, log)
	if err != nil {
		return err
	}

	srv.RegisterHTTPRoute("/api/v1/operations", srv.HandleOperations(orch.Execute))
	srv.RegisterHTTPRoute("/api/v1/usage", srv.HandleUsage(func(ctx context.Context) (any, error) {
		if store == nil {
			return orch.Usage(), nil
		}
		return tracker.History(ctx, time.Now().Add(-cfg.Orchestrator.UsageWindow))
	}))

	sched, err := buildScheduler(cfg, orch, tracker, store != nil, log)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-srv.Ready():
	}

	addr := srv.BoundAddr()
	proc.Addr = addr
	proc.Port = portOf(addr)
	proc.Status = domain.BridgeRunning
	if err := held.Update(proc); err != nil {
		cancel()
		<-errCh
		return fmt.Errorf("record hub address: %w", err)
	}
	log.Info("hub ready", "addr", addr, "lock", a.lockPath(), "log", a.logPath())

	if cfg.Discovery.MDNS {
		advertise(ctx, cfg.Discovery, srv, bus, proc, log)
	}

	return <-errCh
}

func openUsageStore(a *app) (domain.UsageStore, func(), error) {
	sc := a.cfg.Orchestrator.UsageStore
	if !sc.Enabled {
		return nil, func() {}, nil
	}
	path := sc.Path
	if path == "" {
		path = filepath.Join(a.runtimeDir, config.UsageDBFileName)
	}
	store, err := usagestore.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// buildOrchestrator wires routing rules (routing.yaml, then inline config),
// the estimator, usage accounting and remote dispatch through an in-process
// hub endpoint.
func buildOrchestrator(ctx context.Context, a *app, srv *hub.Server, bus domain.EventBus, store domain.UsageStore, log *slog.Logger) (*orchestrator.Orchestrator, *orchestrator.UsageTracker, error) {
	oc := a.cfg.Orchestrator

	var fileRules []config.RoutingRuleConfig
	res, err := a.resolver.Resolve(config.RoutingFileName)
	switch {
	case err == nil:
		if notice := res.Notice(); notice != "" {
			log.Warn(notice)
		}
		if fileRules, err = config.LoadRoutingFile(res.Path); err != nil {
			return nil, nil, err
		}
	case errors.Is(err, domain.ErrFileNotFound):
		log.Info("no routing file, using built-in routing table", "file", config.RoutingFileName)
	default:
		return nil, nil, err
	}
	rules, err := orchestrator.NewRuleTable(oc.DefaultTTL, fileRules, oc.Rules)
	if err != nil {
		return nil, nil, err
	}

	ep, err := srv.Attach(ctx, orchestratorID)
	if err != nil {
		return nil, nil, err
	}
	dispatcher, err := orchestrator.NewHubDispatcher(ep, oc.RemoteAgent, log)
	if err != nil {
		return nil, nil, err
	}
	go dispatcher.Run(ctx)

	var remote orchestrator.RemoteDispatcher = dispatcher
	if oc.CircuitBreaker.Enabled {
		remote = orchestrator.NewBreakerDispatcher(dispatcher, oc.CircuitBreaker, log)
	}

	tracker := orchestrator.NewUsageTracker(oc.UsageWindow, store, log)
	orch := orchestrator.New(orchestrator.Options{
		Rules:               rules,
		Estimator:           orchestrator.NewEstimator(oc.Estimator, oc.TiktokenEncoding, log),
		Usage:               tracker,
		Handlers:            orchestrator.DefaultHandlers(srv.StatusSnapshot),
		Remote:              remote,
		Bus:                 bus,
		TokenThreshold:      oc.TokenThreshold,
		ComplexityThreshold: oc.ComplexityThreshold,
		RemoteTimeout:       oc.RemoteTimeout,
		Logger:              log,
	})
	return orch, tracker, nil
}

func buildScheduler(cfg *config.Config, orch *orchestrator.Orchestrator, tracker *orchestrator.UsageTracker, persistent bool, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.New(log)
	sched.Register(scheduling.JobCacheSweep, func(context.Context) error {
		if n := orch.SweepCache(); n > 0 {
			log.Debug("cache sweep", "evicted", n)
		}
		return nil
	})
	retention := cfg.Orchestrator.UsageStore.Retention
	sched.Register(scheduling.JobUsagePrune, func(ctx context.Context) error {
		n, err := tracker.Prune(ctx, retention)
		if err != nil {
			return err
		}
		log.Debug("usage ledger pruned", "rows", n, "retention", retention)
		return nil
	})

	if s := cfg.Orchestrator.CacheSweep; s != "" {
		if err := sched.Schedule(scheduling.Task{Job: scheduling.JobCacheSweep, Schedule: s}); err != nil {
			return nil, err
		}
	}
	if persistent {
		if err := sched.Schedule(scheduling.Task{Job: scheduling.JobUsagePrune, Schedule: cfg.Orchestrator.UsageStore.Prune}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// advertise publishes the hub over mDNS and keeps the connection count in
// its TXT records current.
func advertise(ctx context.Context, dc config.DiscoveryConfig, srv *hub.Server, bus domain.EventBus, proc domain.BridgeProcess, log *slog.Logger) {
	d := discovery.New(log)
	if !d.Enabled() {
		log.Warn("discovery.mdns is set but this binary was built without the mdns tag")
		return
	}
	text := func() map[string]string {
		return map[string]string{
			"pid":         strconv.Itoa(proc.PID),
			"version":     version,
			"connections": strconv.Itoa(srv.StatusSnapshot().ActiveConnections),
		}
	}
	refresh := func(context.Context, domain.Event) { d.SetText(text()) }
	bus.Subscribe(domain.EventConnectionRegistered, refresh)
	bus.Subscribe(domain.EventConnectionUnregistered, refresh)
	bus.Subscribe(domain.EventConnectionExpired, refresh)

	go func() {
		err := d.Advertise(ctx, discovery.Announcement{Instance: dc.Instance, Port: proc.Port, Text: text()})
		if err != nil {
			log.Warn("mdns advertisement stopped", "error", err)
		}
	}()
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
