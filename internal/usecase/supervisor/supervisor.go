// Package supervisor manages the hub process lifecycle: start, stop,
// restart, health monitoring with a single automatic restart, and repair of
// missing bridge files from the global installation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/paths"
	"agentbridge/internal/infra/tracer"
)

// Prober fetches the hub's status snapshot.
type Prober interface {
	Probe(ctx context.Context, addr string) (domain.StatusSnapshot, error)
}

// Options configures a Supervisor.
type Options struct {
	Config        config.SupervisorConfig
	Lock          *LockFile
	Spawner       Spawner
	Processes     ProcessTable // defaults to OSProcesses
	Prober        Prober
	Paths         *paths.Resolver // nil disables repair
	RequiredFiles []string
	Log           domain.BridgeLogger
	Bus           domain.EventBus
	Logger        *slog.Logger
}

// Transition is one observed state change.
type Transition struct {
	From   domain.BridgeStatus `json:"from"`
	To     domain.BridgeStatus `json:"to"`
	Reason string              `json:"reason,omitempty"`
	At     time.Time           `json:"at"`
}

// Report is the supervisor's view of the hub for `bridge status`.
type Report struct {
	Process  domain.BridgeProcess
	Snapshot *domain.StatusSnapshot
	Stale    bool // a lock file was found but nothing holds it
}

// Supervisor drives the hub state machine:
//
//	stopped -> starting -> running -> stopping -> stopped
//	running -> unhealthy -> starting   (at most one automatic restart)
type Supervisor struct {
	cfg       config.SupervisorConfig
	lock      *LockFile
	spawner   Spawner
	procs     ProcessTable
	prober    Prober
	paths     *paths.Resolver
	required  []string
	log       domain.BridgeLogger
	bus       domain.EventBus
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	mu        sync.Mutex
	state     domain.BridgeStatus
	history   []Transition
	restarted bool
}

// New creates a Supervisor. Zero config durations take their defaults.
func New(opts Options) *Supervisor {
	cfg := opts.Config
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = 3
	}
	if opts.Processes == nil {
		opts.Processes = OSProcesses{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		lock:     opts.Lock,
		spawner:  opts.Spawner,
		procs:    opts.Processes,
		prober:   opts.Prober,
		paths:    opts.Paths,
		required: opts.RequiredFiles,
		log:      opts.Log,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      time.Now,
		sleep:    sleepCtx,
		state:    domain.BridgeStopped,
	}
}

// State returns the current state.
func (s *Supervisor) State() domain.BridgeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every transition observed by this supervisor.
func (s *Supervisor) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// Status inspects the lock file and queries the hub. An unreachable hub is
// reported as ErrNotRunning even when a process still holds the lock.
func (s *Supervisor) Status(ctx context.Context) (Report, error) {
	info, held, err := s.lock.Inspect()
	if err != nil {
		return Report{}, err
	}
	rep := Report{Process: info}
	if !held {
		rep.Stale = info.PID != 0
		rep.Process.Status = domain.BridgeStopped
		return rep, domain.NewSubSystemError("supervisor", "Supervisor.Status", domain.ErrNotRunning, "no hub holds "+s.lock.Path())
	}
	snap, err := s.prober.Probe(ctx, info.Addr)
	if err != nil {
		rep.Process.Status = domain.BridgeUnhealthy
		return rep, domain.NewSubSystemError("supervisor", "Supervisor.Status", domain.ErrNotRunning,
			fmt.Sprintf("pid %d holds the lock but %s is unreachable: %v", info.PID, info.Addr, err))
	}
	rep.Snapshot = &snap
	rep.Process.Status = snap.Status
	return rep, nil
}

// Start spawns the hub and blocks until its status endpoint reports running
// or the startup timeout passes. A live lock holder yields ErrAlreadyRunning
// without spawning. A stale lock file is reclaimed with a warning.
func (s *Supervisor) Start(ctx context.Context) (proc domain.BridgeProcess, err error) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.start")
	defer func() { tracer.End(span, err) }()

	info, held, err := s.lock.Inspect()
	if err != nil {
		return domain.BridgeProcess{}, err
	}
	if held {
		info.Status = domain.BridgeRunning
		return info, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrAlreadyRunning,
			fmt.Sprintf("pid %d on %s", info.PID, info.Addr))
	}
	if info.PID != 0 {
		s.logger.Warn("reclaiming stale lock file", "path", s.lock.Path(), "pid", info.PID)
		if err := s.lock.Remove(); err != nil {
			return domain.BridgeProcess{}, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	s.repairBeforeStart(ctx)

	return s.launch(ctx, "start requested")
}

// launch spawns the hub from a not-running state and waits for health.
func (s *Supervisor) launch(ctx context.Context, reason string) (domain.BridgeProcess, error) {
	s.transition(ctx, domain.BridgeStarting, reason)

	child, err := s.spawner.Spawn(ctx)
	if err != nil {
		s.transition(ctx, domain.BridgeStopped, "spawn failed")
		return domain.BridgeProcess{}, err
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(tracer.IntAttr("hub.pid", child.PID()))

	proc, err := s.awaitHealthy(ctx, child)
	if err != nil {
		s.transition(ctx, domain.BridgeStopped, err.Error())
		return proc, err
	}
	s.transition(ctx, domain.BridgeRunning, fmt.Sprintf("pid %d on %s", proc.PID, proc.Addr))
	return proc, nil
}

func (s *Supervisor) awaitHealthy(ctx context.Context, child Process) (domain.BridgeProcess, error) {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			child.Kill()
			return domain.BridgeProcess{}, ctx.Err()

		case exitErr := <-child.Done():
			// A concurrent start may have won the lock; our child then exits.
			if info, held, _ := s.lock.Inspect(); held && info.PID != child.PID() {
				info.Status = domain.BridgeRunning
				return info, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrAlreadyRunning,
					fmt.Sprintf("pid %d on %s", info.PID, info.Addr))
			}
			return domain.BridgeProcess{}, fmt.Errorf("supervisor: hub exited during startup: %v", exitErr)

		case <-deadline.C:
			child.Kill()
			info, held, err := s.lock.Inspect()
			if err == nil && held && info.PID != child.PID() {
				info.Status = domain.BridgeRunning
				return info, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrAlreadyRunning,
					fmt.Sprintf("pid %d on %s", info.PID, info.Addr))
			}
			if err == nil {
				s.lock.Remove()
			}
			return domain.BridgeProcess{}, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrStartupTimeout,
				fmt.Sprintf("no healthy status within %s", s.cfg.StartupTimeout))

		case <-ticker.C:
			info, held, err := s.lock.Inspect()
			if err != nil || !held || info.PID != child.PID() || info.Addr == "" {
				continue
			}
			snap, err := s.prober.Probe(ctx, info.Addr)
			if err != nil || snap.Status != domain.BridgeRunning {
				continue
			}
			info.Status = domain.BridgeRunning
			return info, nil
		}
	}
}

// Stop terminates the hub: SIGTERM, a grace period, then SIGKILL. The lock
// file is removed afterwards. No live hub yields ErrNotRunning.
func (s *Supervisor) Stop(ctx context.Context) (err error) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.stop")
	defer func() { tracer.End(span, err) }()

	info, held, err := s.lock.Inspect()
	if err != nil {
		return err
	}
	if !held {
		if info.PID != 0 {
			s.lock.Remove()
		}
		return domain.NewSubSystemError("supervisor", "Supervisor.Stop", domain.ErrNotRunning, "no hub holds "+s.lock.Path())
	}

	s.transition(ctx, domain.BridgeStopping, fmt.Sprintf("stopping pid %d", info.PID))
	if err := s.terminate(ctx, info.PID); err != nil {
		return err
	}
	s.transition(ctx, domain.BridgeStopped, "stop requested")
	return nil
}

func (s *Supervisor) terminate(ctx context.Context, pid int) error {
	if err := s.procs.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("supervisor: signal pid %d: %w", pid, err)
	}
	if !s.waitReleased(ctx, s.cfg.StopGrace) {
		s.logger.Warn("hub ignored SIGTERM, killing", "pid", pid, "grace", s.cfg.StopGrace)
		s.procs.Signal(pid, syscall.SIGKILL)
		if !s.waitReleased(ctx, s.cfg.StopGrace) {
			return fmt.Errorf("supervisor: pid %d still holds %s after SIGKILL", pid, s.lock.Path())
		}
	}
	return s.lock.Remove()
}

// waitReleased polls until nothing holds the lock or d elapses.
func (s *Supervisor) waitReleased(ctx context.Context, d time.Duration) bool {
	deadline := s.now().Add(d)
	for {
		if _, held, err := s.lock.Inspect(); err == nil && !held {
			return true
		}
		if !s.now().Before(deadline) {
			return false
		}
		if s.sleep(ctx, s.cfg.PollInterval) != nil {
			return false
		}
	}
}

// Restart stops the hub if it is running and starts it again.
func (s *Supervisor) Restart(ctx context.Context) (domain.BridgeProcess, error) {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return domain.BridgeProcess{}, err
	}
	return s.Start(ctx)
}

func (s *Supervisor) transition(ctx context.Context, to domain.BridgeStatus, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	t := Transition{From: from, To: to, Reason: reason, At: s.now()}
	s.history = append(s.history, t)
	s.mu.Unlock()

	s.logger.Info("bridge state changed", "from", from, "to", to, "reason", reason)

	kind := domain.LogLifecycle
	if to == domain.BridgeUnhealthy || from == domain.BridgeUnhealthy {
		kind = domain.LogHealth
	}
	if s.log != nil {
		if err := s.log.Append(ctx, domain.LogEntry{
			Kind:    kind,
			Outcome: string(to),
			Detail:  map[string]string{"from": string(from), "reason": reason},
		}); err != nil {
			s.logger.Warn("bridge log append failed", "error", err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(ctx, domain.NewEvent(domain.EventBridgeStateChanged, "", t))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
