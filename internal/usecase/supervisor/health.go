package supervisor

import (
	"context"
	"fmt"
	"time"

	"agentbridge/internal/domain"
)

// Monitor polls the hub on the health interval until ctx ends. After
// HealthFailures consecutive failed checks the hub is marked unhealthy and,
// when AutoRestart is set, restarted exactly once for the lifetime of this
// Supervisor. A failed restart, or a second unhealthy episode, is returned
// and not retried.
func (s *Supervisor) Monitor(ctx context.Context) error {
	if _, held, err := s.lock.Inspect(); err == nil && held {
		s.transition(ctx, domain.BridgeRunning, "monitoring")
	}

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := s.CheckHealth(ctx)
		if err == nil {
			if failures > 0 {
				s.logger.Info("hub health recovered", "after_failures", failures)
			}
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		s.logger.Warn("hub health check failed", "consecutive", failures, "error", err)
		if s.bus != nil {
			s.bus.Publish(ctx, domain.NewEvent(domain.EventHealthCheckFailed, "", map[string]any{
				"consecutive": failures,
				"error":       err.Error(),
			}))
		}
		if failures < s.cfg.HealthFailures {
			continue
		}

		s.transition(ctx, domain.BridgeUnhealthy, fmt.Sprintf("%d consecutive health failures: %v", failures, err))
		if !s.cfg.AutoRestart {
			return fmt.Errorf("supervisor: hub unhealthy, automatic restart disabled: %w", err)
		}
		if !s.claimRestart() {
			return fmt.Errorf("supervisor: hub unhealthy again after automatic restart: %w", err)
		}
		if _, rerr := s.autoRestart(ctx); rerr != nil {
			s.logger.Error("automatic restart failed", "error", rerr)
			return fmt.Errorf("supervisor: automatic restart failed: %w", rerr)
		}
		failures = 0
	}
}

// CheckHealth runs one health probe: the lock must be held and the status
// endpoint must report running.
func (s *Supervisor) CheckHealth(ctx context.Context) error {
	info, held, err := s.lock.Inspect()
	if err != nil {
		return err
	}
	if !held {
		return domain.NewSubSystemError("supervisor", "Supervisor.CheckHealth", domain.ErrNotRunning, "lock released")
	}
	snap, err := s.prober.Probe(ctx, info.Addr)
	if err != nil {
		return err
	}
	if snap.Status != domain.BridgeRunning {
		return fmt.Errorf("supervisor: hub reports %s", snap.Status)
	}
	return nil
}

// claimRestart reserves the single automatic restart.
func (s *Supervisor) claimRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restarted {
		return false
	}
	s.restarted = true
	return true
}

// autoRestart goes straight from unhealthy to starting: whatever still
// holds the lock is terminated without passing through stopping.
func (s *Supervisor) autoRestart(ctx context.Context) (domain.BridgeProcess, error) {
	if s.bus != nil {
		s.bus.Publish(ctx, domain.NewEvent(domain.EventAutoRestart, "", nil))
	}
	if info, held, err := s.lock.Inspect(); err == nil {
		switch {
		case held:
			if err := s.terminate(ctx, info.PID); err != nil {
				return domain.BridgeProcess{}, err
			}
		case info.PID != 0:
			s.lock.Remove()
		}
	}
	return s.launch(ctx, "automatic restart")
}
