package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
)

// fakeHub plays the spawned hub: each spawned process takes the real lock
// file, and signals release it.
type fakeHub struct {
	lock        *LockFile
	mu          sync.Mutex
	nextPID     int
	procs       map[int]*fakeProcess
	spawns      int
	noLock      bool   // children never take the lock (never become healthy)
	ignoreTerm  bool   // children survive SIGTERM
	beforeSpawn func() // runs inside Spawn before the child starts
	signals     []syscall.Signal
}

func newFakeHub(lock *LockFile) *fakeHub {
	return &fakeHub{lock: lock, nextPID: 41000, procs: make(map[int]*fakeProcess)}
}

func (h *fakeHub) Spawn(ctx context.Context) (Process, error) {
	if h.beforeSpawn != nil {
		h.beforeSpawn()
	}
	h.mu.Lock()
	h.nextPID++
	h.spawns++
	p := &fakeProcess{pid: h.nextPID, done: make(chan error, 1)}
	h.procs[p.pid] = p
	h.mu.Unlock()

	if !h.noLock {
		held, err := h.lock.Acquire(domain.BridgeProcess{
			PID:       p.pid,
			Port:      7890,
			Addr:      "127.0.0.1:7890",
			StartedAt: time.Now(),
		})
		if err != nil {
			p.exit(err)
			return p, nil
		}
		p.held = held
	}
	return p, nil
}

func (h *fakeHub) Spawns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawns
}

func (h *fakeHub) Alive(pid int) bool {
	h.mu.Lock()
	p, ok := h.procs[pid]
	h.mu.Unlock()
	return ok && !p.exited.Load()
}

func (h *fakeHub) Signal(pid int, sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	p, ok := h.procs[pid]
	h.mu.Unlock()
	if !ok {
		return syscall.ESRCH
	}
	if sig == syscall.SIGTERM && h.ignoreTerm {
		return nil
	}
	p.exit(errors.New("signal: " + sig.String()))
	return nil
}

func (h *fakeHub) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

type fakeProcess struct {
	pid    int
	held   *HeldLock
	done   chan error
	once   sync.Once
	exited atomic.Bool
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		if p.held != nil {
			p.held.Release()
		}
		p.exited.Store(true)
		p.done <- err
		close(p.done)
	})
}

func (p *fakeProcess) PID() int           { return p.pid }
func (p *fakeProcess) Done() <-chan error { return p.done }
func (p *fakeProcess) Kill() error        { p.exit(errors.New("killed")); return nil }

// fakeProber answers running unless told to fail.
type fakeProber struct {
	down     atomic.Bool
	failNext atomic.Int32
	calls    atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, addr string) (domain.StatusSnapshot, error) {
	p.calls.Add(1)
	if p.down.Load() {
		return domain.StatusSnapshot{}, errors.New("connection refused")
	}
	if p.failNext.Load() > 0 {
		p.failNext.Add(-1)
		return domain.StatusSnapshot{}, errors.New("connection refused")
	}
	return domain.StatusSnapshot{Status: domain.BridgeRunning, Port: 7890}, nil
}

type memLog struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

func (l *memLog) Append(_ context.Context, e domain.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) Kinds(kind domain.LogEntryKind) []domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.LogEntry
	for _, e := range l.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	sup    *Supervisor
	hub    *fakeHub
	prober *fakeProber
	lock   *LockFile
	log    *memLog
}

func newFixture(t *testing.T, mutate func(*config.SupervisorConfig)) *fixture {
	t.Helper()
	lock := NewLockFile(filepath.Join(t.TempDir(), "bridge.lock"))
	hub := newFakeHub(lock)
	prober := &fakeProber{}
	log := &memLog{}
	cfg := config.SupervisorConfig{
		StartupTimeout: 500 * time.Millisecond,
		StopGrace:      100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		HealthFailures: 3,
		AutoRestart:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup := New(Options{
		Config:    cfg,
		Lock:      lock,
		Spawner:   hub,
		Processes: hub,
		Prober:    prober,
		Log:       log,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		hub.mu.Lock()
		procs := make([]*fakeProcess, 0, len(hub.procs))
		for _, p := range hub.procs {
			procs = append(procs, p)
		}
		hub.mu.Unlock()
		for _, p := range procs {
			p.exit(nil)
		}
	})
	return &fixture{sup: sup, hub: hub, prober: prober, lock: lock, log: log}
}

func states(ts []Transition) []domain.BridgeStatus {
	out := make([]domain.BridgeStatus, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestStartThenStartIsAlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	proc, err := f.sup.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BridgeRunning, proc.Status)
	assert.Equal(t, 7890, proc.Port)
	assert.Equal(t, domain.BridgeRunning, f.sup.State())

	again, err := f.sup.Start(ctx)
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Equal(t, proc.PID, again.PID)
	assert.Equal(t, 1, f.hub.Spawns(), "second start must not spawn")
}

func TestStopThenStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.sup.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sup.Stop(ctx))
	assert.Equal(t, domain.BridgeStopped, f.sup.State())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, f.hub.Signals())

	_, err = os.Stat(f.lock.Path())
	assert.True(t, os.IsNotExist(err), "lock file removed after stop")

	second, err := f.sup.Start(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t,
		[]domain.BridgeStatus{domain.BridgeStarting, domain.BridgeRunning, domain.BridgeStopping, domain.BridgeStopped, domain.BridgeStarting, domain.BridgeRunning},
		states(f.sup.History()))
}

func TestStopNotRunning(t *testing.T) {
	f := newFixture(t, nil)
	err := f.sup.Stop(context.Background())
	require.ErrorIs(t, err, domain.ErrNotRunning)
	assert.Empty(t, f.hub.Signals())
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.ignoreTerm = true
	ctx := context.Background()

	_, err := f.sup.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sup.Stop(ctx))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, f.hub.Signals())
}

func TestRestartToleratesNotRunning(t *testing.T) {
	f := newFixture(t, nil)
	proc, err := f.sup.Restart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BridgeRunning, proc.Status)
	assert.Equal(t, 1, f.hub.Spawns())
}

func TestStartReclaimsStaleLock(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(f.lock.Path(), []byte(`{"pid":99999,"port":7890}`), 0o600))

	rep, err := f.sup.Status(context.Background())
	require.ErrorIs(t, err, domain.ErrNotRunning)
	assert.True(t, rep.Stale)

	proc, err := f.sup.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, 99999, proc.PID)
}

func TestStartupTimeout(t *testing.T) {
	f := newFixture(t, func(c *config.SupervisorConfig) { c.StartupTimeout = 50 * time.Millisecond })
	f.hub.noLock = true

	_, err := f.sup.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrStartupTimeout)
	assert.Equal(t, domain.BridgeStopped, f.sup.State())

	f.hub.mu.Lock()
	p := f.hub.procs[f.hub.nextPID]
	f.hub.mu.Unlock()
	assert.True(t, p.exited.Load(), "child killed after timeout")
}

func TestConcurrentStartLoses(t *testing.T) {
	f := newFixture(t, nil)
	var winner *HeldLock
	f.hub.beforeSpawn = func() {
		var err error
		winner, err = f.lock.Acquire(domain.BridgeProcess{PID: 1, Addr: "127.0.0.1:7890"})
		require.NoError(t, err)
	}
	t.Cleanup(func() { winner.Release() })

	proc, err := f.sup.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Equal(t, 1, proc.PID)
}

func TestStartupTimeoutKeepsConcurrentWinnersLock(t *testing.T) {
	f := newFixture(t, func(c *config.SupervisorConfig) { c.StartupTimeout = 50 * time.Millisecond })
	f.hub.noLock = true
	var winner *HeldLock
	f.hub.beforeSpawn = func() {
		var err error
		winner, err = f.lock.Acquire(domain.BridgeProcess{PID: 1, Addr: "127.0.0.1:7891"})
		require.NoError(t, err)
	}
	t.Cleanup(func() { winner.Release() })

	proc, err := f.sup.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Equal(t, 1, proc.PID)

	info, held, err := f.lock.Inspect()
	require.NoError(t, err)
	assert.True(t, held, "winner still holds the lock")
	assert.Equal(t, 1, info.PID)
	assert.FileExists(t, f.lock.Path())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.sup.Status(ctx)
	require.ErrorIs(t, err, domain.ErrNotRunning)

	_, err = f.sup.Start(ctx)
	require.NoError(t, err)
	rep, err := f.sup.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.Snapshot)
	assert.Equal(t, domain.BridgeRunning, rep.Process.Status)

	f.prober.down.Store(true)
	rep, err = f.sup.Status(ctx)
	require.ErrorIs(t, err, domain.ErrNotRunning)
	assert.Equal(t, domain.BridgeUnhealthy, rep.Process.Status)
}

func TestHealthFailuresTriggerExactlyOneRestart(t *testing.T) {
	f := newFixture(t, func(c *config.SupervisorConfig) { c.StartupTimeout = 60 * time.Millisecond })
	ctx := context.Background()

	_, err := f.sup.Start(ctx)
	require.NoError(t, err)
	f.prober.down.Store(true)

	mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = f.sup.Monitor(mctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStartupTimeout, "failed restart is surfaced")

	assert.Equal(t, 2, f.hub.Spawns(), "exactly one restart attempt")
	assert.Equal(t,
		[]domain.BridgeStatus{domain.BridgeStarting, domain.BridgeRunning, domain.BridgeUnhealthy, domain.BridgeStarting, domain.BridgeStopped},
		states(f.sup.History()))
	assert.NotEmpty(t, f.log.Kinds(domain.LogHealth))
}

func TestHealthRestartIsNotRepeated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx)
	require.NoError(t, err)
	f.prober.failNext.Store(3)

	mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.sup.Monitor(mctx) }()

	require.Eventually(t, func() bool { return f.hub.Spawns() == 2 && f.sup.State() == domain.BridgeRunning },
		2*time.Second, 5*time.Millisecond)

	f.prober.down.Store(true)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "again")
	case <-mctx.Done():
		t.Fatal("monitor did not give up")
	}
	assert.Equal(t, 2, f.hub.Spawns())
	assert.Equal(t, domain.BridgeUnhealthy, f.sup.State())
}

func TestHealthTransientFailuresTolerated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx)
	require.NoError(t, err)
	f.prober.failNext.Store(2)

	mctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, f.sup.Monitor(mctx))
	assert.Equal(t, 1, f.hub.Spawns())
	assert.Equal(t, domain.BridgeRunning, f.sup.State())
}

func TestHealthNoAutoRestart(t *testing.T) {
	f := newFixture(t, func(c *config.SupervisorConfig) { c.AutoRestart = false })
	ctx := context.Background()

	_, err := f.sup.Start(ctx)
	require.NoError(t, err)
	f.prober.down.Store(true)

	mctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = f.sup.Monitor(mctx)
	require.Error(t, err)
	assert.Equal(t, 1, f.hub.Spawns())
	assert.Equal(t, domain.BridgeUnhealthy, f.sup.State())
}
