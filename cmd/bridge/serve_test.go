package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
	"agentbridge/internal/infra/paths"
)

func TestServeHubEndToEnd(t *testing.T) {
	env := newCLIEnv(t)
	writeFile(t, env.local, config.RoutingFileName, "rules:\n  - operation: echo\n    destination: local\n    ttl: 1m\n")

	cfg := config.Defaults()
	cfg.Hub.Addr = "127.0.0.1:0"
	cfg.Paths.LocalDir = env.local
	cfg.Paths.GlobalDir = env.global
	cfg.Orchestrator.UsageStore.Enabled = true
	a := &app{
		cfg:        cfg,
		resolver:   paths.New(env.local, env.global),
		runtimeDir: env.local,
		logger:     logger.Discard(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveHub(ctx, a, logger.Discard()) }()

	require.Eventually(t, func() bool {
		info, held, err := a.lockFile().Inspect()
		return err == nil && held && info.Addr != ""
	}, 5*time.Second, 20*time.Millisecond, "hub never recorded its address")

	stdout, stderr, code := executeCLI(t, "exec", "echo", "hello", "bridge")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "hello bridge\n", stdout)
	assert.Contains(t, stderr, "echo via local")

	// Second call is served from cache.
	_, stderr, code = executeCLI(t, "exec", "echo", "hello", "bridge")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "via cache")

	stdout, stderr, code = executeCLI(t, "status", "--usage")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "bridge running")
	assert.Contains(t, stdout, "orchestrator")
	assert.Contains(t, stdout, "echo")

	_, _, code = executeCLI(t, "start")
	assert.Equal(t, exitAlreadyRunning, code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serveHub did not return after cancel")
	}

	_, held, err := a.lockFile().Inspect()
	require.NoError(t, err)
	assert.False(t, held)
	assert.NoFileExists(t, filepath.Join(env.local, config.LockFileName))
	assert.FileExists(t, filepath.Join(env.local, config.UsageDBFileName))
}

func TestBuildSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestrator.CacheSweep = "not a schedule"
	_, err := buildScheduler(cfg, nil, nil, false, logger.Discard())
	assert.Error(t, err)
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, 7890, portOf("127.0.0.1:7890"))
	assert.Equal(t, 0, portOf("garbage"))
}
