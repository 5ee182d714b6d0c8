package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
)

func TestLockFileLifecycle(t *testing.T) {
	lock := NewLockFile(filepath.Join(t.TempDir(), "bridge.lock"))

	info, held, err := lock.Inspect()
	require.NoError(t, err)
	assert.False(t, held)
	assert.Zero(t, info.PID)

	h, err := lock.Acquire(domain.BridgeProcess{PID: 123, Port: 7890, Addr: "127.0.0.1:7890"})
	require.NoError(t, err)

	info, held, err = lock.Inspect()
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, 123, info.PID)
	assert.Equal(t, "127.0.0.1:7890", info.Addr)

	_, err = lock.Acquire(domain.BridgeProcess{PID: 456})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "pid 123")

	require.NoError(t, h.Update(domain.BridgeProcess{PID: 123, Port: 9999}))
	info, _, _ = lock.Inspect()
	assert.Equal(t, 9999, info.Port)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "second release is a no-op")
	_, err = os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestLockFileStale(t *testing.T) {
	lock := NewLockFile(filepath.Join(t.TempDir(), "bridge.lock"))
	require.NoError(t, os.WriteFile(lock.Path(), []byte(`{"pid":777,"port":7890}`+"\n"), 0o600))

	info, held, err := lock.Inspect()
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, 777, info.PID)

	h, err := lock.Acquire(domain.BridgeProcess{PID: 888})
	require.NoError(t, err, "an unheld file can be taken over")
	defer h.Release()

	info, held, _ = lock.Inspect()
	assert.True(t, held)
	assert.Equal(t, 888, info.PID)
}

func TestLockFileRemoveMissing(t *testing.T) {
	lock := NewLockFile(filepath.Join(t.TempDir(), "bridge.lock"))
	assert.NoError(t, lock.Remove())
}

func TestLockFileTolerantOfGarbage(t *testing.T) {
	lock := NewLockFile(filepath.Join(t.TempDir(), "bridge.lock"))
	require.NoError(t, os.WriteFile(lock.Path(), []byte("{half"), 0o600))

	info, held, err := lock.Inspect()
	require.NoError(t, err)
	assert.False(t, held)
	assert.Zero(t, info.PID)
}
