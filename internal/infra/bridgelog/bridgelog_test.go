package bridgelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
)

func TestAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, w.Append(context.Background(), domain.LogEntry{Kind: domain.LogRegistered, ConnID: id}))
	}

	entries, offset, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ConnID)
	assert.Equal(t, "d", entries[1].ConnID)
	assert.False(t, entries[0].Timestamp.IsZero(), "timestamp should be filled in")

	info, _ := os.Stat(path)
	assert.Equal(t, info.Size(), offset)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAppendIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	w1, _ := Open(path)
	w1.Append(context.Background(), domain.LogEntry{Kind: domain.LogLifecycle, Outcome: "first"})
	w1.Close()

	w2, _ := Open(path)
	w2.Append(context.Background(), domain.LogEntry{Kind: domain.LogLifecycle, Outcome: "second"})
	w2.Close()

	entries, _, err := Tail(path, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Outcome)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := Open(filepath.Join(t.TempDir(), "bridge.log"))
	w.Close()
	err := w.Append(context.Background(), domain.LogEntry{Kind: domain.LogHealth})
	assert.True(t, errors.Is(err, domain.ErrLogWrite))
}

func TestAppendReportsSyncFailure(t *testing.T) {
	// Pipes cannot be fsync'd, so the write lands but the sync fails.
	r, pw, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	w := &Writer{file: pw, path: "pipe"}
	defer w.Close()

	err = w.Append(context.Background(), domain.LogEntry{Kind: domain.LogRegistered, ConnID: "a"})
	require.True(t, errors.Is(err, domain.ErrLogWrite), "got %v", err)
	assert.Contains(t, err.Error(), "sync")
}

func TestTailMissingFile(t *testing.T) {
	entries, offset, err := Tail(filepath.Join(t.TempDir(), "nope.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, offset)
}

func TestTailSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	os.WriteFile(path, []byte("not json\n{\"kind\":\"health\",\"outcome\":\"ok\"}\n"), 0600)
	entries, _, err := Tail(path, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogHealth, entries[0].Kind)
}

func TestFollowStreamsNewEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()
	w.Append(context.Background(), domain.LogEntry{Kind: domain.LogRegistered, ConnID: "old"})

	_, offset, err := Tail(path, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, path, offset, func(e domain.LogEntry) {
			mu.Lock()
			got = append(got, e.ConnID)
			mu.Unlock()
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	w.Append(context.Background(), domain.LogEntry{Kind: domain.LogRegistered, ConnID: "new-1"})
	w.Append(context.Background(), domain.LogEntry{Kind: domain.LogRegistered, ConnID: "new-2"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new-1", "new-2"}, got)
}

func TestFormat(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	line := Format(domain.LogEntry{Timestamp: ts, Kind: domain.LogDelivered, Sender: "a", Recipient: "b", Outcome: "delivered"})
	assert.True(t, strings.Contains(line, "a -> b"), line)
	assert.True(t, strings.Contains(line, "[delivered]"), line)

	line = Format(domain.LogEntry{Timestamp: ts, Kind: domain.LogHealth, Detail: map[string]string{"z": "1", "a": "2"}})
	assert.True(t, strings.Index(line, "a=2") < strings.Index(line, "z=1"), "detail keys should be sorted: %s", line)
}
