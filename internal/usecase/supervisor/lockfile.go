package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"agentbridge/internal/domain"
)

// LockFile is the singleton marker for a running hub. The hub process holds
// an exclusive flock on it for its whole lifetime and records its pid and
// address inside, so independent CLI invocations can tell whether a hub is
// alive without talking to it. The kernel drops the flock when the holder
// dies, which is what makes a leftover file detectably stale.
type LockFile struct {
	path string
}

// NewLockFile returns a LockFile at path.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Path returns the lock file location.
func (l *LockFile) Path() string { return l.path }

// HeldLock is an acquired lock. Release it when the hub stops.
type HeldLock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive lock and writes info into the file. It fails
// with ErrAlreadyRunning when another process holds the lock.
func (l *LockFile) Acquire(info domain.BridgeProcess) (*HeldLock, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryFlock(f); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			held, _ := readInfo(l.path)
			return nil, domain.NewSubSystemError("supervisor", "LockFile.Acquire", domain.ErrAlreadyRunning,
				fmt.Sprintf("pid %d holds %s", held.PID, l.path))
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	h := &HeldLock{path: l.path, file: f}
	if err := h.Update(info); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

// Update rewrites the recorded process info while keeping the lock.
func (h *HeldLock) Update(info domain.BridgeProcess) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := h.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := h.file.WriteAt(append(raw, '\n'), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return h.file.Sync()
}

// Release removes the file and drops the lock.
func (h *HeldLock) Release() error {
	if h.file == nil {
		return nil
	}
	os.Remove(h.path)
	syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
	err := h.file.Close()
	h.file = nil
	return err
}

// Inspect reports the recorded process info and whether a live process
// still holds the lock. A missing file yields a zero info and held=false.
// A file that exists but is not locked is stale: its info is returned with
// held=false.
func (l *LockFile) Inspect() (domain.BridgeProcess, bool, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.BridgeProcess{}, false, nil
		}
		return domain.BridgeProcess{}, false, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	info, _ := decodeInfo(f)

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	switch {
	case err == nil:
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return info, false, nil
	case errors.Is(err, syscall.EWOULDBLOCK):
		return info, true, nil
	default:
		return info, false, fmt.Errorf("flock: %w", err)
	}
}

// Remove deletes a stale lock file. A missing file is not an error.
func (l *LockFile) Remove() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// tryFlock retries briefly: Inspect takes the lock for a moment to probe it,
// and a hub starting at that instant must not mistake the probe for a
// running hub.
func tryFlock(f *os.File) error {
	var err error
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return err
		}
		time.Sleep(acquireBackoff)
	}
	return err
}

const (
	acquireAttempts = 5
	acquireBackoff  = 20 * time.Millisecond
)

func readInfo(path string) (domain.BridgeProcess, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.BridgeProcess{}, err
	}
	defer f.Close()
	return decodeInfo(f)
}

// decodeInfo tolerates an empty or half-written file; the hub may be
// between truncate and write.
func decodeInfo(r io.Reader) (domain.BridgeProcess, error) {
	var info domain.BridgeProcess
	raw, err := io.ReadAll(r)
	if err != nil || len(raw) == 0 {
		return info, err
	}
	err = json.Unmarshal(raw, &info)
	return info, err
}
