package bridgelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"agentbridge/internal/domain"
)

const maxLineSize = 1024 * 1024

// Tail returns the last n entries of the log at path. Lines that are not
// valid JSON entries are skipped. A missing file yields no entries.
func Tail(path string, n int) ([]domain.LogEntry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open bridge log: %w", err)
	}
	defer f.Close()

	ring := make([]domain.LogEntry, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		entry, ok := decode(line)
		if !ok || n <= 0 {
			continue
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan bridge log: %w", err)
	}
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("seek bridge log: %w", err)
	}
	return ring, offset, nil
}

// Follow streams entries appended to path after offset until ctx is done.
// Truncation or re-creation of the file restarts reading from the beginning.
func Follow(ctx context.Context, path string, offset int64, emit func(domain.LogEntry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creation after rotation is observed too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	fl := &follower{path: path, offset: offset, emit: emit}
	if err := fl.drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				fl.offset = 0
				fl.partial = ""
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := fl.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch bridge log: %w", err)
		}
	}
}

type follower struct {
	path    string
	offset  int64
	partial string
	emit    func(domain.LogEntry)
}

func (f *follower) drain() error {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open bridge log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat bridge log: %w", err)
	}
	if info.Size() < f.offset {
		f.offset = 0
		f.partial = ""
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek bridge log: %w", err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read bridge log: %w", err)
	}
	f.offset += int64(len(data))

	buf := f.partial + string(data)
	lines := strings.Split(buf, "\n")
	f.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		if entry, ok := decode([]byte(line)); ok {
			f.emit(entry)
		}
	}
	return nil
}

func decode(line []byte) (domain.LogEntry, bool) {
	if len(line) == 0 {
		return domain.LogEntry{}, false
	}
	var entry domain.LogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return domain.LogEntry{}, false
	}
	return entry, true
}

// Format renders an entry as a single human-readable line.
func Format(e domain.LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Local().Format("2006-01-02 15:04:05"))
	b.WriteString("  ")
	b.WriteString(fmt.Sprintf("%-12s", e.Kind))
	switch e.Kind {
	case domain.LogDelivered, domain.LogUndelivered:
		fmt.Fprintf(&b, " %s -> %s", e.Sender, e.Recipient)
	case domain.LogBroadcast:
		fmt.Fprintf(&b, " %s -> *", e.Sender)
	default:
		if e.ConnID != "" {
			b.WriteString(" " + e.ConnID)
		}
	}
	if e.Outcome != "" {
		b.WriteString(" [" + e.Outcome + "]")
	}
	if len(e.Detail) > 0 {
		keys := make([]string, 0, len(e.Detail))
		for k := range e.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Detail[k])
		}
	}
	return b.String()
}
