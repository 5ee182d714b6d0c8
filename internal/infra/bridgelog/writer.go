// Package bridgelog is the hub's append-only activity log: one JSON line per
// registration, deregistration, delivery and health transition. Rotation is
// left to external tooling.
package bridgelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
)

// Writer appends LogEntry values to a JSONL file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open opens path for appending, creating it (and its directory) if needed.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open bridge log: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Path returns the log file location.
func (w *Writer) Path() string { return w.path }

// Append writes entry as a single JSON line and syncs it to disk.
func (w *Writer) Append(ctx context.Context, entry domain.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return domain.NewDomainError("bridgelog.Append", domain.ErrLogWrite, err.Error())
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return domain.NewDomainError("bridgelog.Append", domain.ErrLogWrite, "log closed")
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("bridgelog.Append", domain.ErrLogWrite, err.Error())
	}
	if err := w.file.Sync(); err != nil {
		return domain.NewDomainError("bridgelog.Append", domain.ErrLogWrite, "sync: "+err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("bridge.conn_id", entry.ConnID),
			tracer.StringAttr("bridge.outcome", entry.Outcome),
		}
		span.AddEvent("bridgelog."+string(entry.Kind), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the log file. Further appends fail with ErrLogWrite.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

var _ domain.BridgeLogger = (*Writer)(nil)

// Nop discards entries. Used when the hub runs without a log file in tests.
type Nop struct{}

// Append implements domain.BridgeLogger.
func (Nop) Append(context.Context, domain.LogEntry) error { return nil }
