package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentbridge/internal/domain"
)

// UsageTracker keeps per-operation TokenUsageRecords over a rolling window.
// A record whose window has elapsed is reset on its next update.
type UsageTracker struct {
	mu      sync.Mutex
	window  time.Duration
	records map[string]*domain.TokenUsageRecord
	store   domain.UsageStore // optional
	now     func() time.Time
	logger  *slog.Logger
}

// NewUsageTracker creates a tracker. store may be nil.
func NewUsageTracker(window time.Duration, store domain.UsageStore, logger *slog.Logger) *UsageTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &UsageTracker{
		window:  window,
		records: make(map[string]*domain.TokenUsageRecord),
		store:   store,
		now:     time.Now,
		logger:  logger,
	}
}

// Record accounts one execution. Cache hits bump the hit counter but carry
// no token cost.
func (u *UsageTracker) Record(ctx context.Context, op string, path domain.RoutePath, tokens int) {
	now := u.now()

	u.mu.Lock()
	rec, ok := u.records[op]
	if !ok || now.Sub(rec.WindowStart) >= u.window {
		rec = &domain.TokenUsageRecord{Operation: op, WindowStart: now}
		u.records[op] = rec
	}
	rec.Calls++
	switch path {
	case domain.PathCache:
		rec.CacheHits++
		tokens = 0
	case domain.PathLocal:
		rec.LocalCalls++
	case domain.PathRemote:
		rec.RemoteCalls++
	}
	rec.EstimatedTokens += int64(tokens)
	rec.LastUpdated = now
	u.mu.Unlock()

	if u.store != nil {
		s := domain.UsageSample{Operation: op, Path: path, Tokens: tokens, At: now}
		if err := u.store.Record(ctx, s); err != nil {
			u.logger.Warn("usage ledger write failed", "operation", op, "error", err)
		}
	}
}

// Snapshot returns the records whose window is still open, sorted by operation.
func (u *UsageTracker) Snapshot() []domain.TokenUsageRecord {
	now := u.now()

	u.mu.Lock()
	out := make([]domain.TokenUsageRecord, 0, len(u.records))
	for _, r := range u.records {
		if now.Sub(r.WindowStart) < u.window {
			out = append(out, *r)
		}
	}
	u.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// History summarizes the persistent ledger since the given time. Without a
// store it falls back to the in-memory snapshot.
func (u *UsageTracker) History(ctx context.Context, since time.Time) ([]domain.TokenUsageRecord, error) {
	if u.store == nil {
		return u.Snapshot(), nil
	}
	return u.store.Summarize(ctx, since)
}

// Prune drops ledger samples older than retention.
func (u *UsageTracker) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if u.store == nil {
		return 0, nil
	}
	return u.store.Prune(ctx, u.now().Add(-retention))
}
