// Package usagestore persists orchestrator usage samples in SQLite so the
// token ledger survives hub restarts.
package usagestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentbridge/internal/domain"
)

// SQLiteStore implements domain.UsageStore.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at dbPath and runs the migration.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// WAL lets `bridge status --usage` read while the hub writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_samples (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT    NOT NULL,
			path      TEXT    NOT NULL,
			tokens    INTEGER NOT NULL DEFAULT 0,
			at        INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_usage_samples_at ON usage_samples(at)")
	return err
}

// nanos stores times as Unix nanoseconds; the zero time maps to 0 since
// UnixNano is undefined before 1678.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record appends one sample.
func (s *SQLiteStore) Record(ctx context.Context, sample domain.UsageSample) error {
	at := sample.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO usage_samples (operation, path, tokens, at) VALUES (?, ?, ?, ?)",
		sample.Operation, string(sample.Path), sample.Tokens, at.UnixNano(),
	)
	if err != nil {
		return domain.NewSubSystemError("usagestore", "SQLiteStore.Record", domain.ErrUsageStore, err.Error())
	}
	return nil
}

// Summarize aggregates samples recorded at or after since, per operation.
func (s *SQLiteStore) Summarize(ctx context.Context, since time.Time) ([]domain.TokenUsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation,
		       COUNT(*),
		       SUM(CASE WHEN path = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN path = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN path = ? THEN 1 ELSE 0 END),
		       SUM(tokens),
		       MIN(at),
		       MAX(at)
		FROM usage_samples
		WHERE at >= ?
		GROUP BY operation
		ORDER BY operation`,
		string(domain.PathCache), string(domain.PathLocal), string(domain.PathRemote), nanos(since),
	)
	if err != nil {
		return nil, domain.NewSubSystemError("usagestore", "SQLiteStore.Summarize", domain.ErrUsageStore, err.Error())
	}
	defer rows.Close()

	var out []domain.TokenUsageRecord
	for rows.Next() {
		var (
			rec         domain.TokenUsageRecord
			first, last int64
		)
		if err := rows.Scan(&rec.Operation, &rec.Calls, &rec.CacheHits, &rec.LocalCalls, &rec.RemoteCalls,
			&rec.EstimatedTokens, &first, &last); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.WindowStart = time.Unix(0, first)
		rec.LastUpdated = time.Unix(0, last)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes samples older than before and reports how many went.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_samples WHERE at < ?", nanos(before))
	if err != nil {
		return 0, domain.NewSubSystemError("usagestore", "SQLiteStore.Prune", domain.ErrUsageStore, err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ domain.UsageStore = (*SQLiteStore)(nil)
