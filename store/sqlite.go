package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/FrenchMajesty/turbo-batch/turbo_batch"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var ErrBatchNotFound = errors.New("batch not found")

// BatchSummary is the stored aggregate of one batch
type BatchSummary struct {
	ID                 string
	CreatedAt          time.Time
	TotalRequests      int
	SucceededRequests  int
	FailedRequests     int
	PromptTokens       int
	CompletionTokens   int
	TotalRequestBytes  int
	TotalResponseBytes int
	TotalTime          time.Duration
	Cancelled          bool
}

// SQLiteStore persists batch results and their per-request rows
type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveBatch writes the aggregate and one row per attempted request, returning the new batch id
func (s *SQLiteStore) SaveBatch(ctx context.Context, result *turbo_batch.BatchRequestResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("save batch: result is nil")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin batch %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO batches (
	    id,
	    created_at,
	    total_requests,
	    succeeded_requests,
	    failed_requests,
	    prompt_tokens,
	    completion_tokens,
	    request_bytes,
	    response_bytes,
	    total_time_ms,
	    cancelled
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		time.Now().UTC().Format(time.RFC3339Nano),
		result.TotalRequests,
		result.SucceededRequests,
		result.FailedRequests,
		result.PromptTokens,
		result.CompletionTokens,
		result.TotalRequestBytes,
		result.TotalResponseBytes,
		result.TotalTime.Milliseconds(),
		boolToInt(result.Cancelled),
	)
	if err != nil {
		return "", fmt.Errorf("write batch %q: %w", id, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO batch_requests (
	    batch_id,
	    request_id,
	    request_index,
	    provider_key,
	    status,
	    prompt_tokens,
	    completion_tokens,
	    request_bytes,
	    response_bytes,
	    latency_ms,
	    error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare request rows: %w", err)
	}
	defer stmt.Close()

	for _, m := range result.Metrics {
		if _, err := stmt.ExecContext(ctx,
			id, m.RequestID.String(), m.Index, m.ProviderKey, "success",
			m.PromptTokens, m.CompletionTokens, m.RequestBytes, m.ResponseBytes,
			m.RequestTime.Milliseconds(), nil,
		); err != nil {
			return "", fmt.Errorf("write request %d of batch %q: %w", m.Index, id, err)
		}
	}
	for _, f := range result.Failures {
		errText := ""
		if f.Err != nil {
			errText = f.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx,
			id, f.RequestID.String(), f.Index, f.ProviderKey, "failure",
			0, 0, 0, 0, f.RequestTime.Milliseconds(), errText,
		); err != nil {
			return "", fmt.Errorf("write failed request %d of batch %q: %w", f.Index, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch %q: %w", id, err)
	}
	return id, nil
}

// GetBatch reads a stored batch aggregate
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*BatchSummary, error) {
	var (
		summary   BatchSummary
		createdAt string
		totalMS   int64
		cancelled int
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT id, created_at, total_requests, succeeded_requests, failed_requests,
	       prompt_tokens, completion_tokens, request_bytes, response_bytes, total_time_ms, cancelled
	FROM batches WHERE id = ?`, id).Scan(
		&summary.ID,
		&createdAt,
		&summary.TotalRequests,
		&summary.SucceededRequests,
		&summary.FailedRequests,
		&summary.PromptTokens,
		&summary.CompletionTokens,
		&summary.TotalRequestBytes,
		&summary.TotalResponseBytes,
		&totalMS,
		&cancelled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get batch %q: %w", id, ErrBatchNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %q: %w", id, err)
	}

	summary.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of batch %q: %w", id, err)
	}
	summary.TotalTime = time.Duration(totalMS) * time.Millisecond
	summary.Cancelled = cancelled != 0
	return &summary, nil
}

// ProviderCounts returns the number of stored request rows per provider key and status
func (s *SQLiteStore) ProviderCounts(ctx context.Context, batchID string) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT provider_key, status, COUNT(*)
	FROM batch_requests
	WHERE batch_id = ?
	GROUP BY provider_key, status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count requests of batch %q: %w", batchID, err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var (
			provider string
			status   string
			count    int
		)
		if err := rows.Scan(&provider, &status, &count); err != nil {
			return nil, fmt.Errorf("scan request counts: %w", err)
		}
		if counts[provider] == nil {
			counts[provider] = make(map[string]int)
		}
		counts[provider][status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS batches (
	    id TEXT PRIMARY KEY,
	    created_at TEXT NOT NULL,
	    total_requests INTEGER NOT NULL,
	    succeeded_requests INTEGER NOT NULL,
	    failed_requests INTEGER NOT NULL,
	    prompt_tokens INTEGER NOT NULL,
	    completion_tokens INTEGER NOT NULL,
	    request_bytes INTEGER NOT NULL,
	    response_bytes INTEGER NOT NULL,
	    total_time_ms INTEGER NOT NULL,
	    cancelled INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS batch_requests (
	    batch_id TEXT NOT NULL REFERENCES batches(id),
	    request_id TEXT NOT NULL,
	    request_index INTEGER NOT NULL,
	    provider_key TEXT NOT NULL,
	    status TEXT NOT NULL,
	    prompt_tokens INTEGER NOT NULL,
	    completion_tokens INTEGER NOT NULL,
	    request_bytes INTEGER NOT NULL,
	    response_bytes INTEGER NOT NULL,
	    latency_ms INTEGER NOT NULL,
	    error TEXT,
	    PRIMARY KEY (batch_id, request_index)
	);
	CREATE INDEX IF NOT EXISTS idx_batch_requests_provider ON batch_requests(batch_id, provider_key);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
