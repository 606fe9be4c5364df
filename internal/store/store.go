// Package store is the durable, transactional sink for QueryRecord,
// ResponseRecord, and OptimizationNote, backed by modernc.org/sqlite with
// schema migrations managed by goose.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/npratt/sidecar/internal/events"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("store: already closed")

// Config configures a Store.
type Config struct {
	// Path is the sqlite file path, or ":memory:" for an ephemeral store.
	// Nothing selects the in-memory store automatically; WRAPPER_TEST_MODE
	// is not read anywhere.
	Path string
	// BusyTimeoutMs bounds how long a writer waits on a lock before
	// sqlite returns SQLITE_BUSY.
	BusyTimeoutMs int
}

// Store is the transactional sink and read-query facility for the pipeline.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Open opens (creating if absent) the sqlite file at cfg.Path, applies
// pending goose migrations, and enables write-ahead journaling with the
// configured busy timeout. Concurrent readers then do not error immediately
// against an in-progress writer.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeoutMs <= 0 {
		cfg.BusyTimeoutMs = 5000
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveQuery inserts a single QueryRecord. A missing TokenCount never blocks
// persistence.
func (s *Store) SaveQuery(ctx context.Context, q events.QueryRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, session_id, timestamp_ms, text, model, category, complexity, token_count, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.SessionID, q.TimestampMs, q.Text, q.Model, q.Category, complexityStr(q.Complexity), q.TokenCount, q.MetadataJSON)
	if err != nil {
		return fmt.Errorf("store: save query: %w", err)
	}
	return nil
}

// SaveResponse inserts a single ResponseRecord. QueryID is not validated
// against an existing QueryRecord: orphan responses are permitted.
func (s *Store) SaveResponse(ctx context.Context, r events.ResponseRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (id, query_id, session_id, timestamp_ms, text, model, input_tokens, output_tokens, latency_ms, finish_reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.QueryID, r.SessionID, r.TimestampMs, r.Text, r.Model, r.InputTokens, r.OutputTokens, r.LatencyMs, r.FinishReason, r.Error)
	if err != nil {
		return fmt.Errorf("store: save response: %w", err)
	}
	return nil
}

// SaveOptimization inserts a single OptimizationNote.
func (s *Store) SaveOptimization(ctx context.Context, n events.OptimizationNote) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO optimizations (query_id, suggestion, alternative_model, estimated_savings, confidence)
		VALUES (?, ?, ?, ?, ?)`,
		n.QueryID, n.Suggestion, n.AlternativeModel, n.EstimatedSavings, string(n.Confidence))
	if err != nil {
		return fmt.Errorf("store: save optimization: %w", err)
	}
	return nil
}

// SaveBatch persists records in a single transaction, dispatching each by
// its discriminated kind.
func (s *Store) SaveBatch(ctx context.Context, records []events.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		switch {
		case rec.Query != nil:
			q := rec.Query
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queries (id, session_id, timestamp_ms, text, model, category, complexity, token_count, metadata_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, q.SessionID, q.TimestampMs, q.Text, q.Model, q.Category, complexityStr(q.Complexity), q.TokenCount, q.MetadataJSON); err != nil {
				return fmt.Errorf("store: batch save query %s: %w", q.ID, err)
			}
		case rec.Response != nil:
			r := rec.Response
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO responses (id, query_id, session_id, timestamp_ms, text, model, input_tokens, output_tokens, latency_ms, finish_reason, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.QueryID, r.SessionID, r.TimestampMs, r.Text, r.Model, r.InputTokens, r.OutputTokens, r.LatencyMs, r.FinishReason, r.Error); err != nil {
				return fmt.Errorf("store: batch save response %s: %w", r.ID, err)
			}
		case rec.Optimization != nil:
			n := rec.Optimization
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO optimizations (query_id, suggestion, alternative_model, estimated_savings, confidence)
				VALUES (?, ?, ?, ?, ?)`,
				n.QueryID, n.Suggestion, n.AlternativeModel, n.EstimatedSavings, string(n.Confidence)); err != nil {
				return fmt.Errorf("store: batch save optimization for %s: %w", n.QueryID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// GetQuery retrieves a QueryRecord by id.
func (s *Store) GetQuery(ctx context.Context, id string) (events.QueryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return events.QueryRecord{}, ErrClosed
	}

	var q events.QueryRecord
	var complexity sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, timestamp_ms, text, model, category, complexity, token_count, metadata_json
		FROM queries WHERE id = ?`, id)
	if err := row.Scan(&q.ID, &q.SessionID, &q.TimestampMs, &q.Text, &q.Model, &q.Category, &complexity, &q.TokenCount, &q.MetadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return events.QueryRecord{}, fmt.Errorf("store: query %s: %w", id, err)
		}
		return events.QueryRecord{}, fmt.Errorf("store: get query: %w", err)
	}
	if complexity.Valid {
		c := events.Complexity(complexity.String)
		q.Complexity = &c
	}
	return q, nil
}

// GetResponse retrieves the first ResponseRecord persisted for queryID.
func (s *Store) GetResponse(ctx context.Context, queryID string) (events.ResponseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return events.ResponseRecord{}, ErrClosed
	}

	var r events.ResponseRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query_id, session_id, timestamp_ms, text, model, input_tokens, output_tokens, latency_ms, finish_reason, error
		FROM responses WHERE query_id = ? ORDER BY timestamp_ms ASC LIMIT 1`, queryID)
	if err := row.Scan(&r.ID, &r.QueryID, &r.SessionID, &r.TimestampMs, &r.Text, &r.Model, &r.InputTokens, &r.OutputTokens, &r.LatencyMs, &r.FinishReason, &r.Error); err != nil {
		return events.ResponseRecord{}, fmt.Errorf("store: get response: %w", err)
	}
	return r, nil
}

// GetSessionQueries retrieves every QueryRecord for sessionID, ordered by
// timestamp.
func (s *Store) GetSessionQueries(ctx context.Context, sessionID string) ([]events.QueryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp_ms, text, model, category, complexity, token_count, metadata_json
		FROM queries WHERE session_id = ? ORDER BY timestamp_ms ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get session queries: %w", err)
	}
	defer rows.Close()

	var out []events.QueryRecord
	for rows.Next() {
		var q events.QueryRecord
		var complexity sql.NullString
		if err := rows.Scan(&q.ID, &q.SessionID, &q.TimestampMs, &q.Text, &q.Model, &q.Category, &complexity, &q.TokenCount, &q.MetadataJSON); err != nil {
			return nil, fmt.Errorf("store: scan session query: %w", err)
		}
		if complexity.Valid {
			c := events.Complexity(complexity.String)
			q.Complexity = &c
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Stats is the aggregate read-query result for a time window.
type Stats struct {
	TotalQueries    int64
	TotalTokens     int64
	AvgLatencyMs    float64
	CategoryCounts  map[string]int64
	ModelCounts     map[string]int64
	ErrorRate       float64
}

// StatsWindow bounds a Stats query; zero values mean unbounded.
type StatsWindow struct {
	Start int64
	End   int64
}

// Stats computes aggregate statistics over the given window.
func (s *Store) Stats(ctx context.Context, window StatsWindow) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	where, args := windowClause("timestamp_ms", window)

	var out Stats
	var totalTokens sql.NullInt64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM queries %s`, where), args...)
	if err := row.Scan(&out.TotalQueries, &totalTokens); err != nil {
		return Stats{}, fmt.Errorf("store: stats totals: %w", err)
	}
	out.TotalTokens = totalTokens.Int64

	categoryRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(category, ''), COUNT(*) FROM queries %s GROUP BY category`, where), args...)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats categories: %w", err)
	}
	out.CategoryCounts = map[string]int64{}
	for categoryRows.Next() {
		var cat string
		var count int64
		if err := categoryRows.Scan(&cat, &count); err != nil {
			categoryRows.Close()
			return Stats{}, fmt.Errorf("store: scan category stats: %w", err)
		}
		out.CategoryCounts[cat] = count
	}
	categoryRows.Close()

	modelRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT model, COUNT(*) FROM queries %s GROUP BY model`, where), args...)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats models: %w", err)
	}
	out.ModelCounts = map[string]int64{}
	for modelRows.Next() {
		var model string
		var count int64
		if err := modelRows.Scan(&model, &count); err != nil {
			modelRows.Close()
			return Stats{}, fmt.Errorf("store: scan model stats: %w", err)
		}
		out.ModelCounts[model] = count
	}
	modelRows.Close()

	respWhere, respArgs := windowClause("timestamp_ms", window)
	var avgLatency sql.NullFloat64
	var totalResponses, errorResponses int64
	row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(AVG(latency_ms), 0),
		       SUM(CASE WHEN error IS NOT NULL AND error != '' THEN 1 ELSE 0 END)
		FROM responses %s`, respWhere), respArgs...)
	if err := row.Scan(&totalResponses, &avgLatency, &errorResponses); err != nil {
		return Stats{}, fmt.Errorf("store: stats responses: %w", err)
	}
	out.AvgLatencyMs = avgLatency.Float64
	if out.TotalQueries > 0 {
		out.ErrorRate = float64(errorResponses) / float64(out.TotalQueries)
	}

	return out, nil
}

func windowClause(col string, w StatsWindow) (string, []any) {
	var clauses []string
	var args []any
	if w.Start > 0 {
		clauses = append(clauses, fmt.Sprintf("%s >= ?", col))
		args = append(args, w.Start)
	}
	if w.End > 0 {
		clauses = append(clauses, fmt.Sprintf("%s <= ?", col))
		args = append(args, w.End)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	clause := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		clause += " AND " + c
	}
	return clause, args
}

func complexityStr(c *events.Complexity) any {
	if c == nil {
		return nil
	}
	return string(*c)
}

// marshalMetadata is a convenience used by callers assembling a QueryRecord
// from a structured metadata value.
func marshalMetadata(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}

// MarshalMetadata exposes marshalMetadata for callers outside the package.
func MarshalMetadata(v any) (*string, error) { return marshalMetadata(v) }

// DB exposes the underlying *sql.DB for the analytics package's read-only
// attach helper. It must not be used for writes outside Store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close idempotently closes the database connection. A second Close call,
// or an error from the underlying close, never propagates: callers treat
// Close as best-effort.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.db.Close()
	return nil
}
