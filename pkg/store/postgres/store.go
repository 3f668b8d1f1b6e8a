// Package postgres provides the PostgreSQL-backed implementation of
// store.SessionStore.
//
// All operations share a single [pgxpool.Pool]. [Migrate] installs the schema
// idempotently on startup.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/types"
)

var _ store.SessionStore = (*Store)(nil)

// defaultListLimit bounds unpaginated listings.
const defaultListLimit = 50

// Store is the PostgreSQL session store. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs the schema migration.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("postgres store: marshal config: %w", err)
	}
	const q = `
		INSERT INTO sessions
		    (id, user_id, title, description, status, config, created_at,
		     started_at, ended_at, duration_seconds, processing_errors, audio_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.pool.Exec(ctx, q,
		sess.ID, sess.UserID, sess.Title, sess.Description,
		string(sess.Status), cfg, sess.CreatedAt,
		sess.StartedAt, sess.EndedAt, sess.DurationSeconds,
		sess.ProcessingErrors, sess.AudioPath,
	)
	if err != nil {
		return wrapStorage("create session", err)
	}
	return nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	const q = `
		SELECT id, user_id, title, description, status, config, created_at,
		       started_at, ended_at, duration_seconds, processing_errors, audio_path
		FROM   sessions
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.SessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, wrapStorage("get session", err)
	}
	return sess, nil
}

// UpdateSession implements store.SessionStore.
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("postgres store: marshal config: %w", err)
	}
	const q = `
		UPDATE sessions
		SET    user_id = $2, title = $3, description = $4, status = $5,
		       config = $6, started_at = $7, ended_at = $8,
		       duration_seconds = $9, processing_errors = $10, audio_path = $11
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q,
		sess.ID, sess.UserID, sess.Title, sess.Description, string(sess.Status),
		cfg, sess.StartedAt, sess.EndedAt,
		sess.DurationSeconds, sess.ProcessingErrors, sess.AudioPath,
	)
	if err != nil {
		return wrapStorage("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.SessionNotFound, "session %s not found", sess.ID)
	}
	return nil
}

// DeleteSession implements store.SessionStore. Dependent rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return wrapStorage("delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.SessionNotFound, "session %s not found", id)
	}
	return nil
}

// ListSessions implements store.SessionStore.
func (s *Store) ListSessions(ctx context.Context, opts store.ListOpts) ([]*types.Session, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"TRUE"}
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = "+next(opts.UserID))
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = "+next(string(opts.Status)))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := "SELECT id, user_id, title, description, status, config, created_at,\n" +
		"       started_at, ended_at, duration_seconds, processing_errors, audio_path\n" +
		"FROM   sessions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at DESC\n" +
		"LIMIT  " + next(limit) + " OFFSET " + next(opts.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("list sessions", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, wrapStorage("scan sessions", err)
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	return sessions, nil
}

// AppendFeedback implements store.SessionStore.
func (s *Store) AppendFeedback(ctx context.Context, sessionID string, items []types.FeedbackItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO feedback_items
		    (id, session_id, type, severity, message, suggestion, confidence, source, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, item := range items {
		batch.Queue(q,
			item.ID, sessionID, string(item.Type), string(item.Severity),
			item.Message, item.Suggestion, item.Confidence,
			string(item.Source), item.ProducedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return wrapStorage("append feedback", err)
	}
	return nil
}

// ListFeedback implements store.SessionStore.
func (s *Store) ListFeedback(ctx context.Context, sessionID string, limit int) ([]types.FeedbackItem, error) {
	q := `
		SELECT id, type, severity, message, suggestion, confidence, source, produced_at
		FROM   feedback_items
		WHERE  session_id = $1
		ORDER  BY produced_at`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("list feedback", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.FeedbackItem, error) {
		var (
			item          types.FeedbackItem
			typ, sev, src string
		)
		if err := row.Scan(&item.ID, &typ, &sev, &item.Message,
			&item.Suggestion, &item.Confidence, &src, &item.ProducedAt); err != nil {
			return types.FeedbackItem{}, err
		}
		item.Type = types.FeedbackType(typ)
		item.Severity = types.Severity(sev)
		item.Source = types.FeedbackSource(src)
		return item, nil
	})
	if err != nil {
		return nil, wrapStorage("scan feedback", err)
	}
	if items == nil {
		items = []types.FeedbackItem{}
	}
	return items, nil
}

// SaveAudio implements store.SessionStore. The blob lives in the database;
// the returned path is stable and unique per call.
func (s *Store) SaveAudio(ctx context.Context, sessionID string, data []byte, ext string) (string, error) {
	path := fmt.Sprintf("pg://audio/%s/%d%s", sessionID, len(data), ext)
	const q = `
		INSERT INTO audio_blobs (path, session_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`

	if _, err := s.pool.Exec(ctx, q, path, sessionID, data); err != nil {
		return "", wrapStorage("save audio", err)
	}
	return path, nil
}

// SaveSummary implements store.SessionStore.
func (s *Store) SaveSummary(ctx context.Context, sessionID string, summary *types.SessionSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("postgres store: marshal summary: %w", err)
	}
	const q = `
		INSERT INTO session_summaries (session_id, summary)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET summary = EXCLUDED.summary`

	if _, err := s.pool.Exec(ctx, q, sessionID, payload); err != nil {
		return wrapStorage("save summary", err)
	}
	return nil
}

// GetSummary implements store.SessionStore.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT summary FROM session_summaries WHERE session_id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.SessionNotFound, "no summary for session %s", sessionID)
	}
	if err != nil {
		return nil, wrapStorage("get summary", err)
	}
	var summary types.SessionSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fault.Wrap(fault.DataIntegrity, "corrupt stored summary", err)
	}
	return &summary, nil
}

// scanSession reads one sessions row.
func scanSession(row pgx.Row) (*types.Session, error) {
	var (
		sess   types.Session
		status string
		cfg    []byte
	)
	if err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.Description, &status, &cfg,
		&sess.CreatedAt, &sess.StartedAt, &sess.EndedAt,
		&sess.DurationSeconds, &sess.ProcessingErrors, &sess.AudioPath,
	); err != nil {
		return nil, err
	}
	sess.Status = types.SessionStatus(status)
	if err := json.Unmarshal(cfg, &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &sess, nil
}

func wrapStorage(op string, err error) error {
	return fault.Wrap(fault.StorageUnavailable, "postgres store: "+op, err)
}
