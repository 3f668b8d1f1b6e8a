// Package store defines the session persistence interface used by the server.
//
// Implementations must be safe for concurrent use. Two backends ship with the
// server: pkg/store/postgres for production and pkg/store/memstore for tests
// and single-node development.
package store

import (
	"context"

	"github.com/prestance-ai/prestance/pkg/types"
)

// ListOpts configures a session listing. All non-zero fields are applied as
// AND conditions; results are ordered by creation time, newest first.
type ListOpts struct {
	// UserID restricts the listing to one user's sessions.
	UserID string

	// Status restricts the listing to sessions in the given lifecycle state.
	Status types.SessionStatus

	// Limit caps the number of results. A value of 0 applies the
	// implementation default.
	Limit int

	// Offset skips this many results for pagination.
	Offset int
}

// SessionStore persists sessions, their feedback history, audio blobs, and
// final summaries.
//
// Lookups for unknown session IDs return a fault.SessionNotFound error.
type SessionStore interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, s *types.Session) error

	// GetSession returns the session with the given ID.
	GetSession(ctx context.Context, id string) (*types.Session, error)

	// UpdateSession overwrites the stored record for s.ID.
	UpdateSession(ctx context.Context, s *types.Session) error

	// DeleteSession removes the session and all dependent records.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns sessions matching opts, newest first.
	ListSessions(ctx context.Context, opts ListOpts) ([]*types.Session, error)

	// AppendFeedback stores feedback items produced for the session.
	AppendFeedback(ctx context.Context, sessionID string, items []types.FeedbackItem) error

	// ListFeedback returns the session's feedback, oldest first. limit 0
	// returns everything.
	ListFeedback(ctx context.Context, sessionID string, limit int) ([]types.FeedbackItem, error)

	// SaveAudio persists a raw audio blob for the session and returns its
	// storage path.
	SaveAudio(ctx context.Context, sessionID string, data []byte, ext string) (string, error)

	// SaveSummary stores the end-of-session summary.
	SaveSummary(ctx context.Context, sessionID string, summary *types.SessionSummary) error

	// GetSummary returns the stored summary for the session.
	GetSummary(ctx context.Context, sessionID string) (*types.SessionSummary, error)
}
