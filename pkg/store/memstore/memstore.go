// Package memstore provides an in-memory store.SessionStore for tests and
// single-node development. Data does not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/types"
)

var _ store.SessionStore = (*Store)(nil)

const defaultListLimit = 50

// Store is the in-memory session store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*types.Session
	feedback  map[string][]types.FeedbackItem
	audio     map[string][]byte
	summaries map[string]*types.SessionSummary
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*types.Session),
		feedback:  make(map[string][]types.FeedbackItem),
		audio:     make(map[string][]byte),
		summaries: make(map[string]*types.SessionSummary),
	}
}

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fault.Newf(fault.ValidationError, "session %s already exists", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(_ context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fault.Newf(fault.SessionNotFound, "session %s not found", id)
	}
	cp := *sess
	return &cp, nil
}

// UpdateSession implements store.SessionStore.
func (s *Store) UpdateSession(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fault.Newf(fault.SessionNotFound, "session %s not found", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// DeleteSession implements store.SessionStore.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fault.Newf(fault.SessionNotFound, "session %s not found", id)
	}
	delete(s.sessions, id)
	delete(s.feedback, id)
	delete(s.summaries, id)
	for path := range s.audio {
		if pathSession(path) == id {
			delete(s.audio, path)
		}
	}
	return nil
}

// ListSessions implements store.SessionStore.
func (s *Store) ListSessions(_ context.Context, opts store.ListOpts) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if opts.UserID != "" && sess.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*types.Session{}, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendFeedback implements store.SessionStore.
func (s *Store) AppendFeedback(_ context.Context, sessionID string, items []types.FeedbackItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[sessionID] = append(s.feedback[sessionID], items...)
	return nil
}

// ListFeedback implements store.SessionStore.
func (s *Store) ListFeedback(_ context.Context, sessionID string, limit int) ([]types.FeedbackItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.feedback[sessionID]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]types.FeedbackItem, len(items))
	copy(out, items)
	return out, nil
}

// SaveAudio implements store.SessionStore.
func (s *Store) SaveAudio(_ context.Context, sessionID string, data []byte, ext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := fmt.Sprintf("mem://audio/%s/%d%s", sessionID, len(s.audio), ext)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.audio[path] = cp
	return path, nil
}

// GetAudio returns a stored audio blob by path.
func (s *Store) GetAudio(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.audio[path]
	return data, ok
}

// SaveSummary implements store.SessionStore.
func (s *Store) SaveSummary(_ context.Context, sessionID string, summary *types.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *summary
	s.summaries[sessionID] = &cp
	return nil
}

// GetSummary implements store.SessionStore.
func (s *Store) GetSummary(_ context.Context, sessionID string) (*types.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[sessionID]
	if !ok {
		return nil, fault.Newf(fault.SessionNotFound, "no summary for session %s", sessionID)
	}
	cp := *summary
	return &cp, nil
}

// pathSession extracts the session ID from a mem:// audio path.
func pathSession(path string) string {
	rest, ok := strings.CutPrefix(path, "mem://audio/")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
