package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/types"
)

func newSession(id, user string, status types.SessionStatus, created time.Time) *types.Session {
	return &types.Session{
		ID:        id,
		UserID:    user,
		Status:    status,
		Config:    types.DefaultSessionConfig(),
		CreatedAt: created,
	}
}

func TestSessionCRUD(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now()

	sess := newSession("s1", "u1", types.StatusActive, now)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, sess); err == nil {
		t.Error("duplicate CreateSession should fail")
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("user = %s", got.UserID)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = types.StatusCompleted
	again, _ := s.GetSession(ctx, "s1")
	if again.Status != types.StatusActive {
		t.Error("GetSession returned a shared pointer")
	}

	sess.Status = types.StatusPaused
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	updated, _ := s.GetSession(ctx, "s1")
	if updated.Status != types.StatusPaused {
		t.Errorf("status = %s, want paused", updated.Status)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !fault.IsKind(err, fault.SessionNotFound) {
		t.Errorf("err = %v, want SESSION_NOT_FOUND", err)
	}
	if err := s.DeleteSession(ctx, "s1"); !fault.IsKind(err, fault.SessionNotFound) {
		t.Errorf("double delete err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestListSessionsFiltersAndPagination(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now()

	for i, spec := range []struct {
		id     string
		user   string
		status types.SessionStatus
	}{
		{"a", "u1", types.StatusActive},
		{"b", "u1", types.StatusCompleted},
		{"c", "u2", types.StatusActive},
		{"d", "u1", types.StatusActive},
	} {
		sess := newSession(spec.id, spec.user, spec.status, base.Add(time.Duration(i)*time.Second))
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession %s: %v", spec.id, err)
		}
	}

	all, err := s.ListSessions(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d sessions, want 4", len(all))
	}
	if all[0].ID != "d" {
		t.Errorf("first = %s, want newest (d)", all[0].ID)
	}

	u1Active, err := s.ListSessions(ctx, store.ListOpts{UserID: "u1", Status: types.StatusActive})
	if err != nil {
		t.Fatalf("ListSessions filtered: %v", err)
	}
	if len(u1Active) != 2 {
		t.Errorf("u1 active = %d, want 2", len(u1Active))
	}

	page, err := s.ListSessions(ctx, store.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListSessions paged: %v", err)
	}
	if len(page) != 2 || page[0].ID != "c" {
		t.Errorf("page = %v", ids(page))
	}

	empty, err := s.ListSessions(ctx, store.ListOpts{Offset: 10})
	if err != nil || len(empty) != 0 {
		t.Errorf("past-end page = %v, err %v", ids(empty), err)
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreateSession(ctx, newSession("s1", "u1", types.StatusActive, time.Now())); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	items := []types.FeedbackItem{
		{ID: "f1", Type: types.FeedbackPace, Severity: types.SeverityWarning, Message: "slow down"},
		{ID: "f2", Type: types.FeedbackVolume, Severity: types.SeverityInfo, Message: "steady"},
	}
	if err := s.AppendFeedback(ctx, "s1", items); err != nil {
		t.Fatalf("AppendFeedback: %v", err)
	}

	got, err := s.ListFeedback(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(got) != 2 || got[0].ID != "f1" {
		t.Errorf("feedback = %+v", got)
	}

	limited, _ := s.ListFeedback(ctx, "s1", 1)
	if len(limited) != 1 {
		t.Errorf("limited = %d items, want 1", len(limited))
	}
}

func TestAudioAndSummary(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreateSession(ctx, newSession("s1", "u1", types.StatusActive, time.Now())); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	path, err := s.SaveAudio(ctx, "s1", []byte{1, 2, 3}, ".wav")
	if err != nil {
		t.Fatalf("SaveAudio: %v", err)
	}
	if data, ok := s.GetAudio(path); !ok || len(data) != 3 {
		t.Errorf("GetAudio(%s) = %v, %t", path, data, ok)
	}

	summary := &types.SessionSummary{SessionID: "s1", ChunksProcessed: 7}
	if err := s.SaveSummary(ctx, "s1", summary); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	got, err := s.GetSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.ChunksProcessed != 7 {
		t.Errorf("chunks = %d", got.ChunksProcessed)
	}

	if _, err := s.GetSummary(ctx, "missing"); !fault.IsKind(err, fault.SessionNotFound) {
		t.Errorf("missing summary err = %v", err)
	}

	// Deleting the session removes dependents.
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok := s.GetAudio(path); ok {
		t.Error("audio blob survived session delete")
	}
	if _, err := s.GetSummary(ctx, "s1"); err == nil {
		t.Error("summary survived session delete")
	}
}

func ids(sessions []*types.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
