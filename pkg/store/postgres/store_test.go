package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/store/postgres"
	"github.com/prestance-ai/prestance/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PRESTANCE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PRESTANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PRESTANCE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and
// registers cleanup to close it when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, table := range []string{"session_summaries", "audio_blobs", "feedback_items", "sessions"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testSession(id string) *types.Session {
	return &types.Session{
		ID:        id,
		UserID:    "u1",
		Title:     "rehearsal",
		Status:    types.StatusActive,
		Config:    types.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "u1" || got.Title != "rehearsal" {
		t.Errorf("got %+v", got)
	}
	if got.Config.Language != types.LangFrench {
		t.Errorf("config language = %s, JSONB round trip broken", got.Config.Language)
	}

	sess.Status = types.StatusCompleted
	ended := time.Now().UTC().Truncate(time.Microsecond)
	sess.EndedAt = &ended
	sess.DurationSeconds = 42.5
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	updated, _ := s.GetSession(ctx, "s1")
	if updated.Status != types.StatusCompleted || updated.EndedAt == nil {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := s.GetSession(ctx, "nope"); !fault.IsKind(err, fault.SessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
	if err := s.UpdateSession(ctx, testSession("nope")); !fault.IsKind(err, fault.SessionNotFound) {
		t.Errorf("update missing err = %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		sess := testSession(id)
		sess.CreatedAt = sess.CreatedAt.Add(time.Duration(i) * time.Second)
		if id == "b" {
			sess.UserID = "u2"
		}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
	}

	all, err := s.ListSessions(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("all = %d sessions, first %s", len(all), all[0].ID)
	}

	u1, err := s.ListSessions(ctx, store.ListOpts{UserID: "u1", Limit: 1})
	if err != nil {
		t.Fatalf("ListSessions filtered: %v", err)
	}
	if len(u1) != 1 || u1[0].UserID != "u1" {
		t.Errorf("u1 = %+v", u1)
	}
}

func TestFeedbackCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	items := []types.FeedbackItem{
		{ID: "f1", Type: types.FeedbackPace, Severity: types.SeverityWarning,
			Message: "slow down", Source: types.SourceRule,
			ProducedAt: time.Now().UTC().Truncate(time.Microsecond)},
	}
	if err := s.AppendFeedback(ctx, "s1", items); err != nil {
		t.Fatalf("AppendFeedback: %v", err)
	}
	got, err := s.ListFeedback(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(got) != 1 || got[0].Type != types.FeedbackPace {
		t.Errorf("feedback = %+v", got)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	remaining, err := s.ListFeedback(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListFeedback after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("feedback survived cascade: %+v", remaining)
	}
}

func TestAudioAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	path, err := s.SaveAudio(ctx, "s1", []byte{1, 2, 3, 4}, ".wav")
	if err != nil {
		t.Fatalf("SaveAudio: %v", err)
	}
	if path == "" {
		t.Error("empty audio path")
	}

	summary := &types.SessionSummary{SessionID: "s1", ChunksProcessed: 12, ProcessingEfficiency: 0.9}
	if err := s.SaveSummary(ctx, "s1", summary); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	// Upsert overwrites.
	summary.ChunksProcessed = 13
	if err := s.SaveSummary(ctx, "s1", summary); err != nil {
		t.Fatalf("SaveSummary upsert: %v", err)
	}
	got, err := s.GetSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.ChunksProcessed != 13 {
		t.Errorf("chunks = %d, want 13", got.ChunksProcessed)
	}

	if _, err := s.GetSummary(ctx, "missing"); !fault.IsKind(err, fault.SessionNotFound) {
		t.Errorf("missing summary err = %v", err)
	}
}
