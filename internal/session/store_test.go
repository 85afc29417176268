package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"personad/internal/database"
	"personad/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("initialize schema: %v", err)
	}
	return NewStore(db, slog.Default())
}

var testKey = models.PersonaKey{Server: "s1", Channel: "c1", Name: "Aria"}

func TestCreateAndListSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, testKey, "main", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession(ctx, testKey, "side story", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// a different persona's sessions must not leak in
	other := models.PersonaKey{Server: "s1", Channel: "c1", Name: "Borin"}
	if _, err := s.CreateSession(ctx, other, "unrelated", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions, err := s.ListSessions(ctx, testKey)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("want 2 sessions, got %d", len(sessions))
	}

	got, err := s.GetSession(ctx, first.ChatID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "main" || got.PersonaKey != testKey {
		t.Errorf("bad session: %+v", got)
	}
}

func TestGreetingSeedsSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, testKey, "", "Hello, traveler!")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	turns, err := s.RecentWindow(ctx, sess.ChatID, 10)
	if err != nil {
		t.Fatalf("RecentWindow: %v", err)
	}
	if len(turns) != 1 || turns[0].Role != models.RoleAssistant || turns[0].Text() != "Hello, traveler!" {
		t.Fatalf("greeting not seeded: %+v", turns)
	}
}

func TestAppendAndWindowOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "", "")

	for i := 0; i < 5; i++ {
		turn := s.NewTurn(models.RoleUser, "u1", "Sam", fmt.Sprintf("message %d", i))
		if err := s.Append(ctx, sess.ChatID, turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	turns, err := s.RecentWindow(ctx, sess.ChatID, 3)
	if err != nil {
		t.Fatalf("RecentWindow: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("want 3 turns, got %d", len(turns))
	}
	// oldest first within the window
	for i, want := range []string{"message 2", "message 3", "message 4"} {
		if turns[i].Text() != want {
			t.Errorf("turn %d: got %q, want %q", i, turns[i].Text(), want)
		}
	}
}

func TestWindowCacheInvalidatedOnWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "", "")

	s.Append(ctx, sess.ChatID, s.NewTurn(models.RoleUser, "u1", "Sam", "first"))
	if turns, _ := s.RecentWindow(ctx, sess.ChatID, 10); len(turns) != 1 {
		t.Fatalf("want 1 turn, got %d", len(turns))
	}
	s.Append(ctx, sess.ChatID, s.NewTurn(models.RoleUser, "u1", "Sam", "second"))
	turns, err := s.RecentWindow(ctx, sess.ChatID, 10)
	if err != nil {
		t.Fatalf("RecentWindow: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("stale cache after write: %d turns", len(turns))
	}
}

func TestRegenerateAdvancesCursor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "", "")

	turn := s.NewTurn(models.RoleAssistant, "", "Aria", "take one")
	if err := s.Append(ctx, sess.ChatID, turn); err != nil {
		t.Fatalf("Append: %v", err)
	}

	regen, err := s.Regenerate(ctx, sess.ChatID, turn.ID, "take two")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if len(regen.Candidates) != 2 || regen.CandidateIdx != 1 || regen.Text() != "take two" {
		t.Fatalf("bad regeneration: %+v", regen)
	}

	// history keeps the first candidate; the window shows the current one
	turns, _ := s.RecentWindow(ctx, sess.ChatID, 10)
	if turns[0].Text() != "take two" {
		t.Errorf("window shows %q", turns[0].Text())
	}
	if turns[0].Candidates[0].Content != "take one" {
		t.Errorf("original candidate lost: %+v", turns[0].Candidates)
	}
}

func TestCursorNavigationClampsAtEnds(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "", "")

	turn := s.NewTurn(models.RoleAssistant, "", "Aria", "v1")
	s.Append(ctx, sess.ChatID, turn)
	s.Regenerate(ctx, sess.ChatID, turn.ID, "v2")
	s.Regenerate(ctx, sess.ChatID, turn.ID, "v3")

	back, err := s.CursorPrev(ctx, sess.ChatID, turn.ID)
	if err != nil {
		t.Fatalf("CursorPrev: %v", err)
	}
	if back.Text() != "v2" {
		t.Errorf("got %q, want v2", back.Text())
	}

	back, _ = s.CursorPrev(ctx, sess.ChatID, turn.ID)
	if back.Text() != "v1" {
		t.Errorf("got %q, want v1", back.Text())
	}
	// already at the oldest candidate: stay put
	back, _ = s.CursorPrev(ctx, sess.ChatID, turn.ID)
	if back.Text() != "v1" {
		t.Errorf("cursor ran past the start: %q", back.Text())
	}

	fwd, _ := s.CursorNext(ctx, sess.ChatID, turn.ID)
	if fwd.Text() != "v2" {
		t.Errorf("got %q, want v2", fwd.Text())
	}
}

func TestTruncateClearsTurnsKeepsSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "keep me", "")
	s.Append(ctx, sess.ChatID, s.NewTurn(models.RoleUser, "u1", "Sam", "hello"))

	if err := s.Truncate(ctx, sess.ChatID); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	turns, _ := s.RecentWindow(ctx, sess.ChatID, 10)
	if len(turns) != 0 {
		t.Errorf("turns survived truncate: %d", len(turns))
	}
	got, err := s.GetSession(ctx, sess.ChatID)
	if err != nil || got.Title != "keep me" {
		t.Errorf("session should survive truncate: %v %v", got, err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "", "")
	turn := s.NewTurn(models.RoleUser, "u1", "Sam", "hello")
	s.Append(ctx, sess.ChatID, turn)

	if err := s.DeleteSession(ctx, sess.ChatID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ChatID); err != ErrSessionNotFound {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}
	if _, err := s.getTurn(ctx, turn.ID); err != ErrTurnNotFound {
		t.Errorf("turn should cascade-delete, got %v", err)
	}
}

func TestRenameSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "old", "")
	if err := s.RenameSession(ctx, sess.ChatID, "new"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	got, _ := s.GetSession(ctx, sess.ChatID)
	if got.Title != "new" {
		t.Errorf("title is %q", got.Title)
	}
	if err := s.RenameSession(ctx, "missing-id", "x"); err != ErrSessionNotFound {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}
}

func TestToolCallsPersist(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, testKey, "", "")

	turn := s.NewTurn(models.RoleAssistant, "", "Aria", "checked the stats")
	turn.ToolCalls = []models.ToolCall{{
		ID: "call_1", Name: "get_server_stats", Arguments: "{}", Result: "Server Testland: 120 members",
	}}
	if err := s.Append(ctx, sess.ChatID, turn); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, _ := s.RecentWindow(ctx, sess.ChatID, 10)
	if len(turns[0].ToolCalls) != 1 || turns[0].ToolCalls[0].Name != "get_server_stats" {
		t.Fatalf("tool calls lost: %+v", turns[0].ToolCalls)
	}
}

func TestRetentionDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.CreateSession(ctx, testKey, "", ""); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 deleted, got %d", n)
	}
}
