// Package session persists the per-persona conversation log: sessions,
// turns and regeneration candidates, with a TTL cache in front of the
// recent-history reads the assembler makes every turn.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"

	"personad/internal/database"
	"personad/internal/models"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrTurnNotFound    = errors.New("turn not found")
)

const (
	windowCacheTTL     = time.Minute
	windowCacheSweep   = 5 * time.Minute
	DefaultWindowTurns = 40
)

// Store is the SQLite-backed session log.
type Store struct {
	db    *database.DB
	cache *gocache.Cache
	log   *slog.Logger
}

func NewStore(db *database.DB, log *slog.Logger) *Store {
	return &Store{
		db:    db,
		cache: gocache.New(windowCacheTTL, windowCacheSweep),
		log:   log.With("component", "session"),
	}
}

// NewTurn builds an unsaved turn with a fresh ULID and a single candidate.
func (s *Store) NewTurn(role, authorID, authorName, content string) *models.Turn {
	now := time.Now().UTC()
	return &models.Turn{
		ID:        ulid.Make().String(),
		Role:      role,
		AuthorID:  authorID,
		Author:    authorName,
		Timestamp: now,
		Candidates: []models.Candidate{{
			ID:        ulid.Make().String(),
			Content:   content,
			CreatedAt: now,
		}},
	}
}

// CreateSession opens a new session for the persona. A non-empty greeting
// seeds the log with an initial assistant turn.
func (s *Store) CreateSession(ctx context.Context, key models.PersonaKey, title, greeting string) (*models.ChatSession, error) {
	now := time.Now().UTC()
	sess := &models.ChatSession{
		PersonaKey: key,
		ChatID:     uuid.NewString(),
		Title:      title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, server, channel, persona, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ChatID, key.Server, key.Channel, key.Name, title, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if greeting != "" {
		turn := s.NewTurn(models.RoleAssistant, "", key.Name, greeting)
		if err := s.Append(ctx, sess.ChatID, turn); err != nil {
			return nil, fmt.Errorf("seed greeting: %w", err)
		}
		sess.TurnCount = 1
	}
	return sess, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, chatID string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.server, s.channel, s.persona, s.title, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		 FROM chat_sessions s WHERE s.id = ?`, chatID)
	return scanSession(row)
}

// ListSessions returns every session of a persona, newest first.
func (s *Store) ListSessions(ctx context.Context, key models.PersonaKey) ([]models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.server, s.channel, s.persona, s.title, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		 FROM chat_sessions s
		 WHERE s.server = ? AND s.channel = ? AND s.persona = ?
		 ORDER BY s.updated_at DESC`,
		key.Server, key.Channel, key.Name)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// RenameSession updates a session title.
func (s *Store) RenameSession(ctx context.Context, chatID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session and, via cascade, its turns and candidates.
func (s *Store) DeleteSession(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.invalidate(chatID)
	return requireRow(res)
}

// Append writes a turn and its candidates in one transaction. A cancelled
// or failed append leaves the log untouched.
func (s *Store) Append(ctx context.Context, chatID string, turn *models.Turn) error {
	return s.AppendAll(ctx, chatID, turn)
}

// AppendAll writes several turns in one transaction so a failure mid-batch
// leaves no orphan turn behind.
func (s *Store) AppendAll(ctx context.Context, chatID string, turns ...*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, turn := range turns {
		if len(turn.Candidates) == 0 {
			return fmt.Errorf("turn %s has no candidates", turn.ID)
		}
		toolCalls := ""
		if len(turn.ToolCalls) > 0 {
			raw, err := json.Marshal(turn.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (id, session_id, role, author_id, author_name, reply_target_id, candidate_idx, tool_calls, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, chatID, turn.Role, turn.AuthorID, turn.Author, turn.ReplyTargetID,
			turn.CandidateIdx, toolCalls, turn.Timestamp); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		for i, c := range turn.Candidates {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO candidates (id, turn_id, idx, content, created_at) VALUES (?, ?, ?, ?, ?)`,
				c.ID, turn.ID, i, c.Content, c.CreatedAt); err != nil {
				return fmt.Errorf("insert candidate: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), chatID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	s.invalidate(chatID)
	return nil
}

// Regenerate adds a new candidate to an assistant turn and points the
// cursor at it.
func (s *Store) Regenerate(ctx context.Context, chatID, turnID, content string) (*models.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin regenerate: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candidates WHERE turn_id = ?`, turnID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count candidates: %w", err)
	}
	if count == 0 {
		return nil, ErrTurnNotFound
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO candidates (id, turn_id, idx, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		ulid.Make().String(), turnID, count, content, now); err != nil {
		return nil, fmt.Errorf("insert candidate: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE turns SET candidate_idx = ? WHERE id = ?`, count, turnID); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit regenerate: %w", err)
	}
	s.invalidate(chatID)
	return s.getTurn(ctx, turnID)
}

// CursorPrev moves the candidate cursor back one step.
func (s *Store) CursorPrev(ctx context.Context, chatID, turnID string) (*models.Turn, error) {
	return s.moveCursor(ctx, chatID, turnID, -1)
}

// CursorNext moves the candidate cursor forward one step.
func (s *Store) CursorNext(ctx context.Context, chatID, turnID string) (*models.Turn, error) {
	return s.moveCursor(ctx, chatID, turnID, +1)
}

func (s *Store) moveCursor(ctx context.Context, chatID, turnID string, delta int) (*models.Turn, error) {
	turn, err := s.getTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	idx := turn.CandidateIdx + delta
	if idx < 0 || idx >= len(turn.Candidates) {
		// Navigation clamps at the ends instead of failing.
		return turn, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE turns SET candidate_idx = ? WHERE id = ?`, idx, turnID); err != nil {
		return nil, fmt.Errorf("move cursor: %w", err)
	}
	turn.CandidateIdx = idx
	s.invalidate(chatID)
	return turn, nil
}

// RecentWindow returns the newest n turns, oldest first. Reads are cached
// per session until the next write.
func (s *Store) RecentWindow(ctx context.Context, chatID string, n int) ([]models.Turn, error) {
	if n <= 0 {
		n = DefaultWindowTurns
	}
	cacheKey := chatID + "#" + strconv.Itoa(n)
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.([]models.Turn), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, author_id, author_name, reply_target_id, candidate_idx, tool_calls, created_at
		 FROM turns WHERE session_id = ?
		 ORDER BY id DESC LIMIT ?`, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	defer rows.Close()

	var reversed []models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}

	turns := make([]models.Turn, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		turns = append(turns, reversed[i])
	}
	for i := range turns {
		if err := s.loadCandidates(ctx, &turns[i]); err != nil {
			return nil, err
		}
	}

	s.cache.Set(cacheKey, turns, gocache.DefaultExpiration)
	return turns, nil
}

// Truncate clears every turn of a session; the session itself survives.
func (s *Store) Truncate(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, chatID); err != nil {
		return fmt.Errorf("truncate session: %w", err)
	}
	s.invalidate(chatID)
	return nil
}

// DeleteOlderThan removes sessions idle past the cutoff. Used by the
// retention job.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.cache.Flush()
	}
	return n, nil
}

func (s *Store) getTurn(ctx context.Context, turnID string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, role, author_id, author_name, reply_target_id, candidate_idx, tool_calls, created_at
		 FROM turns WHERE id = ?`, turnID)
	turn, err := scanTurn(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadCandidates(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

func (s *Store) loadCandidates(ctx context.Context, turn *models.Turn) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM candidates WHERE turn_id = ? ORDER BY idx`, turn.ID)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}
	defer rows.Close()
	turn.Candidates = nil
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.ID, &c.Content, &c.CreatedAt); err != nil {
			return fmt.Errorf("scan candidate: %w", err)
		}
		turn.Candidates = append(turn.Candidates, c)
	}
	return rows.Err()
}

func (s *Store) invalidate(chatID string) {
	// Window keys embed the requested size; sweep every size for the chat.
	for key := range s.cache.Items() {
		if len(key) > len(chatID) && key[:len(chatID)] == chatID && key[len(chatID)] == '#' {
			s.cache.Delete(key)
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := row.Scan(&sess.ChatID, &sess.PersonaKey.Server, &sess.PersonaKey.Channel,
		&sess.PersonaKey.Name, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt, &sess.TurnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var turn models.Turn
	var toolCalls string
	err := row.Scan(&turn.ID, &turn.Role, &turn.AuthorID, &turn.Author,
		&turn.ReplyTargetID, &turn.CandidateIdx, &toolCalls, &turn.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	if toolCalls != "" {
		if err := json.Unmarshal([]byte(toolCalls), &turn.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return &turn, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
