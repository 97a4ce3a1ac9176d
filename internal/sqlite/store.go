// Package sqlite is the single-file durable store used in development and small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/pagination"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	nickname TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	sender_id   INTEGER NOT NULL REFERENCES users(id),
	receiver_id INTEGER NOT NULL REFERENCES users(id),
	conv_low    INTEGER NOT NULL,
	conv_high   INTEGER NOT NULL,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx
	ON messages (conv_low, conv_high, created_at DESC, id DESC);
`

// Store implements the message, identity and session surfaces on one SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := "file:" + clean + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time keeps per-conversation append order and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Append(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatMessage{}, err
	}
	conv := msg.Conversation()
	createdAt := s.now().UTC().Truncate(time.Microsecond)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, conv_low, conv_high, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, int64(msg.Sender), int64(msg.Receiver), int64(conv.Low), int64(conv.High), msg.Content, toMicros(createdAt))
	if err != nil {
		return domain.ChatMessage{}, mapSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		msg.Timestamp = createdAt
		msg.Status = ""
		return msg, nil
	}

	existing, err := s.messageByID(ctx, msg.ID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if existing.Sender != msg.Sender || existing.Receiver != msg.Receiver {
		return domain.ChatMessage{}, fmt.Errorf("message %s: %w", msg.ID, domain.ErrConflict)
	}

	return existing, nil
}

func (s *Store) messageByID(ctx context.Context, id string) (domain.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, receiver_id, content, created_at FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatMessage{}, domain.ErrNotFound
	}

	return m, err
}

func (s *Store) Conversation(ctx context.Context, conv domain.Conversation, before string, limit int) ([]domain.ChatMessage, string, error) {
	limit = pagination.ClampLimit(limit)
	cur, err := pagination.DecodeCursor(before)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE conv_low = ? AND conv_high = ?`
	args := []any{int64(conv.Low), int64(conv.High)}
	if cur != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		at := toMicros(cur.CreatedAt)
		args = append(args, at, at, cur.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", mapSQLiteError(err)
	}
	defer rows.Close()

	out := make([]domain.ChatMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next := pagination.Page(out, limit)
	return page, next, nil
}

func (s *Store) Identity(ctx context.Context, id domain.UserID) (domain.Identity, error) {
	var ident domain.Identity
	err := s.db.QueryRowContext(ctx, `SELECT id, nickname FROM users WHERE id = ?`, int64(id)).
		Scan(&ident.ID, &ident.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, domain.ErrUnknownIdentity
	}

	return ident, err
}

// Identities lists every user ordered by nickname.
func (s *Store) Identities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, nickname FROM users ORDER BY nickname, id`)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		var ident domain.Identity
		if err := rows.Scan(&ident.ID, &ident.Nickname); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}

	return out, rows.Err()
}

func (s *Store) IdentityBySession(ctx context.Context, token string) (domain.Identity, error) {
	var ident domain.Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.nickname
		FROM sessions AS s
		JOIN users AS u ON u.id = s.user_id
		WHERE s.token = ? AND s.expires_at > ?`, token, toMicros(s.now())).
		Scan(&ident.ID, &ident.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	return ident, err
}

// CreateUser and CreateSession are provisioning hooks for the authentication
// collaborator and for fixtures; the relay itself only reads these tables.
func (s *Store) CreateUser(ctx context.Context, nickname string) (domain.Identity, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return domain.Identity{}, domain.ErrInvalidIdentity
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (nickname) VALUES (?)`, nickname)
	if err != nil {
		return domain.Identity{}, mapSQLiteError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Identity{}, err
	}

	return domain.Identity{ID: domain.UserID(id), Nickname: nickname}, nil
}

func (s *Store) CreateSession(ctx context.Context, token string, userID domain.UserID, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, int64(userID), toMicros(s.now().Add(ttl)))

	return mapSQLiteError(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domain.ChatMessage, error) {
	var (
		m                    domain.ChatMessage
		sender, receiver, at int64
	)
	if err := row.Scan(&m.ID, &sender, &receiver, &m.Content, &at); err != nil {
		return domain.ChatMessage{}, err
	}
	m.Sender = domain.UserID(sender)
	m.Receiver = domain.UserID(receiver)
	m.Timestamp = fromMicros(at)

	return m, nil
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %v", domain.ErrUnknownIdentity, err)
		}
	}

	return err
}
