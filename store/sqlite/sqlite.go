// Package sqlite implements store.Store over an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CGuiho/nante40-core/store"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Memory is the path that opens a private in-memory database.
const Memory = ":memory:"

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// Store implements store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite prefers a single writer; one connection also keeps an in-memory
	// database alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas. journal_mode is a no-op for in-memory databases.
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func newUID(uid string) string {
	if uid != "" {
		return uid
	}
	return uuid.NewString()
}

func (s *Store) GetSession(ctx context.Context, uid string) (*store.Session, error) {
	var (
		ss                                  store.Session
		expires, lastUsed, created, updated int64
		deleted                             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, user_id, label, description, expires_at, last_used_at, deleted_at, created_at, updated_at
		 FROM sessions WHERE uid = ?`, uid,
	).Scan(&ss.ID, &ss.UID, &ss.UserID, &ss.Label, &ss.Description, &expires, &lastUsed, &deleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get session", err)
	}
	ss.ExpiresAt = fromMillis(expires)
	ss.LastUsedAt = fromMillis(lastUsed)
	ss.DeletedAt = fromNullMillis(deleted)
	ss.CreatedAt = fromMillis(created)
	ss.UpdatedAt = fromMillis(updated)
	return &ss, nil
}

func (s *Store) GetUser(ctx context.Context, uid string) (*store.User, error) {
	var (
		u                store.User
		created, updated int64
		deleted          sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, email, username, display_name, deleted_at, created_at, updated_at
		 FROM users WHERE uid = ?`, uid,
	).Scan(&u.ID, &u.UID, &u.Email, &u.Username, &u.DisplayName, &deleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get user", err)
	}
	u.DeletedAt = fromNullMillis(deleted)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

func (s *Store) GetRoom(ctx context.Context, uid string) (*store.Room, error) {
	var (
		r       store.Room
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, name, created_at FROM rooms WHERE uid = ?`, uid,
	).Scan(&r.ID, &r.UID, &r.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get room", err)
	}
	r.CreatedAt = fromMillis(created)
	return &r, nil
}

func (s *Store) GetRoomMember(ctx context.Context, roomID, profileID int64) (*store.RoomMember, error) {
	var (
		m       store.RoomMember
		status  string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, room_id, profile_id, status, created_at
		 FROM room_members WHERE room_id = ? AND profile_id = ?`, roomID, profileID,
	).Scan(&m.ID, &m.UID, &m.RoomID, &m.ProfileID, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get room member", err)
	}
	m.Status = store.MemberStatus(status)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

func (s *Store) GetProfileByUser(ctx context.Context, userID int64) (*store.Profile, error) {
	var (
		p       store.Profile
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, user_id, created_at FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.ID, &p.UID, &p.UserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get profile", err)
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

func (s *Store) InsertProfile(ctx context.Context, p store.Profile) (*store.Profile, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(uid, user_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		newUID(p.UID), p.UserID, toMillis(p.CreatedAt),
	)
	if err != nil {
		return nil, store.Wrap("insert profile", err)
	}
	out, err := s.GetProfileByUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, store.Wrap("insert profile", fmt.Errorf("profile for user %d not found after insert", p.UserID))
	}
	return out, nil
}

func (s *Store) InsertChatMessage(ctx context.Context, msg store.ChatMessage) (*store.ChatMessage, error) {
	msg.UID = newUID(msg.UID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages(uid, room_id, profile_id, content, created_at) VALUES(?,?,?,?,?)`,
		msg.UID, msg.RoomID, msg.ProfileID, msg.Content, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return nil, store.Wrap("insert chat message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, store.Wrap("insert chat message", err)
	}
	msg.ID = id
	return &msg, nil
}

// CountChatMessages returns the number of stored messages in a room.
func (s *Store) CountChatMessages(ctx context.Context, roomID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		return 0, store.Wrap("count chat messages", err)
	}
	return n, nil
}

var _ store.Store = (*Store)(nil)
