package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/CGuiho/nante40-core/store"
)

// The methods in this file manage records the chat core only reads. They back
// the seed command and tests.

// CreateUser inserts a user. Empty UID is generated.
func (s *Store) CreateUser(ctx context.Context, u store.User) (*store.User, error) {
	now := s.now()
	u.UID = newUID(u.UID)
	u.CreatedAt, u.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(uid, email, username, display_name, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
		u.UID, u.Email, u.Username, u.DisplayName, toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, store.Wrap("create user", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, store.Wrap("create user", err)
	}
	return s.GetUser(ctx, u.UID)
}

// CreateSession inserts a session for userID valid for ttl.
func (s *Store) CreateSession(ctx context.Context, userID int64, label string, ttl time.Duration) (*store.Session, error) {
	now := s.now()
	uid := newUID("")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(uid, user_id, label, expires_at, last_used_at, created_at, updated_at) VALUES(?,?,?,?,?,?,?)`,
		uid, userID, label, toMillis(now.Add(ttl)), toMillis(now), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, store.Wrap("create session", err)
	}
	return s.GetSession(ctx, uid)
}

// DeleteSession soft-deletes a session.
func (s *Store) DeleteSession(ctx context.Context, uid string) error {
	return s.softDelete(ctx, "sessions", uid)
}

// DeleteUser soft-deletes a user.
func (s *Store) DeleteUser(ctx context.Context, uid string) error {
	return s.softDelete(ctx, "users", uid)
}

func (s *Store) softDelete(ctx context.Context, table, uid string) error {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE uid = ? AND deleted_at IS NULL`, table),
		now, now, uid,
	)
	if err != nil {
		return store.Wrap("delete "+table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Wrap("delete "+table, fmt.Errorf("%s %q not found", table, uid))
	}
	return nil
}

// CreateRoom inserts a room. Empty uid is generated.
func (s *Store) CreateRoom(ctx context.Context, uid, name string) (*store.Room, error) {
	uid = newUID(uid)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(uid, name, created_at) VALUES(?,?,?)`, uid, name, toMillis(s.now()),
	)
	if err != nil {
		return nil, store.Wrap("create room", err)
	}
	return s.GetRoom(ctx, uid)
}

// PutRoomMember adds a profile to a room or updates its status.
func (s *Store) PutRoomMember(ctx context.Context, roomID, profileID int64, status store.MemberStatus) (*store.RoomMember, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members(uid, room_id, profile_id, status, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(room_id, profile_id) DO UPDATE SET status = excluded.status`,
		newUID(""), roomID, profileID, string(status), toMillis(s.now()),
	)
	if err != nil {
		return nil, store.Wrap("put room member", err)
	}
	return s.GetRoomMember(ctx, roomID, profileID)
}
