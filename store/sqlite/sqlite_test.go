package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/CGuiho/nante40-core/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Memory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenFileAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateRoom(context.Background(), "lobby", "Lobby"); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	// Migrations are idempotent.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	r, err := s.GetRoom(context.Background(), "lobby")
	if err != nil || r == nil {
		t.Fatalf("expected room after reopen, got %v, %v", r, err)
	}
}

func TestNotFoundIsNilNil(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if v, err := s.GetSession(ctx, "nope"); v != nil || err != nil {
		t.Fatalf("GetSession: %v, %v", v, err)
	}
	if v, err := s.GetUser(ctx, "nope"); v != nil || err != nil {
		t.Fatalf("GetUser: %v, %v", v, err)
	}
	if v, err := s.GetRoom(ctx, "nope"); v != nil || err != nil {
		t.Fatalf("GetRoom: %v, %v", v, err)
	}
	if v, err := s.GetRoomMember(ctx, 1, 1); v != nil || err != nil {
		t.Fatalf("GetRoomMember: %v, %v", v, err)
	}
	if v, err := s.GetProfileByUser(ctx, 1); v != nil || err != nil {
		t.Fatalf("GetProfileByUser: %v, %v", v, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, store.User{Email: "a@example.com", Username: "a"})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := s.CreateSession(ctx, u.ID, "laptop", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != u.ID || sess.Label != "laptop" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Expired(time.Now()) || sess.Deleted() {
		t.Fatalf("fresh session should be alive: %+v", sess)
	}

	if err := s.DeleteSession(ctx, sess.UID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(ctx, sess.UID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted() {
		t.Fatalf("expected soft-deleted session")
	}
	if err := s.DeleteSession(ctx, sess.UID); !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected persistence error deleting twice, got %v", err)
	}
}

func TestInsertProfileIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, store.User{Email: "b@example.com", Username: "b"})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := s.InsertProfile(ctx, store.Profile{UserID: u.ID})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.InsertProfile(ctx, store.Profile{UserID: u.ID})
	if err != nil {
		t.Fatal(err)
	}
	if p1.ID != p2.ID || p1.UID != p2.UID {
		t.Fatalf("expected same profile, got %+v and %+v", p1, p2)
	}
}

func TestRoomMembershipAndMessages(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	u, _ := s.CreateUser(ctx, store.User{Email: "c@example.com", Username: "c"})
	p, _ := s.InsertProfile(ctx, store.Profile{UserID: u.ID})
	r, err := s.CreateRoom(ctx, "", "General")
	if err != nil {
		t.Fatal(err)
	}
	if r.UID == "" {
		t.Fatalf("expected generated room uid")
	}

	m, err := s.PutRoomMember(ctx, r.ID, p.ID, store.MemberActive)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MemberActive {
		t.Fatalf("unexpected status %q", m.Status)
	}
	m, err = s.PutRoomMember(ctx, r.ID, p.ID, store.MemberBanned)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MemberBanned {
		t.Fatalf("expected status update, got %q", m.Status)
	}

	msg, err := s.InsertChatMessage(ctx, store.ChatMessage{RoomID: r.ID, RoomUID: r.UID, ProfileID: p.ID, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == 0 || msg.UID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("expected assigned fields, got %+v", msg)
	}
	if n, err := s.CountChatMessages(ctx, r.ID); err != nil || n != 1 {
		t.Fatalf("CountChatMessages = %d, %v", n, err)
	}
}

func TestInsertChatMessageRejectsUnknownRoom(t *testing.T) {
	s := openTest(t)
	_, err := s.InsertChatMessage(context.Background(), store.ChatMessage{RoomID: 999, ProfileID: 999, Content: "x"})
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected persistence error from foreign key violation, got %v", err)
	}
}
