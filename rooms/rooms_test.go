package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/CGuiho/nante40-core/store"
	"github.com/CGuiho/nante40-core/store/sqlite"
)

type fakeRooms struct {
	room        *store.Room
	member      *store.RoomMember
	roomErr     error
	memberErr   error
	memberCalls int
}

func (f *fakeRooms) GetRoom(ctx context.Context, uid string) (*store.Room, error) {
	if f.roomErr != nil {
		return nil, f.roomErr
	}
	if f.room == nil || f.room.UID != uid {
		return nil, nil
	}
	return f.room, nil
}

func (f *fakeRooms) GetRoomMember(ctx context.Context, roomID, profileID int64) (*store.RoomMember, error) {
	f.memberCalls++
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	if f.member == nil || f.member.RoomID != roomID || f.member.ProfileID != profileID {
		return nil, nil
	}
	return f.member, nil
}

var profile = &store.Profile{ID: 7, UID: "p7", UserID: 3}

func TestAuthorizeDecisions(t *testing.T) {
	room := &store.Room{ID: 1, UID: "r1", Name: "General"}
	member := func(s store.MemberStatus) *store.RoomMember {
		return &store.RoomMember{ID: 9, RoomID: 1, ProfileID: 7, Status: s}
	}

	tests := []struct {
		name     string
		roomUID  string
		fake     *fakeRooms
		want     Kind
		redirect string
	}{
		{"room missing", "r404", &fakeRooms{room: room, member: member(store.MemberActive)}, RoomNotFound, "/room/r404/404"},
		{"not a member", "r1", &fakeRooms{room: room}, NotAMember, "/room/r1/join"},
		{"banned", "r1", &fakeRooms{room: room, member: member(store.MemberBanned)}, Banned, "/room/r1/banned"},
		{"suspended", "r1", &fakeRooms{room: room, member: member(store.MemberSuspended)}, Suspended, "/room/r1/suspended"},
		{"active", "r1", &fakeRooms{room: room, member: member(store.MemberActive)}, Authorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewAuthorizer(tt.fake, nil).Authorize(context.Background(), tt.roomUID, profile)
			if err != nil {
				t.Fatal(err)
			}
			if d.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", d.Kind, tt.want)
			}
			if d.Redirect != tt.redirect {
				t.Fatalf("redirect = %q, want %q", d.Redirect, tt.redirect)
			}
			if tt.want == Authorized {
				if !d.Authorized() || d.Room == nil || d.Member == nil || d.Err != nil {
					t.Fatalf("unexpected authorized decision %+v", d)
				}
				return
			}
			if d.Err == nil || !errors.Is(d.Err, ErrForbidden) || d.Err.Reason != tt.want {
				t.Fatalf("unexpected error %+v", d.Err)
			}
		})
	}
}

func TestMissingRoomSkipsMemberLookup(t *testing.T) {
	f := &fakeRooms{}
	d, err := NewAuthorizer(f, nil).Authorize(context.Background(), "nowhere", profile)
	if err != nil || d.Kind != RoomNotFound {
		t.Fatalf("unexpected %v, %v", d.Kind, err)
	}
	if f.memberCalls != 0 {
		t.Fatalf("member lookup must not run when the room is missing")
	}
}

func TestStoreErrorsAbort(t *testing.T) {
	boom := store.Wrap("get room", errors.New("timeout"))

	_, err := NewAuthorizer(&fakeRooms{roomErr: boom}, nil).Authorize(context.Background(), "r1", profile)
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected room lookup error, got %v", err)
	}

	f := &fakeRooms{room: &store.Room{ID: 1, UID: "r1"}, memberErr: boom}
	d, err := NewAuthorizer(f, nil).Authorize(context.Background(), "r1", profile)
	if !errors.Is(err, store.ErrPersistence) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected member lookup error, got %v", err)
	}
	if d.Err != nil || d.Kind != Undecided || d.Authorized() {
		t.Fatalf("store failure must not produce a decision: %+v", d)
	}
}

func TestRedirectPathEscapes(t *testing.T) {
	if got := RedirectPath("a b", Banned); got != "/room/a%20b/banned" {
		t.Fatalf("RedirectPath = %q", got)
	}
	if got := RedirectPath("r", Authorized); got != "" {
		t.Fatalf("authorized has no redirect, got %q", got)
	}
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[int64]*store.Profile
	inserts  int
	err      error
}

func (f *fakeProfiles) GetProfileByUser(ctx context.Context, userID int64) (*store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[userID], nil
}

func (f *fakeProfiles) InsertProfile(ctx context.Context, p store.Profile) (*store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if existing, ok := f.profiles[p.UserID]; ok {
		return existing, nil
	}
	p.ID = int64(len(f.profiles) + 1)
	p.UID = "generated"
	f.profiles[p.UserID] = &p
	return &p, nil
}

func TestProfileResolverCreatesOnce(t *testing.T) {
	f := &fakeProfiles{profiles: map[int64]*store.Profile{}}
	r := NewProfileResolver(f, nil)
	user := &store.User{ID: 42, UID: "u42"}

	p1, err := r.Resolve(context.Background(), user)
	if err != nil || p1 == nil || p1.UserID != 42 {
		t.Fatalf("first resolve: %+v, %v", p1, err)
	}
	p2, err := r.Resolve(context.Background(), user)
	if err != nil || p2.ID != p1.ID {
		t.Fatalf("second resolve: %+v, %v", p2, err)
	}
	if f.inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", f.inserts)
	}
}

func TestProfileResolverErrors(t *testing.T) {
	f := &fakeProfiles{profiles: map[int64]*store.Profile{}, err: store.Wrap("get profile", errors.New("down"))}
	if _, err := NewProfileResolver(f, nil).Resolve(context.Background(), &store.User{ID: 1}); !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if _, err := NewProfileResolver(f, nil).Resolve(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil user")
	}
}

func TestAuthorizeAgainstSQLite(t *testing.T) {
	s, err := sqlite.Open(sqlite.Memory)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	u, _ := s.CreateUser(ctx, store.User{Email: "d@example.com", Username: "d"})
	p, err := NewProfileResolver(s, nil).Resolve(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	room, _ := s.CreateRoom(ctx, "lobby", "Lobby")
	authz := NewAuthorizer(s, nil)

	d, _ := authz.Authorize(ctx, "lobby", p)
	if d.Kind != NotAMember {
		t.Fatalf("expected NotAMember before joining, got %v", d.Kind)
	}
	if _, err := s.PutRoomMember(ctx, room.ID, p.ID, store.MemberSuspended); err != nil {
		t.Fatal(err)
	}
	d, _ = authz.Authorize(ctx, "lobby", p)
	if d.Kind != Suspended {
		t.Fatalf("expected Suspended, got %v", d.Kind)
	}
	if _, err := s.PutRoomMember(ctx, room.ID, p.ID, store.MemberActive); err != nil {
		t.Fatal(err)
	}
	d, _ = authz.Authorize(ctx, "lobby", p)
	if !d.Authorized() || d.Room.ID != room.ID {
		t.Fatalf("expected Authorized, got %+v", d)
	}
}
