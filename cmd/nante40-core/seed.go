package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CGuiho/nante40-core/auth"
	"github.com/CGuiho/nante40-core/config"
	"github.com/CGuiho/nante40-core/rooms"
	"github.com/CGuiho/nante40-core/store"
	"github.com/CGuiho/nante40-core/store/rediscache"
	"github.com/CGuiho/nante40-core/store/sqlite"
)

// seed creates a room, a user with a session and a membership, and prints
// the credentials a client can connect with. It exists for local and stage
// environments where no account service runs.
func seed(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	if !cfg.Mode.Debug() {
		return errors.New("seed is only available in local or stage mode")
	}
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	roomUID := fs.String("room", "lobby", "room uid")
	username := fs.String("user", "", "username")
	status := fs.String("status", string(store.MemberActive), "membership status: active, banned, suspended or none")
	ttl := fs.Duration("ttl", auth.SessionDuration, "session lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("-user is required")
	}

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	room, err := db.GetRoom(ctx, *roomUID)
	if err != nil {
		return err
	}
	if room == nil {
		if room, err = db.CreateRoom(ctx, *roomUID, *roomUID); err != nil {
			return err
		}
		log.Info("seed.room.created", slog.String("room", room.UID))
	}

	user, err := db.CreateUser(ctx, store.User{Email: *username + "@example.com", Username: *username, DisplayName: *username})
	if err != nil {
		return err
	}
	sess, err := db.CreateSession(ctx, user.ID, "seed", *ttl)
	if err != nil {
		return err
	}
	profile, err := rooms.NewProfileResolver(db, log).Resolve(ctx, user)
	if err != nil {
		return err
	}
	if *status != "none" {
		if _, err := db.PutRoomMember(ctx, room.ID, profile.ID, store.MemberStatus(*status)); err != nil {
			return err
		}
	}

	creds := &auth.Credentials{SessionUID: sess.UID, UserUID: user.UID}
	header, err := creds.AuthorizationHeader()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "user:    %s\nsession: %s\nroom:    %s\nAuthorization: %s\n", user.UID, sess.UID, room.UID, header)
	return nil
}

// revoke soft-deletes a session and evicts it from the cache so that open
// handshakes fail immediately rather than after the cache entry expires.
func revoke(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	sessionUID := fs.String("session", "", "session uid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionUID == "" {
		return errors.New("-session is required")
	}
	return withCache(cfg, log, func(db *sqlite.Store, cache *rediscache.Store) error {
		return revokeSession(ctx, db, cache, log, *sessionUID)
	})
}

// deactivate soft-deletes a user and evicts the cached record, so every
// session of that user stops authenticating at once.
func deactivate(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	userUID := fs.String("user", "", "user uid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userUID == "" {
		return errors.New("-user is required")
	}
	return withCache(cfg, log, func(db *sqlite.Store, cache *rediscache.Store) error {
		return deactivateUser(ctx, db, cache, log, *userUID)
	})
}

func withCache(cfg *config.Config, log *slog.Logger, fn func(*sqlite.Store, *rediscache.Store) error) error {
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	client := newCacheClient(cfg)
	defer client.Close()
	cache, err := rediscache.New(db, client, rediscache.WithLogger(log))
	if err != nil {
		return err
	}
	return fn(db, cache)
}

func revokeSession(ctx context.Context, db *sqlite.Store, cache *rediscache.Store, log *slog.Logger, uid string) error {
	if err := db.DeleteSession(ctx, uid); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.InvalidateSession(cctx, uid); err != nil {
		log.Warn("revoke.cache.fail", slog.String("session", uid), slog.String("err", err.Error()))
	}
	log.Info("revoke.done", slog.String("session", uid))
	return nil
}

func deactivateUser(ctx context.Context, db *sqlite.Store, cache *rediscache.Store, log *slog.Logger, uid string) error {
	if err := db.DeleteUser(ctx, uid); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.InvalidateUser(cctx, uid); err != nil {
		log.Warn("deactivate.cache.fail", slog.String("user", uid), slog.String("err", err.Error()))
	}
	log.Info("deactivate.done", slog.String("user", uid))
	return nil
}
