package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/CGuiho/nante40-core/auth"
	redisbroker "github.com/CGuiho/nante40-core/broker/redis"
	"github.com/CGuiho/nante40-core/chatws"
	"github.com/CGuiho/nante40-core/config"
	"github.com/CGuiho/nante40-core/fanout"
	"github.com/CGuiho/nante40-core/rooms"
	"github.com/CGuiho/nante40-core/store/rediscache"
	"github.com/CGuiho/nante40-core/store/sqlite"
)

func newKeyring(cfg *config.Config) (*auth.Keyring, error) {
	if cfg.Session.SigningKey == "" {
		kf, err := auth.LoadKeyFile(cfg.Session.KeyringFile)
		if err != nil {
			return nil, err
		}
		return auth.NewKeyring(kf.Active, kf.Previous...)
	}
	ring, err := auth.NewKeyring(cfg.Session.SigningKey, cfg.Session.PastSigningKeys()...)
	if err != nil {
		return nil, err
	}
	if cfg.Session.KeyringFile != "" {
		if err := ring.LoadFile(cfg.Session.KeyringFile); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

func newCacheClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:       cfg.Valkey.Addr(),
		Password:   cfg.Valkey.Password,
		DB:         cfg.Valkey.CacheDB,
		MaxRetries: cfg.Valkey.MaxRetries,
	})
}

// newServer builds the HTTP server. Request contexts keep ctx's values but
// not its cancellation: on a signal, in-flight messages finish persisting and
// publishing while Shutdown closes the connections.
func newServer(ctx context.Context, cfg *config.Config, h http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	cacheClient := newCacheClient(cfg)
	defer cacheClient.Close()
	st, err := rediscache.New(db, cacheClient, rediscache.WithLogger(log))
	if err != nil {
		return err
	}

	b := redisbroker.New(redisbroker.Config{
		Host:       cfg.Valkey.Host,
		Port:       cfg.Valkey.Port,
		Password:   cfg.Valkey.Password,
		MaxRetries: cfg.Valkey.MaxRetries,
		Logger:     log,
	})
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	coord, err := fanout.New(ctx, b, fanout.WithLogger(log))
	if err != nil {
		return err
	}

	ring, err := newKeyring(cfg)
	if err != nil {
		return err
	}
	codec := auth.NewCodec(ring, auth.CookieConfigForMode(string(cfg.Mode), cfg.CookieDomain))
	authn := auth.NewAuthenticator(st, codec, auth.WithLogger(log))

	opts := []chatws.Option{chatws.WithLogger(log)}
	if len(cfg.AllowedOrigins) > 0 {
		check, invalid := chatws.AllowOrigins(cfg.AllowedOrigins)
		for _, o := range invalid {
			log.Warn("config.origin.invalid", slog.String("origin", o))
		}
		opts = append(opts, chatws.WithCheckOrigin(check))
	}
	chat := chatws.NewHandler(
		authn,
		rooms.NewProfileResolver(st, log),
		rooms.NewAuthorizer(st, log),
		st,
		coord,
		opts...,
	)

	srv := newServer(ctx, cfg, routes(cfg, chat, coord))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Session.KeyringFile != "" {
		g.Go(func() error { return ring.WatchFile(gctx, cfg.Session.KeyringFile, log) })
	}
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", srv.Addr), slog.String("mode", string(cfg.Mode)), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()

		log.Info("http.shutdown")
		err := errors.Join(
			srv.Shutdown(shutdownCtx),
			chat.Shutdown(shutdownCtx),
			coord.Close(shutdownCtx),
		)
		if err != nil {
			log.Error("shutdown.fail", slog.String("err", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
