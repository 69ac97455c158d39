package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CGuiho/nante40-core/chatws"
	"github.com/CGuiho/nante40-core/config"
	"github.com/CGuiho/nante40-core/fanout"
)

const (
	appID   = "nante40-core"
	appName = "NANTE40 Core"
)

func routes(cfg *config.Config, chat *chatws.Handler, coord *fanout.Coordinator) http.Handler {
	mux := http.NewServeMux()
	chat.Register(mux)
	mux.HandleFunc("GET /ping", ping(time.Now))
	mux.Handle("GET /debug/fanout", debugOnly(cfg.Mode, fanoutStats(chat, coord)))
	return mux
}

func ping(now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "pong %s %s %s %s", now().UTC().Format(time.RFC3339), appID, appName, version)
	}
}

// debugOnly hides h outside local and stage modes.
func debugOnly(mode config.Mode, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mode.Debug() {
			http.Error(w, "forbidden: only available in local or stage mode", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

type channelStats struct {
	Channel string `json:"channel"`
	Refs    int    `json:"refs"`
	Local   int    `json:"local"`
}

func fanoutStats(chat *chatws.Handler, coord *fanout.Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := []channelStats{}
		for _, ch := range coord.Channels() {
			stats = append(stats, channelStats{Channel: ch, Refs: coord.Refs(ch), Local: coord.Topics().Count(ch)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"connections": chat.Connections(),
			"channels":    stats,
		})
	})
}
