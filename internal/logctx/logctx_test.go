package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("svc", "chat")

	state := "joined"
	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/room/x/chat"})
	ctx = WithConnData(ctx, &ConnData{ConnID: "c1", RoomUID: "x", UserUID: "u", State: func() string { return state }})

	state = "active"
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	req, _ := rec["req"].(map[string]any)
	conn, _ := rec["conn"].(map[string]any)
	if req["id"] != "r1" || req["path"] != "/room/x/chat" {
		t.Fatalf("unexpected req group %v", req)
	}
	if conn["id"] != "c1" || conn["state"] != "active" {
		t.Fatalf("unexpected conn group %v", conn)
	}
	if rec["svc"] != "chat" {
		t.Fatalf("With attrs lost: %v", rec)
	}
}

func TestHandlerWithoutContext(t *testing.T) {
	var buf bytes.Buffer
	slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).Info("plain")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group")
	}
}
