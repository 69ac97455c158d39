package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CGuiho/nante40-core/auth"
	"github.com/CGuiho/nante40-core/auth/authtest"
)

func TestNewKeyringValidation(t *testing.T) {
	if _, err := auth.NewKeyring("short"); !errors.Is(err, auth.ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
	if _, err := auth.NewKeyring(authtest.Key("a"), "bad"); !errors.Is(err, auth.ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize for previous key, got %v", err)
	}
	if _, err := auth.NewKeyring(authtest.Key("a"), "", "", authtest.Key("b")); err != nil {
		t.Fatalf("empty previous keys should be skipped: %v", err)
	}
	five := []string{authtest.Key("1"), authtest.Key("2"), authtest.Key("3"), authtest.Key("4"), authtest.Key("5")}
	if _, err := auth.NewKeyring(authtest.Key("a"), five...); !errors.Is(err, auth.ErrTooManyPrevious) {
		t.Fatalf("expected ErrTooManyPrevious, got %v", err)
	}
}

func TestKeyringSignVerify(t *testing.T) {
	ring := authtest.NewKeyring(t)
	tok, err := ring.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ring.Verify(tok)
	if err != nil || string(got) != "payload" {
		t.Fatalf("Verify = %q, %v", got, err)
	}

	other, _ := auth.NewKeyring(authtest.Key("other"))
	if _, err := other.Verify(tok); !errors.Is(err, auth.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := ring.Verify("garbage"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func writeKeyFile(t *testing.T, path string, kf auth.KeyFile) {
	t.Helper()
	b, _ := json.Marshal(kf)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestKeyringLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeyFile(t, path, auth.KeyFile{Active: authtest.Key("file"), Previous: []string{authtest.Key("prev")}})

	ring := authtest.NewKeyring(t)
	if err := ring.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	want, _ := auth.NewKeyring(authtest.Key("file"))
	if ring.ActiveKID() != want.ActiveKID() {
		t.Fatalf("active key not loaded from file")
	}

	if err := os.WriteFile(path, []byte(`{"active":"x","unknown":1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ring.LoadFile(path); err == nil {
		t.Fatalf("expected decode error for unknown field")
	}
	if ring.ActiveKID() != want.ActiveKID() {
		t.Fatalf("failed load must keep current keys")
	}
}

func TestKeyringWatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeyFile(t, path, auth.KeyFile{Active: authtest.Key("one")})

	ring, err := auth.NewKeyring(authtest.Key("one"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ring.WatchFile(ctx, path, nil) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeKeyFile(t, path, auth.KeyFile{Active: authtest.Key("two"), Previous: []string{authtest.Key("one")}})

	want, _ := auth.NewKeyring(authtest.Key("two"))
	deadline := time.Now().Add(5 * time.Second)
	for ring.ActiveKID() != want.ActiveKID() {
		if time.Now().After(deadline) {
			t.Fatalf("keyring did not reload after file change")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
