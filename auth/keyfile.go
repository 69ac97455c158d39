package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KeyFile is the on-disk form of a keyring:
//
//	{"active": "<32 chars>", "previous": ["<32 chars>", ...]}
type KeyFile struct {
	Active   string   `json:"active"`
	Previous []string `json:"previous,omitempty"`
}

// LoadKeyFile reads and decodes a key file.
func LoadKeyFile(path string) (*KeyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf KeyFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&kf); err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode key file %s: trailing data", path)
	}
	return &kf, nil
}

// LoadFile rotates the keyring to the keys in path.
func (k *Keyring) LoadFile(path string) error {
	kf, err := LoadKeyFile(path)
	if err != nil {
		return err
	}
	return k.Rotate(kf.Active, kf.Previous...)
}

// WatchFile reloads the keyring whenever path changes until ctx ends. The
// parent directory is watched so that editors replacing the file by rename
// are noticed. A file that fails to load leaves the current keys in place.
func (k *Keyring) WatchFile(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir, file := filepath.Dir(path), filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keyring watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("keyring watch %s: %w", dir, err)
	}

	// debounce partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(100*time.Millisecond, func() {
			if err := k.LoadFile(path); err != nil {
				log.Warn("keyring.reload.failed", slog.String("path", path), slog.String("err", err.Error()))
				return
			}
			log.Info("keyring.reloaded", slog.String("path", path), slog.String("kid", k.ActiveKID()))
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("keyring.watch.error", slog.String("path", path), slog.String("err", err.Error()))
		}
	}
}
