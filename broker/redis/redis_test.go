package redis

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/CGuiho/nante40-core/broker"
	"github.com/CGuiho/nante40-core/broker/brokertest"
)

func testConfig() Config {
	cfg := Config{Host: os.Getenv("VALKEY_HOST"), Password: os.Getenv("VALKEY_PASSWORD")}
	if p, err := strconv.Atoi(os.Getenv("VALKEY_PORT")); err == nil {
		cfg.Port = p
	}
	return cfg
}

func TestRedisBroker(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := New(testConfig()).Ping(ctx); err != nil {
		t.Skipf("skipping redis broker tests: %v", err)
		return
	}

	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New(testConfig())
	})
}

func TestConfigAddr(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "localhost:6379"},
		{Config{Host: "valkey", Port: 6380}, "valkey:6380"},
		{Config{Host: "::1"}, "[::1]:6379"},
	}
	for _, tt := range tests {
		if got := tt.cfg.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}

func TestConfigRetries(t *testing.T) {
	if got := (Config{}).options().MaxRetries; got != DefaultMaxRetries {
		t.Fatalf("expected default retries %d, got %d", DefaultMaxRetries, got)
	}
	if got := (Config{MaxRetries: 5}).options().MaxRetries; got != 5 {
		t.Fatalf("expected 5 retries, got %d", got)
	}
}

func newTestSubscriber() *subscriber {
	return &subscriber{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		waiters: make(map[string][]*pendingSub),
		done:    make(chan struct{}),
	}
}

func acked(p *pendingSub) bool {
	select {
	case <-p.ack:
		return true
	default:
		return false
	}
}

func TestStaleConfirmationDoesNotReleaseLaterSubscribe(t *testing.T) {
	s := newTestSubscriber()

	timedOut, err := s.register("room:message:r")
	if err != nil {
		t.Fatal(err)
	}
	if !s.abandon("room:message:r", timedOut) {
		t.Fatalf("expected the waiter to be abandoned")
	}
	next, err := s.register("room:message:r")
	if err != nil {
		t.Fatal(err)
	}

	// Late confirmation of the timed-out SUBSCRIBE.
	s.acknowledge("room:message:r")
	if acked(next) {
		t.Fatalf("stale confirmation released a later subscribe")
	}

	s.acknowledge("room:message:r")
	if !acked(next) {
		t.Fatalf("expected the second confirmation to release the waiter")
	}
	if len(s.waiters) != 0 {
		t.Fatalf("expected no outstanding waiters, got %v", s.waiters)
	}
	if s.abandon("room:message:r", next) {
		t.Fatalf("abandon after confirmation must report false")
	}
}

func TestConfirmationsReleaseWaitersInOrder(t *testing.T) {
	s := newTestSubscriber()
	a, _ := s.register("a")
	b, _ := s.register("a")
	other, _ := s.register("b")

	s.acknowledge("a")
	if !acked(a) || acked(b) || acked(other) {
		t.Fatalf("expected only the first waiter of a to be released")
	}
	// Confirmations with no waiter (re-subscribe after reconnect) are ignored.
	s.acknowledge("c")
	s.acknowledge("a")
	s.acknowledge("b")
	if !acked(b) || !acked(other) {
		t.Fatalf("expected all waiters released")
	}
}

func TestBrokenConnectionForgetsAbandonedWaiters(t *testing.T) {
	s := newTestSubscriber()
	gone, _ := s.register("a")
	s.abandon("a", gone)
	live, _ := s.register("a")

	s.forgetAbandoned()
	// The re-subscribe confirmation goes to the live waiter.
	s.acknowledge("a")
	if !acked(live) {
		t.Fatalf("expected the live waiter to be released")
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	s := newTestSubscriber()
	s.closed = true
	if _, err := s.register("a"); err != broker.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
