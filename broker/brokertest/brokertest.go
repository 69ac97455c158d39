// Package brokertest is a conformance suite for broker.Broker
// implementations. Every implementation runs the same tests from its own
// package test file.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/CGuiho/nante40-core/broker"
	"github.com/google/uuid"
)

// BrokerFactory creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeThenPublishDelivers", func(t *testing.T) { testSubscribeThenPublish(t, factory) })
	t.Run("NoReplayBeforeSubscribe", func(t *testing.T) { testNoReplay(t, factory) })
	t.Run("ChannelIsolation", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("SubscribersObserveSameOrder", func(t *testing.T) { testSameOrder(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribe(t, factory) })
	t.Run("UnsubscribeUnknownChannel", func(t *testing.T) { testUnsubscribeUnknown(t, factory) })
	t.Run("ClosedConnections", func(t *testing.T) { testClosed(t, factory) })
}

// collector records deliveries per channel.
type collector struct {
	mu     sync.Mutex
	byChan map[string][]string
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{byChan: make(map[string][]string), notify: make(chan struct{}, 1)}
}

func (c *collector) handle(channel string, payload []byte) {
	c.mu.Lock()
	c.byChan[channel] = append(c.byChan[channel], string(payload))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *collector) get(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.byChan[channel]...)
}

// waitFor blocks until channel has at least n deliveries.
func (c *collector) waitFor(t *testing.T, channel string, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := c.get(channel); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages on %s, got %v", n, channel, c.get(channel))
		}
	}
}

// uniqueChannel avoids collisions between runs against a shared server.
func uniqueChannel(name string) string {
	return "brokertest:" + uuid.NewString() + ":" + name
}

func open(t *testing.T, b broker.Broker, c *collector) (broker.Subscriber, broker.Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handler broker.MessageHandler
	if c != nil {
		handler = c.handle
	}
	sub, err := b.NewSubscriber(ctx, handler)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	pub, err := b.NewPublisher(ctx)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })
	return sub, pub
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testSubscribeThenPublish(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	c := newCollector()
	sub, pub := open(t, b, c)
	ctx := testCtx(t)

	ch := uniqueChannel("room")
	if err := sub.Subscribe(ctx, ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, ch, []byte(`{"content":"hi"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := c.waitFor(t, ch, 1)
	if got[0] != `{"content":"hi"}` {
		t.Fatalf("unexpected payload %q", got[0])
	}
}

func testNoReplay(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	c := newCollector()
	sub, pub := open(t, b, c)
	ctx := testCtx(t)

	ch := uniqueChannel("late")
	if err := pub.Publish(ctx, ch, []byte("early")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := sub.Subscribe(ctx, ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, ch, []byte("late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := c.waitFor(t, ch, 1)
	if len(got) != 1 || got[0] != "late" {
		t.Fatalf("expected only the post-subscribe message, got %v", got)
	}
}

func testChannelIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	c := newCollector()
	sub, pub := open(t, b, c)
	ctx := testCtx(t)

	a, other := uniqueChannel("a"), uniqueChannel("b")
	if err := sub.Subscribe(ctx, a); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, other, []byte("not-for-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, a, []byte("for-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := c.waitFor(t, a, 1)
	if got[0] != "for-a" {
		t.Fatalf("unexpected payload %q", got[0])
	}
	if n := len(c.get(other)); n != 0 {
		t.Fatalf("expected no deliveries on unsubscribed channel, got %d", n)
	}
}

func testSameOrder(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	c1, c2 := newCollector(), newCollector()
	sub1, pub1 := open(t, b, c1)
	sub2, pub2 := open(t, b, c2)
	ctx := testCtx(t)

	ch := uniqueChannel("ordered")
	if err := sub1.Subscribe(ctx, ch); err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	if err := sub2.Subscribe(ctx, ch); err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}

	const perPublisher = 25
	var wg sync.WaitGroup
	for i, pub := range []broker.Publisher{pub1, pub2} {
		wg.Add(1)
		go func(i int, pub broker.Publisher) {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				msg := strconv.Itoa(i) + "-" + strconv.Itoa(j)
				if err := pub.Publish(ctx, ch, []byte(msg)); err != nil {
					t.Errorf("Publish %s: %v", msg, err)
					return
				}
			}
		}(i, pub)
	}
	wg.Wait()

	got1 := c1.waitFor(t, ch, 2*perPublisher)
	got2 := c2.waitFor(t, ch, 2*perPublisher)
	if len(got1) != len(got2) {
		t.Fatalf("subscribers saw different counts: %d vs %d", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i] != got2[i] {
			t.Fatalf("order diverges at %d: %q vs %q", i, got1[i], got2[i])
		}
	}

	// Each publisher's own messages stay in publish order.
	next := map[string]int{}
	for _, m := range got1 {
		var p, seq int
		if _, err := fmt.Sscanf(m, "%d-%d", &p, &seq); err != nil {
			t.Fatalf("bad payload %q: %v", m, err)
		}
		key := strconv.Itoa(p)
		if seq != next[key] {
			t.Fatalf("publisher %d out of order: got %d want %d", p, seq, next[key])
		}
		next[key]++
	}
}

func testUnsubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	c := newCollector()
	sub, pub := open(t, b, c)
	ctx := testCtx(t)

	gone, sentinel := uniqueChannel("gone"), uniqueChannel("sentinel")
	if err := sub.Subscribe(ctx, gone); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(ctx, gone); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	// The acknowledged subscribe on the same connection orders after the
	// unsubscribe.
	if err := sub.Subscribe(ctx, sentinel); err != nil {
		t.Fatalf("Subscribe sentinel: %v", err)
	}

	if err := pub.Publish(ctx, gone, []byte("dropped")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, sentinel, []byte("done")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	c.waitFor(t, sentinel, 1)
	if got := c.get(gone); len(got) != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %v", got)
	}
}

func testUnsubscribeUnknown(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	sub, _ := open(t, b, nil)
	if err := sub.Unsubscribe(testCtx(t), uniqueChannel("never")); err != nil {
		t.Fatalf("Unsubscribe of unknown channel: %v", err)
	}
}

func testClosed(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	sub, pub := open(t, b, nil)
	ctx := testCtx(t)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close subscriber: %v", err)
	}
	if err := sub.Subscribe(ctx, uniqueChannel("x")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed from Subscribe, got %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close publisher: %v", err)
	}
	if err := pub.Publish(ctx, uniqueChannel("x"), []byte("x")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed from Publish, got %v", err)
	}
}
