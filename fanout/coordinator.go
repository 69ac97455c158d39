// Package fanout delivers room messages to every server instance through a
// shared broker and, on each instance, to the local connections watching that
// room.
//
// A Coordinator owns one broker subscriber connection and one publisher
// connection for the whole process. It keeps a reference count per channel so
// that the instance is subscribed to a room's channel exactly while at least
// one local connection has joined it:
//
//	JoinRoom   0 -> 1   SUBSCRIBE, awaited until the broker acknowledges
//	LeaveRoom  1 -> 0   UNSUBSCRIBE, fired in the background
//
// Concurrent joins of a channel whose subscribe is still in flight share that
// subscribe's outcome. Broker deliveries are handed to Topics, keyed by the
// channel name, without taking the coordinator lock.
package fanout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/CGuiho/nante40-core/broker"
)

// RoomChannelPrefix is prepended to a room uid to form its broker channel.
const RoomChannelPrefix = "room:message:"

const (
	DefaultSubscribeTimeout   = 10 * time.Second
	DefaultUnsubscribeTimeout = 10 * time.Second
)

// RoomChannel returns the broker channel (and local topic) for a room.
func RoomChannel(roomUID string) string {
	return RoomChannelPrefix + roomUID
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTopics shares an existing local topic table instead of creating one.
func WithTopics(t *Topics) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.topics = t
		}
	}
}

// WithSubscribeTimeout bounds how long a join waits for the broker.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.subscribeTimeout = d
		}
	}
}

// WithUnsubscribeTimeout bounds each background unsubscribe.
func WithUnsubscribeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.unsubscribeTimeout = d
		}
	}
}

type channelState struct {
	refs int
	// ready is closed once the subscribe for this entry has settled; err is
	// written before the close and read only after it.
	ready chan struct{}
	err   error
}

// Coordinator is the process-wide room fan-out. Create it once and share it.
type Coordinator struct {
	sub    broker.Subscriber
	pub    broker.Publisher
	topics *Topics
	log    *slog.Logger

	subscribeTimeout   time.Duration
	unsubscribeTimeout time.Duration

	mu       sync.Mutex
	channels map[string]*channelState
	// draining holds, per channel, a channel closed when the most recent
	// background unsubscribe for it has finished.
	draining map[string]chan struct{}
	closed   bool

	drains sync.WaitGroup
}

// New opens the coordinator's subscriber and publisher connections on b.
func New(ctx context.Context, b broker.Broker, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		log:                slog.New(slog.NewTextHandler(io.Discard, nil)),
		subscribeTimeout:   DefaultSubscribeTimeout,
		unsubscribeTimeout: DefaultUnsubscribeTimeout,
		channels:           make(map[string]*channelState),
		draining:           make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.topics == nil {
		c.topics = NewTopics()
	}

	sub, err := b.NewSubscriber(ctx, c.deliver)
	if err != nil {
		return nil, fmt.Errorf("open broker subscriber: %w", err)
	}
	pub, err := b.NewPublisher(ctx)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("open broker publisher: %w", err)
	}
	c.sub = sub
	c.pub = pub
	return c, nil
}

// Topics returns the local topic table fed by broker deliveries.
func (c *Coordinator) Topics() *Topics { return c.topics }

func (c *Coordinator) deliver(channel string, payload []byte) {
	n := c.topics.Broadcast(channel, payload)
	c.log.Debug("fanout.deliver", slog.String("channel", channel), slog.Int("local", n))
}

// JoinRoom takes a reference on channel. The first reference subscribes the
// instance and JoinRoom returns only after the broker has acknowledged it.
// On error the reference is not held and the caller must not call LeaveRoom.
//
// The subscribe is detached from ctx cancellation and bounded by the
// subscribe timeout, so every join settles.
func (c *Coordinator) JoinRoom(ctx context.Context, channel string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &FanoutError{Op: OpSubscribe, Channel: channel, Err: ErrClosed}
	}
	if st, ok := c.channels[channel]; ok {
		st.refs++
		c.mu.Unlock()
		<-st.ready
		return st.err
	}
	st := &channelState{refs: 1, ready: make(chan struct{})}
	c.channels[channel] = st
	pending := c.draining[channel]
	c.mu.Unlock()

	if pending != nil {
		<-pending
	}

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.subscribeTimeout)
	err := c.sub.Subscribe(subCtx, channel)
	cancel()

	c.mu.Lock()
	if err != nil {
		st.err = &FanoutError{Op: OpSubscribe, Channel: channel, Err: err}
		if c.channels[channel] == st {
			delete(c.channels, channel)
			// The broker may have applied the subscribe even though the
			// acknowledgment never arrived.
			c.drainLocked(channel, st)
		}
		c.log.Warn("fanout.subscribe.failed", slog.String("channel", channel), slog.String("err", err.Error()))
	} else {
		c.log.Debug("fanout.subscribed", slog.String("channel", channel))
	}
	close(st.ready)
	c.mu.Unlock()
	return st.err
}

// LeaveRoom releases one reference on channel. Releasing the last reference
// removes the channel and unsubscribes in the background. Leaving a channel
// with no references is a no-op.
func (c *Coordinator) LeaveRoom(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channel]
	if !ok {
		return
	}
	st.refs--
	if st.refs > 0 {
		return
	}
	delete(c.channels, channel)
	c.drainLocked(channel, st)
}

// drainLocked starts a background unsubscribe for channel, ordered after any
// earlier one for the same channel and after st's subscribe has settled.
func (c *Coordinator) drainLocked(channel string, st *channelState) {
	prev := c.draining[channel]
	done := make(chan struct{})
	c.draining[channel] = done

	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		if prev != nil {
			<-prev
		}
		<-st.ready

		ctx, cancel := context.WithTimeout(context.Background(), c.unsubscribeTimeout)
		err := c.sub.Unsubscribe(ctx, channel)
		cancel()
		if err != nil {
			c.log.Warn("fanout.unsubscribe.failed", slog.String("channel", channel), slog.String("err", err.Error()))
		} else {
			c.log.Debug("fanout.unsubscribed", slog.String("channel", channel))
		}

		c.mu.Lock()
		if c.draining[channel] == done {
			delete(c.draining, channel)
		}
		c.mu.Unlock()
		close(done)
	}()
}

// PublishToRoom sends payload on channel through the broker. Local
// subscribers, including the sender's own connection, receive it only via the
// broker's redelivery.
func (c *Coordinator) PublishToRoom(ctx context.Context, channel string, payload []byte) error {
	if err := c.pub.Publish(ctx, channel, payload); err != nil {
		c.log.Warn("fanout.publish.failed", slog.String("channel", channel), slog.String("err", err.Error()))
		return &FanoutError{Op: OpPublish, Channel: channel, Err: err}
	}
	return nil
}

// Refs returns the current reference count for channel.
func (c *Coordinator) Refs(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.channels[channel]; ok {
		return st.refs
	}
	return 0
}

// Channels returns the channels currently held, sorted.
func (c *Coordinator) Channels() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close unsubscribes every held channel, waits for background unsubscribes
// (bounded by ctx) and closes the broker connections. Joins after Close fail.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ch, st := range c.channels {
		delete(c.channels, ch)
		c.drainLocked(ch, st)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.drains.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("fanout: waiting for unsubscribes: %w", ctx.Err())
	}

	subErr := c.sub.Close()
	pubErr := c.pub.Close()
	switch {
	case waitErr != nil:
		return waitErr
	case subErr != nil:
		return fmt.Errorf("close broker subscriber: %w", subErr)
	case pubErr != nil:
		return fmt.Errorf("close broker publisher: %w", pubErr)
	}
	return nil
}
