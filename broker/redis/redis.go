// Package redis implements broker.Broker on top of Redis (or Valkey)
// PUBLISH/SUBSCRIBE. Each subscriber connection owns one dedicated pub/sub
// connection and a receive loop; each publisher connection owns its own
// client, so a busy publisher never competes with the subscriber socket.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/CGuiho/nante40-core/broker"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxRetries bounds how many times a single command is retried.
const DefaultMaxRetries = 3

// Config contains connection parameters for the Redis broker.
type Config struct {
	// Host of the Redis server. Defaults to "localhost".
	Host string
	// Port of the Redis server. Defaults to 6379.
	Port int
	// Password is optional.
	Password string
	// DB selects the logical database. Pub/sub is not scoped by database in
	// Redis, but it is kept for parity with the other clients of the server.
	DB int
	// MaxRetries is the per-command retry budget. Zero means DefaultMaxRetries;
	// a negative value disables retries.
	MaxRetries int
	// Logger receives connection diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// Addr returns host:port with defaults applied.
func (c Config) Addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c Config) options() *redis.Options {
	retries := c.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}
	return &redis.Options{
		Addr:       c.Addr(),
		Password:   c.Password,
		DB:         c.DB,
		MaxRetries: retries,
	}
}

// Broker opens Redis-backed subscriber and publisher connections.
type Broker struct {
	cfg Config
	log *slog.Logger
}

// New creates a Redis broker. No connection is opened until NewSubscriber or
// NewPublisher is called.
func New(cfg Config) *Broker {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{cfg: cfg, log: log}
}

// Ping checks that the configured server is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	cl := redis.NewClient(b.cfg.options())
	defer cl.Close()
	if err := cl.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", b.cfg.Addr(), err)
	}
	return nil
}

// NewPublisher implements broker.Broker.
func (b *Broker) NewPublisher(ctx context.Context) (broker.Publisher, error) {
	cl := redis.NewClient(b.cfg.options())
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis publisher connect %s: %w", b.cfg.Addr(), err)
	}
	return &publisher{client: cl}, nil
}

// NewSubscriber implements broker.Broker.
func (b *Broker) NewSubscriber(ctx context.Context, handler broker.MessageHandler) (broker.Subscriber, error) {
	cl := redis.NewClient(b.cfg.options())
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis subscriber connect %s: %w", b.cfg.Addr(), err)
	}

	s := &subscriber{
		client:  cl,
		pubsub:  cl.Subscribe(ctx),
		handler: handler,
		log:     b.log,
		waiters: make(map[string][]*pendingSub),
		done:    make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

type publisher struct {
	client *redis.Client
}

func (p *publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return broker.ErrClosed
		}
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.client.Close()
}

// pendingSub is one SUBSCRIBE sent on the pub/sub connection whose
// confirmation has not been read yet. Redis confirms subscribes of a channel
// in the order they were sent, so waiters are kept per channel in send order.
// An abandoned entry still consumes its confirmation when it arrives.
type pendingSub struct {
	ack       chan struct{}
	abandoned bool
}

type subscriber struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	handler broker.MessageHandler
	log     *slog.Logger

	mu      sync.Mutex
	waiters map[string][]*pendingSub
	closed  bool

	done chan struct{}
}

// Subscribe sends SUBSCRIBE and waits for the server's confirmation, which
// the receive loop routes back through waiters.
func (s *subscriber) Subscribe(ctx context.Context, channel string) error {
	p, err := s.register(channel)
	if err != nil {
		return err
	}

	if err := s.pubsub.Subscribe(ctx, channel); err != nil {
		s.dropWaiter(channel, p)
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	select {
	case <-p.ack:
		return nil
	case <-s.done:
		return broker.ErrClosed
	case <-ctx.Done():
		if !s.abandon(channel, p) {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: awaiting confirmation: %w", channel, ctx.Err())
	}
}

func (s *subscriber) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.waiters = make(map[string][]*pendingSub)
	s.mu.Unlock()

	close(s.done)
	err := s.pubsub.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *subscriber) register(channel string) (*pendingSub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, broker.ErrClosed
	}
	p := &pendingSub{ack: make(chan struct{})}
	s.waiters[channel] = append(s.waiters[channel], p)
	return p, nil
}

// dropWaiter forgets a waiter whose SUBSCRIBE was never sent.
func (s *subscriber) dropWaiter(channel string, p *pendingSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[channel]
	for i, w := range list {
		if w == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, channel)
	} else {
		s.waiters[channel] = list
	}
}

// abandon marks p as no longer awaited. It reports false when the
// confirmation already arrived.
func (s *subscriber) abandon(channel string, p *pendingSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waiters[channel] {
		if w == p {
			p.abandoned = true
			return true
		}
	}
	return false
}

// acknowledge hands a subscribe confirmation to the oldest outstanding
// SUBSCRIBE of channel. Confirmations owed to abandoned waiters are
// swallowed so they never release a later one.
func (s *subscriber) acknowledge(channel string) {
	s.mu.Lock()
	list := s.waiters[channel]
	if len(list) == 0 {
		s.mu.Unlock()
		return
	}
	p := list[0]
	if len(list) == 1 {
		delete(s.waiters, channel)
	} else {
		s.waiters[channel] = list[1:]
	}
	s.mu.Unlock()

	if p.abandoned {
		s.log.Debug("redis pubsub stale confirmation", slog.String("channel", channel))
		return
	}
	close(p.ack)
}

// forgetAbandoned drops abandoned waiters after the connection broke: their
// confirmations were lost with it. Live waiters are released by the
// confirmations of the automatic re-subscribe.
func (s *subscriber) forgetAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, list := range s.waiters {
		kept := list[:0]
		for _, w := range list {
			if !w.abandoned {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(s.waiters, ch)
		} else {
			s.waiters[ch] = kept
		}
	}
}

// receiveLoop reads replies off the pub/sub connection until Close. The
// go-redis PubSub reconnects and re-subscribes its channel set on its own
// after a network error; confirmations for those re-subscriptions have no
// waiter and are ignored.
func (s *subscriber) receiveLoop() {
	ctx := context.Background()
	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			s.log.Warn("redis pubsub receive failed", slog.String("err", err.Error()))
			s.forgetAbandoned()
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.acknowledge(m.Channel)
			}
		case *redis.Message:
			if s.handler != nil {
				s.handler(m.Channel, []byte(m.Payload))
			}
		case *redis.Pong:
		default:
			s.log.Debug("redis pubsub unexpected reply", slog.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

// Compile-time interface checks
var (
	_ broker.Broker     = (*Broker)(nil)
	_ broker.Subscriber = (*subscriber)(nil)
	_ broker.Publisher  = (*publisher)(nil)
)
