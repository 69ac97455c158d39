// Package memory provides an in-process implementation of broker.Broker.
// All connections opened from the same Bus share one message space, which
// makes it suitable for tests that simulate several server instances inside
// one process, and for single-instance deployments.
package memory

import (
	"context"
	"sync"

	"github.com/CGuiho/nante40-core/broker"
)

// Bus implements broker.Broker with in-memory queues.
//
// Publish enqueues the message for every subscribed connection while holding
// the bus lock, so all connections observe the same per-channel order. Each
// subscriber connection drains its own queue on a dedicated goroutine.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type message struct {
	channel string
	payload []byte
}

type subscriber struct {
	bus     *Bus
	handler broker.MessageHandler

	// guarded by bus.mu
	channels map[string]struct{}
	queue    []message
	closed   bool

	wake chan struct{}
	done chan struct{}
}

type publisher struct {
	bus *Bus

	mu     sync.Mutex
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// NewSubscriber implements broker.Broker.
func (b *Bus) NewSubscriber(ctx context.Context, handler broker.MessageHandler) (broker.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscriber{
		bus:      b,
		handler:  handler,
		channels: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s, nil
}

// NewPublisher implements broker.Broker.
func (b *Bus) NewPublisher(ctx context.Context) (broker.Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &publisher{bus: b}, nil
}

// Subscribers reports how many open subscriber connections are subscribed to
// channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		if _, ok := s.channels[channel]; ok {
			n++
		}
	}
	return n
}

func (b *Bus) publish(channel string, payload []byte) {
	msg := message{channel: channel, payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if _, ok := s.channels[channel]; !ok {
			continue
		}
		s.queue = append(s.queue, msg)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *subscriber) Subscribe(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return broker.ErrClosed
	}
	s.channels[channel] = struct{}{}
	return nil
}

func (s *subscriber) Unsubscribe(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return broker.ErrClosed
	}
	delete(s.channels, channel)
	return nil
}

func (s *subscriber) Close() error {
	s.bus.mu.Lock()
	if s.closed {
		s.bus.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	close(s.done)
	return nil
}

// run delivers queued messages in order until the connection is closed.
func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.bus.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.bus.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.bus.mu.Unlock()

			if s.handler != nil {
				s.handler(msg.channel, msg.payload)
			}
		}
	}
}

func (p *publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	p.bus.publish(channel, payload)
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker     = (*Bus)(nil)
	_ broker.Subscriber = (*subscriber)(nil)
	_ broker.Publisher  = (*publisher)(nil)
)
