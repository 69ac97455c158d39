package fanout

import "sync"

// DefaultBuffer is the per-subscription delivery queue used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 256

// Topics is the per-instance broadcast table: topic name to the set of local
// subscriptions. Delivery never blocks; a subscription whose queue is full is
// removed from its topic and its channel closed.
type Topics struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription receives payloads broadcast on one topic.
type Subscription struct {
	topic string
	ch    chan []byte

	// guarded by Topics.mu
	removed    bool
	overflowed bool
}

// NewTopics creates an empty table.
func NewTopics() *Topics {
	return &Topics{topics: make(map[string]map[*Subscription]struct{})}
}

// Topic returns the topic this subscription belongs to.
func (s *Subscription) Topic() string { return s.topic }

// C yields broadcast payloads in delivery order. It is closed when the
// subscription is removed, either by Unsubscribe or because it overflowed.
// Payloads are shared between subscribers and must not be modified.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Subscribe adds a subscription to topic with a delivery queue of the given
// size.
func (t *Topics) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{topic: topic, ch: make(chan []byte, buffer)}

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		t.topics[topic] = set
	}
	set[s] = struct{}{}
	return s
}

// Unsubscribe removes s from its topic and closes its channel. It is safe to
// call more than once and after an overflow.
func (t *Topics) Unsubscribe(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(s)
}

// Overflowed reports whether s was dropped because its queue was full.
func (t *Topics) Overflowed(s *Subscription) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return s.overflowed
}

// Broadcast delivers payload to every subscription on topic and returns how
// many accepted it.
func (t *Topics) Broadcast(topic string, payload []byte) int {
	var full []*Subscription
	delivered := 0

	t.mu.RLock()
	for s := range t.topics[topic] {
		select {
		case s.ch <- payload:
			delivered++
		default:
			full = append(full, s)
		}
	}
	t.mu.RUnlock()

	if len(full) > 0 {
		t.mu.Lock()
		for _, s := range full {
			if !s.removed {
				s.overflowed = true
			}
			t.removeLocked(s)
		}
		t.mu.Unlock()
	}
	return delivered
}

// Count returns the number of subscriptions on topic.
func (t *Topics) Count(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics[topic])
}

func (t *Topics) removeLocked(s *Subscription) {
	if s.removed {
		return
	}
	s.removed = true
	close(s.ch)
	if set, ok := t.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(t.topics, s.topic)
		}
	}
}
