package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"traced/internal/trace"
)

// DefaultCapacity is the per-subscriber backlog before a slow consumer is
// marked lagged.
const DefaultCapacity = 256

// Kind tags a broadcast message for the wire.
type Kind string

const (
	KindNewTrace Kind = "new_log"
	KindLagged   Kind = "lagged"
)

// Message is what subscribers receive: either a trace change notice or a
// lag notice carrying the number of missed notifications.
type Message struct {
	Kind    Kind
	Summary trace.Summary
	Missed  uint64
}

// Broadcaster fans trace change notices out to live subscribers. Publishing
// never blocks: a subscriber whose backlog is full stops receiving and is
// handed a single lag notice with the missed count once it catches up.
type Broadcaster struct {
	mu       sync.Mutex
	capacity int
	subs     map[string]*Subscriber
	closed   bool
}

func New(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		capacity: capacity,
		subs:     make(map[string]*Subscriber),
	}
}

// Subscriber is one live consumer. Receive with Recv and release with Close.
type Subscriber struct {
	b  *Broadcaster
	id string

	ch        chan trace.Summary
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	lagged bool
	missed uint64
}

func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		b:      b,
		id:     uuid.NewString(),
		ch:     make(chan trace.Summary, b.capacity),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.markClosed()
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers a change notice to every subscriber without blocking.
// The return value counts subscribers that missed this notice because their
// backlog was full.
func (b *Broadcaster) Publish(sum trace.Summary) int {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	dropped := 0
	for _, s := range subs {
		if !s.offer(sum) {
			dropped++
		}
	}
	return dropped
}

// Subscribers reports the current number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers. Further Subscribe calls return already-closed
// subscribers and Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

func (s *Subscriber) offer(sum trace.Summary) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Once lagged, the backlog is frozen until the consumer drains it and
	// takes the lag notice; everything published meanwhile only counts.
	if s.lagged {
		s.missed++
		return false
	}

	select {
	case s.ch <- sum:
		s.signal()
		return true
	default:
		s.lagged = true
		s.missed = 1
		return false
	}
}

func (s *Subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv blocks for the next message. After a consumer falls behind it first
// drains the backlog captured before the overflow, then receives one lagged
// message, then resumes normal delivery.
func (s *Subscriber) Recv(ctx context.Context) (Message, error) {
	for {
		select {
		case sum := <-s.ch:
			return Message{Kind: KindNewTrace, Summary: sum}, nil
		default:
		}

		s.mu.Lock()
		if s.lagged {
			missed := s.missed
			s.lagged = false
			s.missed = 0
			s.mu.Unlock()
			return Message{Kind: KindLagged, Missed: missed}, nil
		}
		s.mu.Unlock()

		select {
		case sum := <-s.ch:
			return Message{Kind: KindNewTrace, Summary: sum}, nil
		case <-s.wake:
		case <-s.closed:
			return Message{}, context.Canceled
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close removes the subscriber from the broadcaster.
func (s *Subscriber) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
	s.markClosed()
}

func (s *Subscriber) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}
