package bus

import (
	"context"
	"sync"
)

// Memory is an in-memory Bus used for tests. Publish fans the token out to
// every currently-subscribed session on the channel, matching Cloud
// Pub/Sub's broadcast-to-all-subscribers semantics.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]*memorySession

	// FailNextPublish, when set, makes the next Publish call on any
	// channel fail once and then clear itself. Used to exercise the
	// producer's publish-retry path in tests.
	FailNextPublish bool
}

// NewMemory creates an empty in-memory Bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySession)}
}

// Publish implements Bus.
func (m *Memory) Publish(_ context.Context, channel string, _ []byte) error {
	m.mu.Lock()
	if m.FailNextPublish {
		m.FailNextPublish = false
		m.mu.Unlock()
		return errPublishFailed
	}
	sessions := append([]*memorySession(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, s := range sessions {
		s.deliver()
	}
	return nil
}

// Subscribe implements Bus. The in-memory bus never disconnects, so only
// FirstReady ever fires.
func (m *Memory) Subscribe(_ context.Context, channel string, onToken func(), onLifecycle func(Event)) (Session, error) {
	s := &memorySession{onToken: onToken}

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], s)
	m.mu.Unlock()

	s.owner = m
	s.channel = channel

	onLifecycle(Event{Kind: FirstReady})
	return s, nil
}

type memorySession struct {
	mu      sync.Mutex
	closed  bool
	onToken func()
	owner   *Memory
	channel string
}

func (s *memorySession) deliver() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.onToken()
	}
}

func (s *memorySession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	subs := s.owner.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.owner.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

var errPublishFailed = &publishError{}

type publishError struct{}

func (e *publishError) Error() string { return "bus: publish failed (injected)" }
