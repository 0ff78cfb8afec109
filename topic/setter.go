package topic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// flushInterval is how often the setter's background flusher runs absent an
// explicit TriggerWaitingMessages call. flushAbortCooldown is how long a
// failed flush waits before the flushing latch clears, so a persistently
// failing downstream does not hot-loop the flusher.
const (
	flushInterval      = 60 * time.Second
	flushAbortCooldown = 20 * time.Second
)

type queuedAppend struct {
	payload     any
	shardingKey string
}

type queuedCompact struct {
	payload     any
	shardingKey string
	queuedAt    time.Time
}

// Setter is a log-compaction overlay over a Consumer (for history replay and
// live observation) and a Producer (for deduplicated writes). It suppresses
// writes whose payload is unchanged from the last confirmed payload for the
// same compaction id, and serializes outbound writes behind a single
// flusher.
type Setter struct {
	consumer *Consumer
	producer *Producer

	hashMu     sync.Mutex
	memoryHash map[string]string

	queueMu        sync.Mutex
	appendQueue    []queuedAppend
	compactedQueue map[string]*queuedCompact

	ready     atomic.Bool
	readyOnce sync.Once

	flushMu        sync.Mutex
	flushing       bool
	pendingTrigger time.Time

	ticker *time.Ticker
	stopCh chan struct{}
}

// NewSetter builds a Setter wrapping consumer and producer, both of which
// must already be configured for the same topic and not yet started.
func NewSetter(consumer *Consumer, producer *Producer) *Setter {
	return &Setter{
		consumer:       consumer,
		producer:       producer,
		memoryHash:     make(map[string]string),
		compactedQueue: make(map[string]*queuedCompact),
	}
}

// Start starts the wrapped consumer and producer, then begins replaying the
// topic from its beginning to populate the compaction memory map. The setter becomes ready
// for writes once history replay reports drained; until then, writes fail
// with ErrNotReady.
func (s *Setter) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("topic: setter start consumer: %w", err)
	}
	if err := s.producer.Start(ctx); err != nil {
		return fmt.Errorf("topic: setter start producer: %w", err)
	}
	if err := s.consumer.StreamMessagesFrom(s.onMessage, nil, s.onDrained, s.onCrashed); err != nil {
		return fmt.Errorf("topic: setter stream history: %w", err)
	}
	return nil
}

// Stop halts the background flusher and the wrapped consumer and producer.
func (s *Setter) Stop() error {
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	_ = s.consumer.Stop()
	return s.producer.Stop()
}

// onMessage observes every message the underlying consumer delivers, both
// during history replay and afterward for messages appended live, keeping
// memoryHash current against the topic's true state.
func (s *Setter) onMessage(_ context.Context, rec Record) error {
	if rec.LogCompactID == "" {
		log.Printf("topic: setter observed message id=%d without logCompactId", rec.ID)
		return nil
	}
	s.hashMu.Lock()
	s.memoryHash[rec.LogCompactID] = hashBytes(rec.Payload)
	s.hashMu.Unlock()
	return nil
}

func (s *Setter) onDrained() {
	s.readyOnce.Do(func() {
		s.ready.Store(true)
		s.stopCh = make(chan struct{})
		s.ticker = time.NewTicker(flushInterval)
		go s.tickLoop()
	})
}

func (s *Setter) onCrashed(err error) {
	log.Printf("topic: setter history replay crashed: %v", err)
}

func (s *Setter) tickLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ticker.C:
			s.TriggerWaitingMessages()
		}
	}
}

// SetLogCompactedPayload enqueues payload under compactionId, deduplicating
// against the last confirmed payload for that id. The compaction id doubles
// as the record's sharding key when the entry is eventually flushed.
func (s *Setter) SetLogCompactedPayload(compactionID string, payload any) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	h, err := hashPayload(payload)
	if err != nil {
		return fmt.Errorf("topic: hash compacted payload: %w", err)
	}

	s.hashMu.Lock()
	last, seen := s.memoryHash[compactionID]
	s.hashMu.Unlock()
	if seen && last == h {
		return nil
	}

	s.queueMu.Lock()
	s.compactedQueue[compactionID] = &queuedCompact{
		payload:     payload,
		shardingKey: compactionID,
		queuedAt:    time.Now(),
	}
	s.queueMu.Unlock()
	return nil
}

// SetPayload enqueues payload into the append queue under shardingKey. Entries
// are never deduplicated and are flushed in insertion order.
func (s *Setter) SetPayload(payload any, shardingKey string) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	s.queueMu.Lock()
	s.appendQueue = append(s.appendQueue, queuedAppend{payload: payload, shardingKey: shardingKey})
	s.queueMu.Unlock()
	return nil
}

// TriggerWaitingMessages forces a flush of both queues. If a flush is
// already running, the request is latched and the running flush re-runs
// itself once it finishes.
func (s *Setter) TriggerWaitingMessages() {
	s.flushMu.Lock()
	if s.flushing {
		s.pendingTrigger = time.Now()
		s.flushMu.Unlock()
		return
	}
	s.flushing = true
	s.flushMu.Unlock()

	go s.runFlush()
}

func (s *Setter) runFlush() {
	start := time.Now()

	if err := s.flushOnce(); err != nil {
		log.Printf("topic: setter flush aborted: %v", err)
		time.AfterFunc(flushAbortCooldown, func() {
			s.flushMu.Lock()
			s.flushing = false
			pending := !s.pendingTrigger.IsZero()
			s.pendingTrigger = time.Time{}
			s.flushMu.Unlock()
			if pending {
				s.TriggerWaitingMessages()
			}
		})
		return
	}

	s.flushMu.Lock()
	rerun := s.pendingTrigger.After(start)
	s.pendingTrigger = time.Time{}
	s.flushing = false
	s.flushMu.Unlock()

	if rerun {
		s.TriggerWaitingMessages()
	}
}

// flushOnce drains the append queue in insertion order, then the compacted
// queue in ascending queuedAt order. It returns on the first push failure,
// leaving the failing entry (and everything after it) queued for the next
// flush.
func (s *Setter) flushOnce() error {
	ctx := context.Background()

	for {
		s.queueMu.Lock()
		if len(s.appendQueue) == 0 {
			s.queueMu.Unlock()
			break
		}
		entry := s.appendQueue[0]
		s.queueMu.Unlock()

		if _, err := s.producer.PushMessageToTopic(ctx, entry.payload, entry.shardingKey, ""); err != nil {
			return fmt.Errorf("append queue: %w", err)
		}

		s.queueMu.Lock()
		s.appendQueue = s.appendQueue[1:]
		s.queueMu.Unlock()
	}

	for {
		s.queueMu.Lock()
		var key string
		var entry *queuedCompact
		for k, v := range s.compactedQueue {
			if entry == nil || v.queuedAt.Before(entry.queuedAt) {
				key, entry = k, v
			}
		}
		s.queueMu.Unlock()
		if entry == nil {
			break
		}

		if _, err := s.producer.PushMessageToTopic(ctx, entry.payload, entry.shardingKey, key); err != nil {
			return fmt.Errorf("compacted queue %q: %w", key, err)
		}

		h, hashErr := hashPayload(entry.payload)

		s.queueMu.Lock()
		if cur, ok := s.compactedQueue[key]; ok && cur == entry {
			delete(s.compactedQueue, key)
		}
		s.queueMu.Unlock()

		if hashErr == nil {
			s.hashMu.Lock()
			s.memoryHash[key] = h
			s.hashMu.Unlock()
		}
	}

	return nil
}

// hashPayload canonicalizes payload through encoding/json (which renders
// time.Time as RFC3339Nano, satisfying the Date-to-ISO-string canonicalization
// that structural hashing requires) and returns its sha256 hex digest.
func hashPayload(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return hashBytes(raw), nil
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
