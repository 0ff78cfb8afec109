package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jredh-dev/topicstream/bus"
	"github.com/jredh-dev/topicstream/store"
)

// wakeRetryInterval is how often a failed wake publish is retried, forever,
// while the producer is alive.
const wakeRetryInterval = 10 * time.Second

type producerState int32

const (
	producerIdle producerState = iota
	producerStarting
	producerStarted
	producerStopped
)

// Producer appends messages to a topic with strict ordering, allocating each
// message's id from the record store's linearized counter before inserting,
// then firing an advisory wake token on the signal bus.
type Producer struct {
	topicName string
	store     store.Store
	bus       bus.Bus

	state  atomic.Int32
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProducer builds a Producer for topicName over the given store and bus.
func NewProducer(topicName string, s store.Store, b bus.Bus) *Producer {
	return &Producer{topicName: topicName, store: s, bus: b}
}

// Start transitions the producer into its started state. A second in-flight
// Start fails with ErrAlreadyStarting; calling Start after Stop fails with
// ErrStopped.
func (p *Producer) Start(context.Context) error {
	if !p.state.CompareAndSwap(int32(producerIdle), int32(producerStarting)) {
		switch producerState(p.state.Load()) {
		case producerStopped:
			return ErrStopped
		default:
			return ErrAlreadyStarting
		}
	}
	p.stopCh = make(chan struct{})
	p.state.Store(int32(producerStarted))
	return nil
}

// PushMessageToTopic allocates the next id, durably inserts the record, and
// fires a best-effort wake token. payload is marshaled to JSON for storage,
// matching the engine's canonical-hashing requirement for payloads that
// carry timestamps. logCompactID is optional; pass "" to omit it.
func (p *Producer) PushMessageToTopic(ctx context.Context, payload any, shardingKey, logCompactID string) (int64, error) {
	if producerState(p.state.Load()) != producerStarted {
		if producerState(p.state.Load()) == producerStopped {
			return 0, ErrStopped
		}
		return 0, ErrNotStarted
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("topic: marshal payload: %w", err)
	}

	id, err := p.store.AllocateNextID(ctx, p.topicName)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}

	rec := store.Record{
		ID:           id,
		CreatedAt:    time.Now(),
		ShardingKey:  shardingKey,
		LogCompactID: logCompactID,
		Payload:      raw,
	}
	if err := p.store.Insert(ctx, p.topicName, rec); err != nil {
		// id is burned: no retry reuses it, only the counter read order
		// defines topic order.
		return id, fmt.Errorf("%w: %v", ErrInsertNotAcknowledged, err)
	}

	p.wg.Add(1)
	go p.publishWithRetry()

	return id, nil
}

// publishWithRetry fires the wake token once, retrying every
// wakeRetryInterval forever while the producer is alive if publish fails. A
// dropped wake is not catastrophic on its own: consumers still drain on
// their next poll tick or lifecycle event.
func (p *Producer) publishWithRetry() {
	defer p.wg.Done()
	ch := channelName(p.topicName)
	for {
		err := p.bus.Publish(context.Background(), ch, wakeToken)
		if err == nil {
			return
		}
		select {
		case <-time.After(wakeRetryInterval):
		case <-p.stopCh:
			return
		}
	}
}

// Stop closes the producer. Subsequent operations fail with ErrStopped. It
// does not wait for in-flight wake retries beyond letting them observe the
// close signal.
func (p *Producer) Stop() error {
	prev := producerState(p.state.Swap(int32(producerStopped)))
	if prev == producerStopped {
		return nil
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.wg.Wait()
	return nil
}
