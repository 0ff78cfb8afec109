package topic

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jredh-dev/topicstream/bus"
	"github.com/jredh-dev/topicstream/store"
)

// pollTickInterval drives the wake-checking loop; fetchBatchSize bounds a
// single poll step so large backlogs drain over several quick ticks instead
// of one unbounded fetch.
const (
	pollTickInterval = time.Second
	fetchBatchSize   = 100
)

type consumerState int32

const (
	consumerNew consumerState = iota
	consumerStarting
	consumerStarted
	consumerStreaming
	consumerStopped
	consumerCrashed
)

// Consumer drives the wake-driven polling loop against a topic: it combines
// a durable pull from the record store with an advisory signal-bus wake to
// achieve low-latency delivery without busy polling.
type Consumer struct {
	topicName string
	store     store.Store
	bus       bus.Bus

	state   atomic.Int32
	session bus.Session

	lastID           atomic.Int64
	moreMessages     atomic.Bool
	polling          atomic.Bool
	drainedAnnounced atomic.Bool

	onMessage func(ctx context.Context, rec Record) error
	onDrained func()
	onCrashed func(error)

	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConsumer builds a Consumer for topicName over the given store and bus.
func NewConsumer(topicName string, s store.Store, b bus.Bus) *Consumer {
	return &Consumer{topicName: topicName, store: s, bus: b}
}

// Start subscribes to the topic's signal-bus channel. A second in-flight
// Start fails with ErrAlreadyStarting; Start after Stop fails with
// ErrStopped. A bus connect timeout (bus.ErrBusConnectTimeout) is fatal to
// Start.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(consumerNew), int32(consumerStarting)) {
		switch consumerState(c.state.Load()) {
		case consumerStopped, consumerCrashed:
			return ErrStopped
		default:
			return ErrAlreadyStarting
		}
	}

	session, err := c.bus.Subscribe(ctx, channelName(c.topicName), c.onWakeToken, c.onBusLifecycle)
	if err != nil {
		c.state.Store(int32(consumerStopped))
		return fmt.Errorf("topic: consumer start: %w", err)
	}
	c.session = session
	c.state.Store(int32(consumerStarted))
	return nil
}

// StreamMessagesFrom starts delivering messages with id > fromID (or from
// the beginning of the topic if fromID is nil) to onMessage, in ascending id
// order, forever, until Stop is called or onMessage returns an error. Cursor
// advance happens before onMessage is invoked: a failing callback will not
// be redelivered on a subsequent session reusing this cursor.
func (c *Consumer) StreamMessagesFrom(onMessage func(ctx context.Context, rec Record) error, fromID *int64, onDrained func(), onCrashed func(error)) error {
	if !c.state.CompareAndSwap(int32(consumerStarted), int32(consumerStreaming)) {
		switch consumerState(c.state.Load()) {
		case consumerStreaming:
			return ErrAlreadyStreaming
		case consumerStopped, consumerCrashed:
			return ErrStopped
		default:
			return ErrNotStarted
		}
	}

	c.onMessage = onMessage
	c.onDrained = onDrained
	c.onCrashed = onCrashed

	if fromID != nil {
		c.lastID.Store(*fromID)
	} else {
		c.lastID.Store(0)
	}
	c.moreMessages.Store(true)

	c.stopCh = make(chan struct{})
	c.ticker = time.NewTicker(pollTickInterval)
	go c.tickLoop()
	return nil
}

// Stop cancels the polling ticker, disconnects the bus session, and latches
// the consumer into its terminal state. Subsequent public calls fail with
// ErrStopped. After Stop returns, no further onMessage, onDrained, or
// onCrashed invocations occur.
func (c *Consumer) Stop() error {
	c.state.Store(int32(consumerStopped))

	c.stopOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
		}
		if c.session != nil {
			_ = c.session.Close()
		}
	})
	return nil
}

func (c *Consumer) onWakeToken() {
	c.moreMessages.Store(true)
	c.drainedAnnounced.Store(false)
}

// onBusLifecycle treats FirstReady and Reconnected as implicit wake tokens:
// the bus is advisory and must never be the sole reason a message is missed.
func (c *Consumer) onBusLifecycle(ev bus.Event) {
	switch ev.Kind {
	case bus.FirstReady, bus.Reconnected:
		c.onWakeToken()
	}
}

func (c *Consumer) tickLoop() {
	defer c.ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.ticker.C:
			c.onTick()
		}
	}
}

func (c *Consumer) onTick() {
	if consumerState(c.state.Load()) != consumerStreaming {
		return
	}

	if !c.moreMessages.Load() {
		if !c.polling.Load() && c.drainedAnnounced.CompareAndSwap(false, true) {
			c.safeCallOnDrained()
		}
		return
	}

	if !c.polling.CompareAndSwap(false, true) {
		return // previous poll still running
	}
	c.pollStep()
	c.polling.Store(false)
}

func (c *Consumer) pollStep() {
	ctx := context.Background()
	recs, err := c.store.FetchAfter(ctx, c.topicName, c.lastID.Load(), fetchBatchSize)
	if err != nil {
		log.Printf("topic: consumer poll for %q failed: %v", c.topicName, err)
		return
	}

	if len(recs) == 0 {
		c.moreMessages.Store(false)
		return
	}

	for _, rec := range recs {
		if consumerState(c.state.Load()) != consumerStreaming {
			return // stopped mid-batch
		}
		c.lastID.Store(rec.ID)
		if err := c.safeCallOnMessage(ctx, toRecord(rec)); err != nil {
			c.crash(err)
			return
		}
	}
	// moreMessages stays true: a full batch means more may be waiting.
}

func (c *Consumer) safeCallOnMessage(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("topic: onMessage panicked: %v", r)
		}
	}()
	return c.onMessage(ctx, rec)
}

func (c *Consumer) safeCallOnDrained() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("topic: onDrained panicked: %v", r)
		}
	}()
	if c.onDrained != nil {
		c.onDrained()
	}
}

func (c *Consumer) crash(err error) {
	c.state.Store(int32(consumerCrashed))
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("topic: onCrashed panicked: %v", r)
			}
		}()
		if c.onCrashed != nil {
			c.onCrashed(err)
		}
	}()
	_ = c.Stop()
}

// LastID returns the consumer's current cursor. Intended for debug/metrics
// use; the engine does not persist it.
func (c *Consumer) LastID() int64 {
	return c.lastID.Load()
}

func toRecord(rec store.Record) Record {
	return Record{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		ShardingKey:  rec.ShardingKey,
		LogCompactID: rec.LogCompactID,
		Payload:      rec.Payload,
	}
}
