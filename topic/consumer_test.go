package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jredh-dev/topicstream/bus"
	"github.com/jredh-dev/topicstream/store"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConsumerDrainsEmptyTopic(t *testing.T) {
	ctx := context.Background()
	c := NewConsumer("empty", store.NewMemory(), bus.NewMemory())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	var drained boolLatch
	err := c.StreamMessagesFrom(
		func(context.Context, Record) error { return nil },
		nil,
		func() { drained.set(true) },
		func(error) {},
	)
	if err != nil {
		t.Fatalf("StreamMessagesFrom: %v", err)
	}

	waitFor(t, 3*time.Second, drained.get)
}

func TestConsumerDeliversPushedMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b := bus.NewMemory()

	p := NewProducer("orders", s, b)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("producer Start: %v", err)
	}
	defer p.Stop()

	c := NewConsumer("orders", s, b)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("consumer Start: %v", err)
	}
	defer c.Stop()

	var mu sync.Mutex
	var delivered []int64
	err := c.StreamMessagesFrom(
		func(_ context.Context, rec Record) error {
			mu.Lock()
			delivered = append(delivered, rec.ID)
			mu.Unlock()
			return nil
		},
		nil,
		func() {},
		func(error) {},
	)
	if err != nil {
		t.Fatalf("StreamMessagesFrom: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := p.PushMessageToTopic(ctx, fmt.Sprintf("m%d", i), "k", ""); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range delivered {
		if id != int64(i+1) {
			t.Fatalf("delivered[%d] = %d, want %d", i, id, i+1)
		}
	}
}

func TestConsumerCrashesOnCallbackErrorAndStopsDelivering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b := bus.NewMemory()

	p := NewProducer("orders", s, b)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("producer Start: %v", err)
	}
	defer p.Stop()

	for i := 0; i < 5; i++ {
		if _, err := p.PushMessageToTopic(ctx, fmt.Sprintf("m%d", i), "k", ""); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	c := NewConsumer("orders", s, b)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("consumer Start: %v", err)
	}
	defer c.Stop()

	boomErr := errors.New("boom")
	var mu sync.Mutex
	var delivered []int64
	var crashErr error
	var crashed boolLatch

	err := c.StreamMessagesFrom(
		func(_ context.Context, rec Record) error {
			if rec.ID == 3 {
				return boomErr
			}
			mu.Lock()
			delivered = append(delivered, rec.ID)
			mu.Unlock()
			return nil
		},
		nil,
		func() {},
		func(err error) {
			crashErr = err
			crashed.set(true)
		},
	)
	if err != nil {
		t.Fatalf("StreamMessagesFrom: %v", err)
	}

	waitFor(t, 3*time.Second, crashed.get)

	mu.Lock()
	got := append([]int64(nil), delivered...)
	mu.Unlock()

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected exactly ids [1 2] delivered, got %v", got)
	}
	if c.LastID() != 3 {
		t.Fatalf("expected lastId == 3, got %d", c.LastID())
	}
	if !errors.Is(crashErr, boomErr) {
		t.Fatalf("expected onCrashed to receive the thrown error, got %v", crashErr)
	}
	if consumerState(c.state.Load()) != consumerStopped {
		t.Fatalf("expected consumer to settle in Stopped after crash, got %v", consumerState(c.state.Load()))
	}
}

func TestConsumerDoubleStreamFails(t *testing.T) {
	ctx := context.Background()
	c := NewConsumer("orders", store.NewMemory(), bus.NewMemory())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	noop := func(context.Context, Record) error { return nil }
	if err := c.StreamMessagesFrom(noop, nil, func() {}, func(error) {}); err != nil {
		t.Fatalf("first StreamMessagesFrom: %v", err)
	}
	if err := c.StreamMessagesFrom(noop, nil, func() {}, func(error) {}); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}
}

// boolLatch is a tiny test-only boolean latch; avoids importing sync/atomic's
// Bool type in every test just to flip one flag from a callback.
type boolLatch struct {
	mu sync.Mutex
	v  bool
}

func (a *boolLatch) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *boolLatch) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
