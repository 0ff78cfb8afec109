package topic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jredh-dev/topicstream/bus"
	"github.com/jredh-dev/topicstream/store"
)

func TestProducerPushAllocatesIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	p := NewProducer("orders", store.NewMemory(), bus.NewMemory())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := p.PushMessageToTopic(ctx, map[string]int{"n": i}, "k", "")
		if err != nil {
			t.Fatalf("PushMessageToTopic: %v", err)
		}
		if id <= lastID {
			t.Fatalf("expected strictly increasing ids, got %d after %d", id, lastID)
		}
		lastID = id
	}
}

func TestProducerPushBeforeStartFails(t *testing.T) {
	p := NewProducer("orders", store.NewMemory(), bus.NewMemory())
	if _, err := p.PushMessageToTopic(context.Background(), "x", "k", ""); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestProducerPushAfterStopFails(t *testing.T) {
	ctx := context.Background()
	p := NewProducer("orders", store.NewMemory(), bus.NewMemory())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := p.PushMessageToTopic(ctx, "x", "k", ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected Start after Stop to fail with ErrStopped, got %v", err)
	}
}

func TestProducerDoubleStartFails(t *testing.T) {
	ctx := context.Background()
	p := NewProducer("orders", store.NewMemory(), bus.NewMemory())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyStarting) {
		t.Fatalf("expected ErrAlreadyStarting, got %v", err)
	}
}

func TestProducerPublishesWakeTokenOnPush(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	p := NewProducer("orders", store.NewMemory(), b)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	var woken atomic.Bool
	sess, err := b.Subscribe(ctx, channelName("orders"), func() { woken.Store(true) }, func(bus.Event) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sess.Close()

	if _, err := p.PushMessageToTopic(ctx, "hello", "k", ""); err != nil {
		t.Fatalf("PushMessageToTopic: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if woken.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected wake token to be published after push")
}
