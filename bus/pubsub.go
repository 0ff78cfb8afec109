package bus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	initialBackoff  = time.Second
	maxBackoff      = 5 * time.Second
	liveGracePeriod = 2 * time.Second
)

// PubSubConfig configures a PubSubBus connection. BusHost/BusPort mirror the
// emulator pattern used by store.FirestoreConfig: when set, they populate
// PUBSUB_EMULATOR_HOST so the client talks to a local emulator.
type PubSubConfig struct {
	ProjectID       string
	CredentialsPath string

	BusHost string
	BusPort string

	// ConnectTimeout bounds the initial Subscribe call. Zero uses 30s.
	ConnectTimeout time.Duration
}

// PubSubBus is a Bus backed by Cloud Pub/Sub.
type PubSubBus struct {
	client         *pubsub.Client
	connectTimeout time.Duration
}

// NewPubSubBus connects to Cloud Pub/Sub (or an emulator, if BusHost/BusPort
// are set).
func NewPubSubBus(ctx context.Context, cfg PubSubConfig) (*PubSubBus, error) {
	var opts []option.ClientOption

	if cfg.BusHost != "" {
		addr := cfg.BusHost
		if cfg.BusPort != "" {
			addr = cfg.BusHost + ":" + cfg.BusPort
		}
		if err := os.Setenv("PUBSUB_EMULATOR_HOST", addr); err != nil {
			return nil, fmt.Errorf("bus: failed to set emulator host: %w", err)
		}
	} else if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to pubsub: %w", err)
	}

	connectTimeout := 30 * time.Second
	if cfg.ConnectTimeout > 0 {
		connectTimeout = cfg.ConnectTimeout
	}
	return &PubSubBus{client: client, connectTimeout: connectTimeout}, nil
}

// Close releases the underlying Pub/Sub client.
func (b *PubSubBus) Close() error {
	return b.client.Close()
}

func (b *PubSubBus) ensureTopic(ctx context.Context, name string) (*pubsub.Topic, error) {
	t := b.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, name)
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return nil, err
		}
	}
	return t, nil
}

// Publish implements Bus.
func (b *PubSubBus) Publish(ctx context.Context, channel string, token []byte) error {
	t, err := b.ensureTopic(ctx, channel)
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	result := t.Publish(ctx, &pubsub.Message{Data: token})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe implements Bus. It provisions an ephemeral, per-session
// subscription on channel so every subscriber independently receives a
// broadcast of the same tokens, then runs a resilient receive loop that
// auto-resubscribes with capped exponential backoff on disconnect.
func (b *PubSubBus) Subscribe(ctx context.Context, channel string, onToken func(), onLifecycle func(Event)) (Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	topic, err := b.ensureTopic(connectCtx, channel)
	if err != nil {
		if connectCtx.Err() != nil {
			return nil, ErrBusConnectTimeout
		}
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	subName := channel + "-" + uuid.New().String()
	sub, err := b.client.CreateSubscription(connectCtx, subName, pubsub.SubscriptionConfig{
		Topic:            topic,
		ExpirationPolicy: 24 * time.Hour,
	})
	if err != nil {
		if connectCtx.Err() != nil {
			return nil, ErrBusConnectTimeout
		}
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &pubsubSession{
		sub:         sub,
		cancel:      sessCancel,
		ctx:         sessCtx,
		onToken:     onToken,
		onLifecycle: onLifecycle,
	}

	onLifecycle(Event{Kind: FirstReady})
	go s.run()

	return s, nil
}

// pubsubSession is a long-lived, auto-resubscribing Pub/Sub receive loop.
type pubsubSession struct {
	sub         *pubsub.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	onToken     func()
	onLifecycle func(Event)

	closeOnce sync.Once
}

func (s *pubsubSession) run() {
	backoff := initialBackoff
	attempt := 0
	var disconnectedAt time.Time

	for s.ctx.Err() == nil {
		done := make(chan error, 1)
		go func() {
			done <- s.sub.Receive(s.ctx, func(_ context.Context, m *pubsub.Message) {
				m.Ack()
				s.onToken()
			})
		}()

		select {
		case <-time.After(liveGracePeriod):
			if !disconnectedAt.IsZero() {
				s.onLifecycle(Event{Kind: Reconnected, Downtime: time.Since(disconnectedAt)})
			}
			disconnectedAt = time.Time{}
			backoff = initialBackoff
			attempt = 0
			<-done // block until this receive session eventually ends
		case <-done:
		}

		if s.ctx.Err() != nil {
			return
		}

		if disconnectedAt.IsZero() {
			disconnectedAt = time.Now()
		}
		attempt++
		s.onLifecycle(Event{Kind: Reconnecting, Attempt: attempt, Elapsed: time.Since(disconnectedAt)})

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close implements Session. It stops the receive loop and best-effort
// deletes the ephemeral subscription.
func (s *pubsubSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.sub.Delete(ctx)
	})
	return err
}
