// topicctl is a small harness that drives a Producer and Consumer against a
// configured topic, plus a Setter running its own compaction overlay on a
// sibling "<TOPIC>-compacted" topic. It is a demonstration and operational
// smoke-test tool, not a library entry point.
//
// Configuration is read entirely from environment variables (see package
// config): STORE_CONNECTION_STRING, STORE_DATABASE, TOPIC, BUS_HOST,
// BUS_PORT, plus emulator toggles for local development.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/jredh-dev/topicstream/bus"
	"github.com/jredh-dev/topicstream/config"
	gohttp "github.com/jredh-dev/topicstream/services/go-http"
	"github.com/jredh-dev/topicstream/store"
	"github.com/jredh-dev/topicstream/topic"
)

func main() {
	cfg := config.Load()
	if cfg.Topic == "" {
		log.Fatal("topicctl: TOPIC is required")
	}

	ctx := context.Background()

	recordStore, err := store.NewFirestoreStore(ctx, store.FirestoreConfig{
		ProjectID:       cfg.Store.ConnectionString,
		CredentialsPath: cfg.Store.CredentialsPath,
		Database:        cfg.Store.Database,
		UseEmulator:     cfg.Store.UseEmulator,
		EmulatorHost:    cfg.Store.EmulatorHost,
	})
	if err != nil {
		log.Fatalf("topicctl: connecting to record store: %v", err)
	}

	signalBus, err := bus.NewPubSubBus(ctx, bus.PubSubConfig{
		ProjectID:      cfg.Store.ConnectionString,
		BusHost:        cfg.Bus.Host,
		BusPort:        cfg.Bus.Port,
		ConnectTimeout: cfg.Bus.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("topicctl: connecting to signal bus: %v", err)
	}

	producer := topic.NewProducer(cfg.Topic, recordStore, signalBus)
	if err := producer.Start(ctx); err != nil {
		log.Fatalf("topicctl: starting producer: %v", err)
	}

	consumer := topic.NewConsumer(cfg.Topic, recordStore, signalBus)
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("topicctl: starting consumer: %v", err)
	}

	err = consumer.StreamMessagesFrom(
		func(_ context.Context, rec topic.Record) error {
			log.Printf("topicctl: delivered id=%d shardingKey=%s logCompactId=%s payload=%s",
				rec.ID, rec.ShardingKey, rec.LogCompactID, rec.Payload)
			return nil
		},
		nil,
		func() { log.Printf("topicctl: %s drained", cfg.Topic) },
		func(err error) { log.Printf("topicctl: consumer crashed: %v", err) },
	)
	if err != nil {
		log.Fatalf("topicctl: starting stream: %v", err)
	}

	// The setter runs its own Consumer/Producer pair over a sibling topic so
	// its history replay and flush behavior can be exercised independently of
	// the raw producer/consumer demo above.
	compactedTopic := cfg.Topic + "-compacted"
	setter := topic.NewSetter(
		topic.NewConsumer(compactedTopic, recordStore, signalBus),
		topic.NewProducer(compactedTopic, recordStore, signalBus),
	)
	if err := setter.Start(ctx); err != nil {
		log.Fatalf("topicctl: starting setter: %v", err)
	}

	if seed := os.Getenv("TOPICCTL_SEED_PAYLOAD"); seed != "" {
		var payload any = seed
		var asJSON any
		if err := json.Unmarshal([]byte(seed), &asJSON); err == nil {
			payload = asJSON
		}
		id, err := producer.PushMessageToTopic(ctx, payload, os.Getenv("TOPICCTL_SEED_SHARDING_KEY"), "")
		if err != nil {
			log.Printf("topicctl: seed push failed: %v", err)
		} else {
			log.Printf("topicctl: seeded message id=%d", id)
		}
	}

	if compactID := os.Getenv("TOPICCTL_SEED_LOG_COMPACT_ID"); compactID != "" {
		seed := os.Getenv("TOPICCTL_SEED_COMPACTED_PAYLOAD")
		var payload any = seed
		var asJSON any
		if err := json.Unmarshal([]byte(seed), &asJSON); err == nil {
			payload = asJSON
		}
		if err := setter.SetLogCompactedPayload(compactID, payload); err != nil {
			log.Printf("topicctl: seed compacted set failed: %v", err)
		} else {
			setter.TriggerWaitingMessages()
			log.Printf("topicctl: queued compacted payload for id %q on %s", compactID, compactedTopic)
		}
	}

	srv := gohttp.New()
	consumer.AddDebugHandler(srv.Router)
	srv.OnStop(func() {
		_ = setter.Stop()
		_ = consumer.Stop()
		_ = producer.Stop()
		_ = signalBus.Close()
		_ = recordStore.Close()
	})

	log.Printf("topicctl: running for topic %q", cfg.Topic)
	if err := srv.ListenAndServe(":" + httpPort()); err != nil {
		log.Fatalf("topicctl: http server error: %v", err)
	}
}

func httpPort() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8080"
}
