// nascent-nexus - Personal AI assistant system
// Copyright (C) 2025  nascent-nexus contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// sms-sender is a long-running topicstream consumer that reads outbound SMS
// messages from the "sms-outbox" topic and delivers them via the configured
// SMS backend.
//
// Configuration is done entirely via environment variables so the binary runs
// identically in Docker, on bare metal, or in any CI environment. It shares
// the engine's recognized options (STORE_CONNECTION_STRING, STORE_DATABASE,
// BUS_HOST, BUS_PORT, see package config) plus:
//
//	TELNYX_API_KEY      Telnyx API v2 key (starts with "KEY...")
//	TELNYX_FROM_NUMBER  E.164 number provisioned in Telnyx, e.g. "+15550001234"
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jredh-dev/topicstream/bus"
	"github.com/jredh-dev/topicstream/config"
	"github.com/jredh-dev/topicstream/internal/sms"
	"github.com/jredh-dev/topicstream/store"
	"github.com/jredh-dev/topicstream/topic"
)

func main() {
	apiKey := requireEnv("TELNYX_API_KEY")
	fromNumber := requireEnv("TELNYX_FROM_NUMBER")
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recordStore, err := store.NewFirestoreStore(ctx, store.FirestoreConfig{
		ProjectID:       cfg.Store.ConnectionString,
		CredentialsPath: cfg.Store.CredentialsPath,
		Database:        cfg.Store.Database,
		UseEmulator:     cfg.Store.UseEmulator,
		EmulatorHost:    cfg.Store.EmulatorHost,
	})
	if err != nil {
		log.Fatalf("sms-sender: connecting to record store: %v", err)
	}
	defer recordStore.Close() //nolint:errcheck

	signalBus, err := bus.NewPubSubBus(ctx, bus.PubSubConfig{
		ProjectID:      cfg.Store.ConnectionString,
		BusHost:        cfg.Bus.Host,
		BusPort:        cfg.Bus.Port,
		ConnectTimeout: cfg.Bus.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("sms-sender: connecting to signal bus: %v", err)
	}
	defer signalBus.Close() //nolint:errcheck

	sender := sms.NewTelnyxSender(apiKey, fromNumber)
	outboxConsumer := topic.NewConsumer(sms.OutboxTopic, recordStore, signalBus)
	dlqProducer := topic.NewProducer(sms.DLQTopic, recordStore, signalBus)
	consumer := sms.NewConsumer(outboxConsumer, dlqProducer, sender)
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Printf("sms-sender: error closing consumer: %v", err)
		}
	}()

	log.Printf("sms-sender: starting (topic=%s from=%s)", sms.OutboxTopic, fromNumber)
	if err := consumer.Run(ctx); err != nil {
		log.Fatalf("sms-sender: fatal error: %v", err)
	}
	log.Println("sms-sender: shutdown complete")
}

// requireEnv returns the value of the named environment variable or calls
// log.Fatal if it is empty.  This keeps startup-time misconfiguration loud and
// obvious rather than surfacing as a runtime nil-pointer or auth failure later.
func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("sms-sender: required environment variable %q is not set", key)
	}
	return v
}
