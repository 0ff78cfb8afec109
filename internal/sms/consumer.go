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

// Package sms provides types and services for outbound SMS delivery, driven
// by a topicstream consumer and dispatched through configurable SMS backends.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jredh-dev/topicstream/topic"
)

const (
	// OutboxTopic is where producers publish messages they want sent as SMS.
	OutboxTopic = "sms-outbox"

	// DLQTopic is where messages that exhaust all retries are written so they
	// can be inspected and replayed manually without blocking the main consumer.
	DLQTopic = "sms-dlq"

	// maxRetries is the number of delivery attempts before a message is routed
	// to the DLQ. Each attempt adds a short exponential backoff.
	maxRetries = 3
)

// Consumer reads OutboundMessages from the sms-outbox topic and dispatches
// them via a Sender. Delivery is at-least-once: Run streams the topic from its
// beginning and the cursor is not persisted, so a process restart delivers
// every message on the topic again, including ones already sent.
//
// On repeated failure a message is forwarded to sms-dlq so the consumer can
// continue making progress without losing the problematic record.
type Consumer struct {
	consumer *topic.Consumer
	dlq      *topic.Producer
	sender   Sender
}

// NewConsumer builds a Consumer over an unstarted topic.Consumer subscribed
// to OutboxTopic and an unstarted topic.Producer targeting DLQTopic.
func NewConsumer(consumer *topic.Consumer, dlq *topic.Producer, sender Sender) *Consumer {
	return &Consumer{consumer: consumer, dlq: dlq, sender: sender}
}

// Run blocks, consuming messages until ctx is cancelled or the consumer
// crashes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.dlq.Start(ctx); err != nil {
		return fmt.Errorf("sms-sender: start dlq producer: %w", err)
	}
	if err := c.consumer.Start(ctx); err != nil {
		return fmt.Errorf("sms-sender: start consumer: %w", err)
	}

	crashed := make(chan error, 1)
	onDrained := func() {
		log.Printf("sms-sender: drained %q, waiting for new messages", OutboxTopic)
	}
	onCrashed := func(err error) { crashed <- err }

	log.Printf("sms-sender: consuming from topic %q", OutboxTopic)
	if err := c.consumer.StreamMessagesFrom(c.onMessage, nil, onDrained, onCrashed); err != nil {
		return fmt.Errorf("sms-sender: stream: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-crashed:
		return fmt.Errorf("sms-sender: consumer crashed: %w", err)
	}
}

// Close releases the underlying consumer and DLQ producer.
func (c *Consumer) Close() error {
	cerr := c.consumer.Stop()
	derr := c.dlq.Stop()
	if cerr != nil {
		return cerr
	}
	return derr
}

// onMessage attempts delivery up to maxRetries times with exponential
// backoff. It only returns a non-nil error (crashing the consumer) when the
// message also cannot be routed to the DLQ; an ordinary send failure that is
// successfully routed to the DLQ does not stop the consumer.
func (c *Consumer) onMessage(ctx context.Context, rec topic.Record) error {
	var msg OutboundMessage
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		return c.sendToDLQ(ctx, rec, fmt.Errorf("unmarshal: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = c.sender.Send(ctx, msg)
		if lastErr == nil {
			log.Printf("sms-sender: sent id=%s to=%s (attempt %d)", msg.ID, msg.To, attempt)
			return nil
		}

		log.Printf("sms-sender: attempt %d/%d failed for id=%s: %v", attempt, maxRetries, msg.ID, lastErr)

		if attempt < maxRetries {
			backoff := time.Duration(attempt) * 2 * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return c.sendToDLQ(ctx, rec, lastErr)
}

// sendToDLQ writes the original message payload to the dead-letter topic so
// it can be inspected and replayed without blocking the main consumer.
func (c *Consumer) sendToDLQ(ctx context.Context, rec topic.Record, reason error) error {
	if _, err := c.dlq.PushMessageToTopic(ctx, json.RawMessage(rec.Payload), rec.ShardingKey, rec.LogCompactID); err != nil {
		log.Printf("sms-sender: CRITICAL - could not write to DLQ: %v", err)
		return fmt.Errorf("dlq push failed after %v: %w", reason, err)
	}
	log.Printf("sms-sender: routed message id=%d to DLQ: %v", rec.ID, reason)
	return nil
}
