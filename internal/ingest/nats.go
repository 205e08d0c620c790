// Package ingest connects the engine to message brokers: a NATS JetStream
// consumer feeding loss events into Submit, and publishers that fan
// committed outcomes out to JetStream and Kafka.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// EventsStream holds inbound loss events.
	EventsStream = "WRECKAGE_EVENTS"

	// OutcomesStream holds committed outcomes published by the engine.
	OutcomesStream = "WRECKAGE_OUTCOMES"

	// DefaultOutcomesPrefix is the subject prefix for outcome messages:
	// <prefix>.<kind>.<asset>.
	DefaultOutcomesPrefix = "wreckage.outcomes"

	// DefaultConsumer is the durable consumer name for the events stream.
	DefaultConsumer = "wreckage-engine"

	streamMaxAge = 72 * time.Hour
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("wreckage-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// StreamConfigs returns the stream definitions for the given inbound
// subject and outbound prefix. Streams use file storage and a 72h limit.
func StreamConfigs(eventsSubject, outcomesPrefix string) []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:      EventsStream,
			Subjects:  []string{eventsSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
		{
			Name:       OutcomesStream,
			Subjects:   []string{strings.TrimSuffix(outcomesPrefix, ".") + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     streamMaxAge,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		},
	}
}

// EnsureStreams creates the inbound and outbound streams if they don't
// exist, or updates them to the current definition.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, eventsSubject, outcomesPrefix string) error {
	for _, cfg := range StreamConfigs(eventsSubject, outcomesPrefix) {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		slog.Info("ensured stream", "stream", cfg.Name, "subjects", cfg.Subjects)
	}
	return nil
}
