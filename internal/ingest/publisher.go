package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sugawarayuuta/sonnet"

	"github.com/fryprotocol/wreckage-engine/internal/engine"
	"github.com/fryprotocol/wreckage-engine/internal/metrics"
	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// Envelope is the outbound payload for one committed outcome. RecordID
// matches the execution ledger row, so consumers can deduplicate.
type Envelope struct {
	RecordID string        `json:"record_id"`
	Kind     string        `json:"kind"`
	Asset    string        `json:"asset"`
	Outcome  model.Outcome `json:"outcome"`
}

// NewEnvelope wraps an outcome for publishing.
func NewEnvelope(o model.Outcome) Envelope {
	return Envelope{
		RecordID: engine.RecordID(o),
		Kind:     string(o.Kind),
		Asset:    AssetOf(o),
		Outcome:  o,
	}
}

// AssetOf returns the asset an outcome settled.
func AssetOf(o model.Outcome) string {
	switch o.Kind {
	case model.OutcomeMatched:
		return o.Pair.First.Asset
	case model.OutcomeRouted:
		return o.Route.Event.Asset
	}
	return o.Rejection.Event.Asset
}

// JetStreamPublisher publishes committed outcomes to
// <prefix>.<kind>.<asset>. It implements engine.Publisher.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	prefix string
}

// NewJetStreamPublisher creates a publisher. An empty prefix selects
// DefaultOutcomesPrefix.
func NewJetStreamPublisher(js jetstream.JetStream, prefix string) *JetStreamPublisher {
	if prefix == "" {
		prefix = DefaultOutcomesPrefix
	}
	return &JetStreamPublisher{js: js, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an outcome is published on.
func (p *JetStreamPublisher) Subject(o model.Outcome) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, o.Kind, AssetOf(o))
}

// Publish sends every outcome, using the record id as the JetStream
// message id so retries are deduplicated by the stream.
func (p *JetStreamPublisher) Publish(ctx context.Context, outcomes []model.Outcome) error {
	var errs []error
	for _, o := range outcomes {
		env := NewEnvelope(o)
		data, err := sonnet.Marshal(env)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal outcome %s: %w", env.RecordID, err))
			continue
		}
		if _, err := p.js.Publish(ctx, p.Subject(o), data, jetstream.WithMsgID(env.RecordID)); err != nil {
			errs = append(errs, fmt.Errorf("publish outcome %s: %w", env.RecordID, err))
		}
	}
	if len(errs) > 0 {
		metrics.PublishFailures.WithLabelValues("jetstream").Add(float64(len(errs)))
	}
	return errors.Join(errs...)
}
