package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"github.com/fryprotocol/wreckage-engine/internal/correlation"
	"github.com/fryprotocol/wreckage-engine/internal/engine"
	"github.com/fryprotocol/wreckage-engine/internal/metrics"
	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// ErrMalformed is returned by Decode for payloads that are not a loss event.
var ErrMalformed = errors.New("ingest: malformed loss event message")

// retryDelay is how long a limiter-rejected message waits before
// redelivery, giving a processing pass time to drain the pending set.
const retryDelay = 5 * time.Second

// Submitter accepts loss events. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, event model.LossEvent) (model.LossEvent, error)
}

// EventMessage is the wire payload of a loss event on the events stream.
// Venue and Asset may be omitted when the subject carries them:
// wreckage.events.<venue>.<asset>.
type EventMessage struct {
	ID           string          `json:"id"`
	Venue        string          `json:"venue"`
	Asset        string          `json:"asset"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	ExposureSign int             `json:"exposure_sign"`
	CreatedAt    *time.Time      `json:"created_at,omitempty"`
}

// Decode parses a message body into a loss event, filling venue and asset
// from the subject tokens when the body leaves them empty.
func Decode(subject string, data []byte) (model.LossEvent, error) {
	var msg EventMessage
	if err := sonnet.Unmarshal(data, &msg); err != nil {
		return model.LossEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := model.LossEvent{
		ID:           msg.ID,
		Venue:        msg.Venue,
		Asset:        msg.Asset,
		AmountUSD:    msg.AmountUSD,
		ExposureSign: msg.ExposureSign,
	}
	if msg.CreatedAt != nil {
		ev.CreatedAt = msg.CreatedAt.UTC()
	}

	// wreckage.events.<venue>.<asset>
	tokens := strings.Split(subject, ".")
	if len(tokens) >= 4 {
		if ev.Venue == "" {
			ev.Venue = tokens[2]
		}
		if ev.Asset == "" {
			ev.Asset = tokens[3]
		}
	}
	return ev, nil
}

// Disposition is what the consumer does with a message after handling it.
type Disposition int

const (
	// Ack removes the message from the stream: accepted or already known.
	Ack Disposition = iota
	// Nak asks for redelivery after a delay.
	Nak
	// Term drops a message that can never be accepted.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	}
	return "unknown"
}

// Subscriber consumes loss events from JetStream and submits them to the
// engine. Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
type Subscriber struct {
	js       jetstream.JetStream
	sub      Submitter
	subject  string
	consumer string
	log      *slog.Logger
	cc       jetstream.ConsumeContext
}

// NewSubscriber creates a subscriber for subject on the events stream.
func NewSubscriber(js jetstream.JetStream, sub Submitter, subject string, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		js:       js,
		sub:      sub,
		subject:  subject,
		consumer: DefaultConsumer,
		log:      log,
	}
}

// Start creates the durable consumer and begins delivering messages.
// Messages are handled until Stop is called or ctx is done.
func (s *Subscriber) Start(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, EventsStream, jetstream.ConsumerConfig{
		Durable:       s.consumer,
		FilterSubject: s.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch s.Handle(ctx, msg.Subject(), msg.Data(), MessageID(msg)) {
		case Ack:
			msg.Ack()
		case Nak:
			msg.NakWithDelay(retryDelay)
		case Term:
			msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.consumer, err)
	}
	s.cc = cc

	s.log.Info("subscribed to loss events", "subject", s.subject, "consumer", s.consumer)
	return nil
}

// MessageID returns a redelivery-stable id for msg: the publisher's
// Nats-Msg-Id header when set, otherwise the stream name and sequence.
func MessageID(msg jetstream.Msg) string {
	if id := msg.Headers().Get(jetstream.MsgIDHeader); id != "" {
		return id
	}
	md, err := msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s-%d", md.Stream, md.Sequence.Stream)
}

// Handle decodes and submits one message and reports how it should be
// acknowledged. msgID names an event whose body carries no id, so a
// redelivered message is caught as a duplicate.
func (s *Subscriber) Handle(ctx context.Context, subject string, data []byte, msgID string) Disposition {
	ev, err := Decode(subject, data)
	if err != nil {
		metrics.IngestedMessages.WithLabelValues("invalid").Inc()
		s.log.Warn("dropping malformed loss event", "subject", subject, "err", err)
		return Term
	}
	if ev.ID == "" {
		ev.ID = msgID
	}

	accepted, err := s.sub.Submit(ctx, ev)
	switch {
	case err == nil:
		metrics.IngestedMessages.WithLabelValues("accepted").Inc()
		s.log.Debug("loss event ingested", "event_id", accepted.ID, "subject", subject)
		return Ack
	case errors.Is(err, engine.ErrDuplicateEvent):
		// Redelivery of an event we already hold.
		metrics.IngestedMessages.WithLabelValues("duplicate").Inc()
		return Ack
	case errors.Is(err, engine.ErrInvalidEvent):
		metrics.IngestedMessages.WithLabelValues("invalid").Inc()
		s.log.Warn("dropping invalid loss event", "event_id", ev.ID, "subject", subject, "err", err)
		return Term
	case errors.Is(err, correlation.ErrPoolLimitExceeded),
		errors.Is(err, correlation.ErrVenueLimitExceeded):
		metrics.IngestedMessages.WithLabelValues("retry").Inc()
		s.log.Info("loss event over exposure limit, retrying later", "event_id", ev.ID, "err", err)
		return Nak
	}
	metrics.IngestedMessages.WithLabelValues("retry").Inc()
	s.log.Error("submitting loss event failed", "event_id", ev.ID, "err", err)
	return Nak
}

// Stop stops message delivery.
func (s *Subscriber) Stop() {
	if s.cc != nil {
		s.cc.Stop()
		s.log.Info("nats subscriber stopped")
	}
}
