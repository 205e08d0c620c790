package engine

import (
	"context"
	"errors"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// Publisher forwards committed outcomes to an external sink (websocket
// clients, a Kafka topic, a JetStream subject). Publishing happens after
// outcomes are committed and persisted; a publish failure never undoes them.
type Publisher interface {
	Publish(ctx context.Context, outcomes []model.Outcome) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, outcomes []model.Outcome) error

func (f PublisherFunc) Publish(ctx context.Context, outcomes []model.Outcome) error {
	return f(ctx, outcomes)
}

// MultiPublisher fans outcomes out to every publisher in order. Every sink
// is attempted; the errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, outcomes []model.Outcome) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, outcomes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
