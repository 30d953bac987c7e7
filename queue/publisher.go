package queue

import (
	"context"
	"log/slog"

	"github.com/c360/refstream/retry"
	"github.com/c360/refstream/types"
)

// BrokerPublisher is the outbound side of the broker connection.
type BrokerPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Publisher pushes outbound envelopes to their fixed routing keys,
// retrying transient broker failures.
type Publisher struct {
	broker BrokerPublisher
	retry  retry.Config
	logger *slog.Logger
}

// NewPublisher creates a publisher over the given broker connection.
func NewPublisher(broker BrokerPublisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		broker: broker,
		retry:  retry.Quick(),
		logger: logger,
	}
}

// Publish marshals the envelope and publishes it to its routing key.
func (p *Publisher) Publish(ctx context.Context, env types.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	subject := env.RoutingKey()

	err = retry.Do(ctx, p.retry, func() error {
		return p.broker.Publish(ctx, subject, data)
	})
	if err != nil {
		p.logger.Error("failed to publish envelope",
			"subject", subject, "type", env.Type, "id", env.ID, "error", err)
		return err
	}
	return nil
}
