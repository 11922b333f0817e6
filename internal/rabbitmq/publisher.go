package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultConfirmTimeout = 5 * time.Second

// Publisher sends envelopes through a confirm-mode channel pool.
// A failed publish is reported once and never retried.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm when ctx has no deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a publisher on pool. Without confirm mode a publish
// counts as accepted once it is written to the channel.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{pool: pool, confirmTimeout: defaultConfirmTimeout}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to exchange with routingKey and waits for the confirm.
// An empty exchange routes to the queue named by routingKey.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	send := func(ch *amqp.Channel) error {
		return awaitConfirm(ctx, ch, exchange, routingKey, msg)
	}
	if err := p.pool.Execute(ctx, send); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

func awaitConfirm(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, msg amqp.Publishing) error {
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil || confirm == nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	switch {
	case err != nil:
		return err
	case !acked:
		return ErrPublishNotConfirmed
	default:
		return nil
	}
}
