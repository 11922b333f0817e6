package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cfx-go/internal/reliability"
)

// MessageHandler processes incoming messages. A returned error rejects the
// delivery without requeue.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages message consumption from RabbitMQ.
// Each subscription owns a channel and survives reconnects by declaring its
// queue again on the new connection.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger
	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
		subscriptions: make(map[*Subscription]struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one active consumer
type Subscription struct {
	consumer *Consumer
	declare  QueueDeclarer
	handler  MessageHandler
	tag      string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	queue    string
	ch       *amqp.Channel
	stopped  bool
	handling bool
}

// Subscribe declares the queue and starts consuming it
func (c *Consumer) Subscribe(ctx context.Context, declare QueueDeclarer, handler MessageHandler) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		consumer: c,
		declare:  declare,
		handler:  handler,
		tag:      "cfx-" + uuid.New().String(),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	deliveries, err := s.start()
	if err != nil {
		cancel()
		return nil, err
	}

	c.mu.Lock()
	c.subscriptions[s] = struct{}{}
	c.mu.Unlock()

	go s.run(deliveries)

	c.logger.Info("subscribed to queue",
		"queue", s.Queue(),
		"consumerTag", s.tag,
		"prefetchCount", c.prefetchCount,
	)

	return s, nil
}

// Close cancels every active subscription
func (c *Consumer) Close() error {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	return nil
}

// Queue returns the name of the consumed queue
func (s *Subscription) Queue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Cancel stops the consumer and waits for it to finish. When a delivery
// is being handled Cancel returns at once, so a handler may cancel its own
// subscription; the in-flight delivery completes in the background.
func (s *Subscription) Cancel() error {
	s.cancel()

	s.mu.Lock()
	s.stopped = true
	handling := s.handling
	if s.ch != nil {
		_ = s.ch.Cancel(s.tag, false)
		_ = s.ch.Close()
		s.ch = nil
	}
	s.mu.Unlock()

	if !handling {
		<-s.done
	}

	s.consumer.mu.Lock()
	delete(s.consumer.subscriptions, s)
	s.consumer.mu.Unlock()
	return nil
}

// begin marks a delivery in flight; false once the subscription is cancelled
func (s *Subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.handling = true
	return true
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.handling = false
	s.mu.Unlock()
}

// start opens a channel, declares the queue and begins consuming
func (s *Subscription) start() (<-chan amqp.Delivery, error) {
	c := s.consumer

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, &ConsumerError{ConsumerTag: s.tag, Op: "subscribe", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ConsumerError{ConsumerTag: s.tag, Op: "open channel", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, &ConsumerError{ConsumerTag: s.tag, Op: "set qos", Err: err}
	}

	queue, err := s.declare(ch)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{ConsumerTag: s.tag, Op: "declare", Err: err}
	}

	deliveries, err := ch.Consume(
		queue,
		s.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: s.tag, Op: "consume", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: s.tag, Op: "consume", Err: ErrConsumerClosed}
	}
	s.ch = ch
	s.queue = queue

	return deliveries, nil
}

// run processes deliveries and resubscribes whenever the channel drops
func (s *Subscription) run(deliveries <-chan amqp.Delivery) {
	defer close(s.done)
	c := s.consumer

	for {
		s.consume(deliveries)
		if s.ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing", "queue", s.Queue(), "consumerTag", s.tag)

		schedule := reliability.ReconnectBackoff(500*time.Millisecond, 30*time.Second, 0)
		err := reliability.Do(s.ctx, schedule, func() error {
			if err := c.manager.WaitConnected(s.ctx); err != nil {
				return &ConsumerError{Queue: s.Queue(), ConsumerTag: s.tag, Op: "resubscribe", Err: err}
			}
			next, err := s.start()
			if err != nil {
				return err
			}
			deliveries = next
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("resubscribe failed",
				"queue", s.Queue(),
				"attempt", attempt+1,
				"error", err,
				"nextRetryIn", delay)
		})
		if err != nil {
			if s.ctx.Err() == nil {
				c.logger.Error("consumer stopped", "queue", s.Queue(), "error", err)
			}
			return
		}

		c.logger.Info("resubscribed to queue", "queue", s.Queue(), "consumerTag", s.tag)
	}
}

func (s *Subscription) consume(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-s.ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if !s.begin() {
				return
			}
			s.handleMessage(delivery)
			s.end()
		}
	}
}

// handleMessage acks on success and rejects without requeue on error
func (s *Subscription) handleMessage(delivery amqp.Delivery) {
	logger := s.consumer.logger

	if err := s.handler(s.ctx, delivery); err != nil {
		logger.Error("failed to handle message",
			"error", err,
			"queue", s.Queue(),
			"messageId", delivery.MessageId,
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			logger.Error("failed to nack message", "error", nackErr, "originalError", err)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		logger.Error("failed to ack message", "error", ackErr)
	}
}
