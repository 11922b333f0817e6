package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/internal/rabbitmq"
	"github.com/glimte/cfx-go/messaging"
	"github.com/glimte/cfx-go/security"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	logger            *slog.Logger
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger shared by every connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(t *Transport) {
		t.connectionOptions = append(t.connectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(t *Transport) {
		t.publisherOptions = append(t.publisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(t *Transport) {
		t.consumerOptions = append(t.consumerOptions, opts...)
	}
}

// NewTransport creates a new RabbitMQ transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Dial implements messaging.Transport. The dial is attempted once; after it
// succeeds the connection heals itself in the background.
func (t *Transport) Dial(ctx context.Context, uri string, sec *security.Context) (messaging.Connection, error) {
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.logger)}, t.connectionOptions...)
	manager, err := rabbitmq.NewConnectionManager(uri, sec, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", messaging.ErrInvalidAddress, err)
	}

	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithConfirmMode(true))
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(t.logger)}, t.consumerOptions...)
	c := &connection{
		uri:       messaging.SanitizeURI(uri),
		logger:    t.logger,
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, t.publisherOptions...),
		consumer:  rabbitmq.NewConsumer(manager, consumerOpts...),
		topology:  rabbitmq.NewTopology(pool),
	}
	manager.AddStateListener(c)

	return c, nil
}

// connection adapts one managed AMQP connection to messaging.Connection
type connection struct {
	uri       string
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.Topology
}

// OpenLink implements messaging.Connection. Exchange targets must exist;
// queue targets are routed through the default exchange.
func (c *connection) OpenLink(ctx context.Context, address string) (messaging.Link, error) {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if addr.Kind == messaging.AddressExchange {
		if err := c.topology.ProbeExchange(ctx, addr.Exchange); err != nil {
			return nil, targetError(err)
		}
	}
	return &link{conn: c, addr: addr}, nil
}

// Probe implements messaging.Connection with a passive declare
func (c *connection) Probe(ctx context.Context, address string) error {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return err
	}
	if addr.Kind == messaging.AddressExchange {
		err = c.topology.ProbeExchange(ctx, addr.Exchange)
	} else {
		err = c.topology.ProbeQueue(ctx, addr.Queue)
	}
	return targetError(err)
}

// targetError marks a broker NOT_FOUND as messaging.ErrTargetNotFound
func targetError(err error) error {
	if err != nil && rabbitmq.IsNotFound(err) {
		return fmt.Errorf("%w: %w", messaging.ErrTargetNotFound, err)
	}
	return err
}

// Subscribe implements messaging.Connection
func (c *connection) Subscribe(ctx context.Context, address string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	declare := rabbitmq.ListenerQueue(addr.Queue)
	if addr.Kind == messaging.AddressExchange {
		declare = rabbitmq.BoundQueue(addr.Exchange, addr.RoutingKey)
	}

	sub, err := c.consumer.Subscribe(ctx, declare, c.deliver(address, handler))
	if err != nil {
		return nil, err
	}
	return &subscription{address: address, sub: sub}, nil
}

// ReplyQueue implements messaging.Connection
func (c *connection) ReplyQueue(ctx context.Context, name string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	sub, err := c.consumer.Subscribe(ctx, rabbitmq.ReplyQueue(name), c.deliver(name, handler))
	if err != nil {
		return nil, err
	}
	return &subscription{address: sub.Queue(), sub: sub}, nil
}

// IsConnected implements messaging.Connection
func (c *connection) IsConnected() bool {
	return c.manager.IsConnected()
}

// Close implements messaging.Connection
func (c *connection) Close() error {
	c.manager.RemoveStateListener(c)
	c.consumer.Close()
	c.pool.Close()
	return c.manager.Close()
}

func (c *connection) deliver(address string, handler messaging.DeliveryHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, address, &delivery{conn: c, d: d})
	}
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *connection) OnConnected() {
	c.logger.Info("fabric connection available", "uri", c.uri)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *connection) OnDisconnected(err error) {
	c.logger.Warn("fabric connection lost", "uri", c.uri, "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *connection) OnReconnecting(attempt int) {
	c.logger.Debug("reconnecting to fabric", "uri", c.uri, "attempt", attempt)
}

type link struct {
	conn *connection
	addr messaging.Address
}

// Send implements messaging.Link
func (l *link) Send(ctx context.Context, msg *messaging.OutboundMessage) error {
	exchange, key := l.addr.PublishTarget()
	return l.conn.publisher.Publish(ctx, exchange, key, toPublishing(msg))
}

// Close implements messaging.Link. Links share the connection's channel pool.
func (l *link) Close() error {
	return nil
}

type subscription struct {
	address string
	sub     *rabbitmq.Subscription
}

// Address implements messaging.Subscription
func (s *subscription) Address() string {
	return s.address
}

// Cancel implements messaging.Subscription
func (s *subscription) Cancel() error {
	return s.sub.Cancel()
}

// delivery adapts amqp.Delivery to messaging.TransportDelivery
type delivery struct {
	conn *connection
	d    amqp.Delivery
}

// Body implements messaging.TransportDelivery
func (d *delivery) Body() []byte {
	return d.d.Body
}

// Metadata implements messaging.TransportDelivery
func (d *delivery) Metadata() messaging.MessageMetadata {
	meta := messaging.MessageMetadata{
		MessageID:     d.d.MessageId,
		CorrelationID: d.d.CorrelationId,
		ReplyTo:       d.d.ReplyTo,
		ContentType:   d.d.ContentType,
		Timestamp:     d.d.Timestamp,
	}
	if len(d.d.Headers) > 0 {
		meta.Headers = make(map[string]interface{}, len(d.d.Headers))
		for k, v := range d.d.Headers {
			meta.Headers[k] = v
		}
		if role, ok := d.d.Headers[messaging.RoleHeader].(string); ok {
			meta.Role = contracts.Role(role)
		}
	}
	return meta
}

// Reply implements messaging.TransportDelivery
func (d *delivery) Reply(ctx context.Context, msg *messaging.OutboundMessage) error {
	if d.d.ReplyTo == "" {
		return fmt.Errorf("%w: delivery has no reply address", messaging.ErrInvalidAddress)
	}
	return d.conn.publisher.Publish(ctx, "", d.d.ReplyTo, toPublishing(msg))
}

func toPublishing(msg *messaging.OutboundMessage) amqp.Publishing {
	meta := msg.Metadata
	p := amqp.Publishing{
		ContentType:   meta.ContentType,
		MessageId:     meta.MessageID,
		CorrelationId: meta.CorrelationID,
		ReplyTo:       meta.ReplyTo,
		Timestamp:     meta.Timestamp,
		DeliveryMode:  amqp.Persistent,
		Body:          msg.Body,
	}

	if len(meta.Headers) > 0 || meta.Role != "" {
		p.Headers = make(amqp.Table, len(meta.Headers)+1)
		for k, v := range meta.Headers {
			p.Headers[k] = v
		}
		if meta.Role != "" {
			p.Headers[messaging.RoleHeader] = string(meta.Role)
		}
	}

	return p
}
