package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclarer declares the queue a consumer reads from and returns its name.
// It runs again on the fresh channel after every reconnect.
type QueueDeclarer func(ch *amqp.Channel) (string, error)

// queueSpec is the shape of each queue kind an endpoint consumes from.
// Exclusive queues are auto-deleted with their connection.
type queueSpec struct {
	name      string
	durable   bool
	exclusive bool
}

func (s queueSpec) declare(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare(s.name, s.durable, s.exclusive, s.exclusive, false, nil)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: s.name, Op: "declare", Err: err}
	}
	return q.Name, nil
}

// ListenerQueue declares a named durable queue shared by every listener on it
func ListenerQueue(name string) QueueDeclarer {
	return queueSpec{name: name, durable: true}.declare
}

// ReplyQueue declares the named exclusive queue responses come back on
func ReplyQueue(name string) QueueDeclarer {
	return queueSpec{name: name, exclusive: true}.declare
}

// BoundQueue declares a server-named exclusive queue bound to exchange with key
func BoundQueue(exchange, key string) QueueDeclarer {
	return func(ch *amqp.Channel) (string, error) {
		name, err := queueSpec{exclusive: true}.declare(ch)
		if err != nil {
			return "", err
		}
		if err := ch.QueueBind(name, key, exchange, false, nil); err != nil {
			return "", &TopologyError{Component: "binding", Name: exchange + "/" + key, Op: "bind", Err: err}
		}
		return name, nil
	}
}

// Topology inspects broker objects on pooled channels
type Topology struct {
	pool *ChannelPool
}

// NewTopology creates a Topology on pool
func NewTopology(pool *ChannelPool) *Topology {
	return &Topology{pool: pool}
}

// ProbeQueue checks that a queue exists without changing broker state.
// A missing queue closes the channel; the pool replaces it.
func (t *Topology) ProbeQueue(ctx context.Context, name string) error {
	return t.passive(ctx, "queue", name, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
}

// ProbeExchange checks that an exchange exists. The broker ignores
// everything but the name on a passive declare.
func (t *Topology) ProbeExchange(ctx context.Context, name string) error {
	return t.passive(ctx, "exchange", name, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive(name, amqp.ExchangeTopic, false, false, false, false, nil)
	})
}

func (t *Topology) passive(ctx context.Context, component, name string, declare func(*amqp.Channel) error) error {
	if err := t.pool.Execute(ctx, declare); err != nil {
		return &TopologyError{Component: component, Name: name, Op: "probe", Err: err}
	}
	return nil
}
