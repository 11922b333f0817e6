package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/internal/rabbitmq"
	"github.com/glimte/cfx-go/messaging"
)

func TestToPublishing(t *testing.T) {
	t.Run("carries the role in the reserved header", func(t *testing.T) {
		now := time.Now()
		p := toPublishing(&messaging.OutboundMessage{
			Metadata: messaging.MessageMetadata{
				MessageID:     "m-1",
				CorrelationID: "token-1",
				ReplyTo:       "cfx.reply.ab12cd34",
				ContentType:   "application/json",
				Role:          contracts.RoleRequest,
				Timestamp:     now,
				Headers:       map[string]interface{}{"line": "1"},
			},
			Body: []byte(`{}`),
		})

		assert.Equal(t, "m-1", p.MessageId)
		assert.Equal(t, "token-1", p.CorrelationId)
		assert.Equal(t, "cfx.reply.ab12cd34", p.ReplyTo)
		assert.Equal(t, "application/json", p.ContentType)
		assert.Equal(t, amqp.Persistent, p.DeliveryMode)
		assert.Equal(t, "request", p.Headers[messaging.RoleHeader])
		assert.Equal(t, "1", p.Headers["line"])
	})

	t.Run("omits headers when there is nothing to carry", func(t *testing.T) {
		p := toPublishing(&messaging.OutboundMessage{Body: []byte("x")})
		assert.Nil(t, p.Headers)
	})
}

func TestDeliveryMetadata(t *testing.T) {
	t.Run("role header wins over property heuristics", func(t *testing.T) {
		d := &delivery{d: amqp.Delivery{
			CorrelationId: "token-1",
			Headers:       amqp.Table{messaging.RoleHeader: "event"},
		}}

		meta := d.Metadata()
		assert.Equal(t, contracts.RoleEvent, meta.Role)
		assert.Equal(t, contracts.RoleEvent, meta.ResolveRole())
	})

	t.Run("properties decide without a header", func(t *testing.T) {
		d := &delivery{d: amqp.Delivery{CorrelationId: "token-1", ReplyTo: "cfx.reply.x"}}
		assert.Equal(t, contracts.RoleRequest, d.Metadata().ResolveRole())
	})

	t.Run("reply without a reply address fails", func(t *testing.T) {
		d := &delivery{d: amqp.Delivery{}}
		err := d.Reply(context.Background(), &messaging.OutboundMessage{})
		assert.ErrorIs(t, err, messaging.ErrInvalidAddress)
	})
}

func TestTargetError(t *testing.T) {
	t.Run("broker NOT_FOUND becomes a missing target", func(t *testing.T) {
		amqpErr := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'orders'"}
		err := targetError(&rabbitmq.TopologyError{Component: "queue", Name: "orders", Op: "declare", Err: amqpErr})

		assert.ErrorIs(t, err, messaging.ErrTargetNotFound)
		var got *amqp.Error
		require.ErrorAs(t, err, &got)
		assert.Equal(t, amqp.NotFound, got.Code)
	})

	t.Run("other broker errors pass through", func(t *testing.T) {
		amqpErr := &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}
		err := targetError(amqpErr)

		assert.Same(t, amqpErr, err)
		assert.NotErrorIs(t, err, messaging.ErrTargetNotFound)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, targetError(nil))
	})
}

func TestDial(t *testing.T) {
	t.Run("malformed URI is an invalid address", func(t *testing.T) {
		_, err := NewTransport().Dial(context.Background(), "ftp://broker", nil)
		assert.ErrorIs(t, err, messaging.ErrInvalidAddress)
	})

	t.Run("unreachable broker fails with a connection error", func(t *testing.T) {
		tr := NewTransport(WithConnectionOptions(rabbitmq.WithConnectTimeout(2 * time.Second)))
		_, err := tr.Dial(context.Background(), "amqp://127.0.0.1:1/", nil)

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
	})
}
