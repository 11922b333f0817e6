package messaging

import (
	"context"
	"time"

	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/security"
)

// RoleHeader is the reserved transport header carrying the envelope role
const RoleHeader = "cfx-role"

// MessageMetadata carries the transport properties of one message
type MessageMetadata struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	ContentType   string
	Role          contracts.Role
	Timestamp     time.Time
	Headers       map[string]interface{}
}

// ResolveRole returns the role of a message.
// The explicit header wins; otherwise requests carry a reply address and a
// correlation token, responses only the token, events neither.
func (m MessageMetadata) ResolveRole() contracts.Role {
	switch m.Role {
	case contracts.RoleEvent, contracts.RoleRequest, contracts.RoleResponse:
		return m.Role
	}
	if role, ok := m.Headers[RoleHeader].(string); ok {
		switch contracts.Role(role) {
		case contracts.RoleEvent, contracts.RoleRequest, contracts.RoleResponse:
			return contracts.Role(role)
		}
	}
	switch {
	case m.ReplyTo != "" && m.CorrelationID != "":
		return contracts.RoleRequest
	case m.CorrelationID != "":
		return contracts.RoleResponse
	default:
		return contracts.RoleEvent
	}
}

// OutboundMessage is an encoded envelope ready for the transport
type OutboundMessage struct {
	Metadata MessageMetadata
	Body     []byte
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Body returns the encoded envelope
	Body() []byte

	// Metadata returns the transport properties
	Metadata() MessageMetadata

	// Reply sends msg to the delivery's reply address over the connection
	// that received it
	Reply(ctx context.Context, msg *OutboundMessage) error
}

// DeliveryHandler receives deliveries for one subscribed address.
// Deliveries on one subscription are handed over one at a time in arrival
// order. A returned error rejects the delivery without requeue.
type DeliveryHandler func(ctx context.Context, address string, delivery TransportDelivery) error

// Transport dials connections to messaging fabric hosts
type Transport interface {
	// Dial opens a connection to uri under the given security context
	Dial(ctx context.Context, uri string, sec *security.Context) (Connection, error)
}

// Connection is one live connection to a fabric host
type Connection interface {
	// OpenLink opens a publish link to address
	OpenLink(ctx context.Context, address string) (Link, error)

	// Probe verifies that address accepts traffic without sending a message
	Probe(ctx context.Context, address string) error

	// Subscribe starts delivering messages arriving on address
	Subscribe(ctx context.Context, address string, handler DeliveryHandler) (Subscription, error)

	// ReplyQueue creates a private queue for responses and consumes it.
	// The subscription address is the reply address to put on requests.
	ReplyQueue(ctx context.Context, name string, handler DeliveryHandler) (Subscription, error)

	// IsConnected returns connection status
	IsConnected() bool

	// Close closes the connection and every link opened on it
	Close() error
}

// Link is an outbound route to one address
type Link interface {
	// Send hands msg to the transport; it returns once the fabric accepted it
	Send(ctx context.Context, msg *OutboundMessage) error

	// Close releases the link
	Close() error
}

// Subscription is an active consumer on one address
type Subscription interface {
	// Address returns the address the subscription consumes from
	Address() string

	// Cancel stops the consumer
	Cancel() error
}
