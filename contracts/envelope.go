package contracts

import (
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is stamped on every envelope created by NewEnvelope
const EnvelopeVersion = "1.0"

// Envelope wraps a message body with addressing for transport.
// Envelopes must not be modified once they have been published.
type Envelope struct {
	MessageName string
	Version     string
	TimeStamp   time.Time
	UniqueID    string

	// Source is the handle of the sending endpoint
	Source string
	// Target is the handle of the intended receiver; empty for broadcast
	Target string
	// RequestID is the correlation token of request/response traffic
	RequestID string

	MessageBody Message
}

// NewEnvelope wraps body in a new envelope with a fresh id and timestamp
func NewEnvelope(body Message) *Envelope {
	env := &Envelope{
		Version:     EnvelopeVersion,
		TimeStamp:   time.Now().UTC(),
		UniqueID:    uuid.New().String(),
		MessageBody: body,
	}
	if body != nil {
		env.MessageName = body.MessageName()
	}
	return env
}

// Name returns the discriminator of the body, falling back to MessageName
func (e *Envelope) Name() string {
	if e.MessageBody != nil {
		return e.MessageBody.MessageName()
	}
	return e.MessageName
}

// Clone returns a shallow copy. The body is shared.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}
