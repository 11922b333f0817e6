package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/cfx-go/contracts"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// msgpackNil is the MessagePack encoding of nil
const msgpackNil = 0xc0

var (
	// ErrMissingMessageName is returned when an envelope carries no discriminator
	ErrMissingMessageName = errors.New("serialization: envelope has no message name")
	// ErrUnsupportedContentType is returned for unknown codecs
	ErrUnsupportedContentType = errors.New("serialization: unsupported content type")
)

// Codec encodes envelopes for the wire
type Codec interface {
	ContentType() string
	Encode(env *contracts.Envelope) ([]byte, error)
	Decode(data []byte) (*contracts.Envelope, error)
}

// CodecFor returns the codec registered for a content type.
// An empty content type selects JSON.
func CodecFor(contentType string, registry TypeRegistry) (Codec, error) {
	if registry == nil {
		registry = GetGlobalRegistry()
	}
	switch contentType {
	case "", ContentTypeJSON, "json":
		return &JSONCodec{Registry: registry}, nil
	case ContentTypeMsgpack, "msgpack":
		return &MsgpackCodec{Registry: registry}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}
}

type jsonEnvelope struct {
	MessageName string          `json:"MessageName"`
	Version     string          `json:"Version,omitempty"`
	TimeStamp   time.Time       `json:"TimeStamp"`
	UniqueID    string          `json:"UniqueID"`
	Source      string          `json:"Source,omitempty"`
	Target      string          `json:"Target,omitempty"`
	RequestID   string          `json:"RequestID,omitempty"`
	MessageBody json.RawMessage `json:"MessageBody"`
}

// JSONCodec encodes envelopes as JSON with the body discriminated by MessageName
type JSONCodec struct {
	Registry TypeRegistry
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string { return ContentTypeJSON }

// Encode implements Codec
func (c *JSONCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}
	name := env.Name()
	if name == "" {
		return nil, ErrMissingMessageName
	}

	body := json.RawMessage("null")
	switch b := env.MessageBody.(type) {
	case nil:
	case *contracts.RawMessage, contracts.RawMessage:
		data, err := rawBody(asRaw(b), ContentTypeJSON)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			body = data
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body %s: %w", name, err)
		}
		body = data
	}

	return json.Marshal(jsonEnvelope{
		MessageName: name,
		Version:     env.Version,
		TimeStamp:   env.TimeStamp,
		UniqueID:    env.UniqueID,
		Source:      env.Source,
		Target:      env.Target,
		RequestID:   env.RequestID,
		MessageBody: body,
	})
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if wire.MessageName == "" {
		return nil, ErrMissingMessageName
	}

	env := &contracts.Envelope{
		MessageName: wire.MessageName,
		Version:     wire.Version,
		TimeStamp:   wire.TimeStamp,
		UniqueID:    wire.UniqueID,
		Source:      wire.Source,
		Target:      wire.Target,
		RequestID:   wire.RequestID,
	}

	if !c.Registry.IsRegistered(wire.MessageName) {
		env.MessageBody = &contracts.RawMessage{Name: wire.MessageName, Data: []byte(wire.MessageBody), ContentType: ContentTypeJSON}
		return env, nil
	}

	body, err := c.Registry.New(wire.MessageName)
	if err != nil {
		return nil, err
	}
	if len(wire.MessageBody) > 0 && string(wire.MessageBody) != "null" {
		if err := json.Unmarshal(wire.MessageBody, body); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body %s: %w", wire.MessageName, err)
		}
	}
	env.MessageBody = body

	return env, nil
}

type msgpackEnvelope struct {
	MessageName string             `msgpack:"MessageName"`
	Version     string             `msgpack:"Version,omitempty"`
	TimeStamp   time.Time          `msgpack:"TimeStamp"`
	UniqueID    string             `msgpack:"UniqueID"`
	Source      string             `msgpack:"Source,omitempty"`
	Target      string             `msgpack:"Target,omitempty"`
	RequestID   string             `msgpack:"RequestID,omitempty"`
	MessageBody msgpack.RawMessage `msgpack:"MessageBody"`
}

// MsgpackCodec encodes envelopes with MessagePack
type MsgpackCodec struct {
	Registry TypeRegistry
}

// ContentType implements Codec
func (c *MsgpackCodec) ContentType() string { return ContentTypeMsgpack }

// Encode implements Codec
func (c *MsgpackCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}
	name := env.Name()
	if name == "" {
		return nil, ErrMissingMessageName
	}

	body := msgpack.RawMessage{msgpackNil}
	switch b := env.MessageBody.(type) {
	case *contracts.RawMessage, contracts.RawMessage:
		data, err := rawBody(asRaw(b), ContentTypeMsgpack)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			body = data
		}
	default:
		data, err := msgpack.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body %s: %w", name, err)
		}
		body = data
	}

	return msgpack.Marshal(&msgpackEnvelope{
		MessageName: name,
		Version:     env.Version,
		TimeStamp:   env.TimeStamp,
		UniqueID:    env.UniqueID,
		Source:      env.Source,
		Target:      env.Target,
		RequestID:   env.RequestID,
		MessageBody: body,
	})
}

// Decode implements Codec
func (c *MsgpackCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	var wire msgpackEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if wire.MessageName == "" {
		return nil, ErrMissingMessageName
	}

	env := &contracts.Envelope{
		MessageName: wire.MessageName,
		Version:     wire.Version,
		TimeStamp:   wire.TimeStamp,
		UniqueID:    wire.UniqueID,
		Source:      wire.Source,
		Target:      wire.Target,
		RequestID:   wire.RequestID,
	}

	if !c.Registry.IsRegistered(wire.MessageName) {
		env.MessageBody = &contracts.RawMessage{Name: wire.MessageName, Data: []byte(wire.MessageBody), ContentType: ContentTypeMsgpack}
		return env, nil
	}

	body, err := c.Registry.New(wire.MessageName)
	if err != nil {
		return nil, err
	}
	if len(wire.MessageBody) > 0 {
		if err := msgpack.Unmarshal(wire.MessageBody, body); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body %s: %w", wire.MessageName, err)
		}
	}
	env.MessageBody = body

	return env, nil
}

func asRaw(body contracts.Message) *contracts.RawMessage {
	if raw, ok := body.(contracts.RawMessage); ok {
		return &raw
	}
	return body.(*contracts.RawMessage)
}

// rawBody returns an unregistered body encoded for target. A body that
// arrived through another codec is converted through its generic form;
// an empty body returns nil.
func rawBody(raw *contracts.RawMessage, target string) ([]byte, error) {
	if raw == nil || len(raw.Data) == 0 {
		return nil, nil
	}
	if raw.ContentType == "" || raw.ContentType == target {
		return raw.Data, nil
	}

	var generic interface{}
	var err error
	switch raw.ContentType {
	case ContentTypeJSON:
		err = json.Unmarshal(raw.Data, &generic)
	case ContentTypeMsgpack:
		err = msgpack.Unmarshal(raw.Data, &generic)
	default:
		return nil, fmt.Errorf("%w: %s body of %s", ErrUnsupportedContentType, raw.ContentType, raw.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s body of %s: %w", raw.ContentType, raw.Name, err)
	}

	var data []byte
	if target == ContentTypeJSON {
		data, err = json.Marshal(generic)
	} else {
		data, err = msgpack.Marshal(generic)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to convert body of %s to %s: %w", raw.Name, target, err)
	}
	return data, nil
}
