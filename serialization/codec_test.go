package serialization

import (
	"encoding/json"
	"testing"

	"github.com/glimte/cfx-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestCodecFor(t *testing.T) {
	t.Run("empty content type selects JSON", func(t *testing.T) {
		codec, err := CodecFor("", nil)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeJSON, codec.ContentType())
	})

	t.Run("msgpack is available", func(t *testing.T) {
		codec, err := CodecFor("msgpack", nil)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeMsgpack, codec.ContentType())
	})

	t.Run("unknown content type fails", func(t *testing.T) {
		_, err := CodecFor("text/xml", nil)
		assert.ErrorIs(t, err, ErrUnsupportedContentType)
	})
}

func TestJSONCodec(t *testing.T) {
	codec := &JSONCodec{Registry: NewCatalogRegistry()}

	t.Run("carries the discriminator and addressing on the wire", func(t *testing.T) {
		env := contracts.NewEnvelope(&contracts.AreYouThereRequest{CFXHandle: "line1.oven"})
		env.Source = "line1.client"
		env.Target = "line1.oven"
		env.RequestID = "token-1"

		data, err := codec.Encode(env)
		require.NoError(t, err)

		var wire map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &wire))
		assert.Equal(t, contracts.NameAreYouThereRequest, wire["MessageName"])
		assert.Equal(t, "line1.client", wire["Source"])
		assert.Equal(t, "line1.oven", wire["Target"])
		assert.Equal(t, "token-1", wire["RequestID"])
		assert.Equal(t, map[string]interface{}{"CFXHandle": "line1.oven"}, wire["MessageBody"])
	})

	t.Run("decodes registered bodies into their concrete type", func(t *testing.T) {
		env := contracts.NewEnvelope(&contracts.AreYouThereResponse{
			Result:            contracts.NewSuccessResult(),
			CFXHandle:         "line1.oven",
			RequestNetworkUri: "amqp://broker:5672",
		})

		data, err := codec.Encode(env)
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)

		resp, ok := decoded.MessageBody.(*contracts.AreYouThereResponse)
		require.True(t, ok)
		assert.Equal(t, "line1.oven", resp.CFXHandle)
		assert.True(t, resp.Result.IsSuccess())
		assert.Equal(t, env.UniqueID, decoded.UniqueID)
		assert.True(t, env.TimeStamp.Equal(decoded.TimeStamp))
	})

	t.Run("unknown names decode to RawMessage and re-encode unchanged", func(t *testing.T) {
		data := []byte(`{"MessageName":"CFX.Production.WorkStarted","TimeStamp":"2024-01-02T03:04:05Z","UniqueID":"u1","MessageBody":{"Lane":1}}`)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)

		raw, ok := decoded.MessageBody.(*contracts.RawMessage)
		require.True(t, ok)
		assert.Equal(t, "CFX.Production.WorkStarted", raw.MessageName())
		assert.JSONEq(t, `{"Lane":1}`, string(raw.Data))

		again, err := codec.Encode(decoded)
		require.NoError(t, err)

		var wire map[string]interface{}
		require.NoError(t, json.Unmarshal(again, &wire))
		assert.Equal(t, map[string]interface{}{"Lane": float64(1)}, wire["MessageBody"])
	})

	t.Run("raw message without a body encodes as null", func(t *testing.T) {
		env := contracts.NewEnvelope(&contracts.RawMessage{Name: "CFX.Production.WorkStarted"})

		data, err := codec.Encode(env)
		require.NoError(t, err)

		var wire map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &wire))
		assert.Contains(t, wire, "MessageBody")
		assert.Nil(t, wire["MessageBody"])
	})

	t.Run("raw message from msgpack is converted to JSON", func(t *testing.T) {
		packed, err := msgpack.Marshal(map[string]interface{}{"Lane": 1})
		require.NoError(t, err)
		inbound := contracts.NewEnvelope(&contracts.RawMessage{Name: "CFX.Production.WorkStarted", Data: packed})

		data, err := (&MsgpackCodec{Registry: NewCatalogRegistry()}).Encode(inbound)
		require.NoError(t, err)
		decoded, err := (&MsgpackCodec{Registry: NewCatalogRegistry()}).Decode(data)
		require.NoError(t, err)
		require.Equal(t, ContentTypeMsgpack, decoded.MessageBody.(*contracts.RawMessage).ContentType)

		forwarded, err := codec.Encode(decoded)
		require.NoError(t, err)

		var wire map[string]interface{}
		require.NoError(t, json.Unmarshal(forwarded, &wire))
		assert.Equal(t, map[string]interface{}{"Lane": float64(1)}, wire["MessageBody"])
	})

	t.Run("raw message in an unknown encoding is rejected", func(t *testing.T) {
		env := contracts.NewEnvelope(&contracts.RawMessage{
			Name:        "CFX.Production.WorkStarted",
			Data:        []byte("<Lane>1</Lane>"),
			ContentType: "application/xml",
		})

		_, err := codec.Encode(env)
		assert.ErrorIs(t, err, ErrUnsupportedContentType)
	})

	t.Run("rejects envelopes without a name", func(t *testing.T) {
		_, err := codec.Encode(&contracts.Envelope{})
		assert.ErrorIs(t, err, ErrMissingMessageName)

		_, err = codec.Decode([]byte(`{"MessageBody":{}}`))
		assert.ErrorIs(t, err, ErrMissingMessageName)
	})

	t.Run("rejects malformed data", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{`))
		assert.Error(t, err)

		_, err = codec.Decode(nil)
		assert.Error(t, err)
	})
}

func TestMsgpackCodec(t *testing.T) {
	codec := &MsgpackCodec{Registry: NewCatalogRegistry()}

	env := contracts.NewEnvelope(&contracts.EndpointConnected{CFXHandle: "line1.oven"})
	env.Source = "line1.oven"

	data, err := codec.Encode(env)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)

	body, ok := decoded.MessageBody.(*contracts.EndpointConnected)
	require.True(t, ok)
	assert.Equal(t, "line1.oven", body.CFXHandle)
	assert.Equal(t, "line1.oven", decoded.Source)
	assert.Equal(t, contracts.NameEndpointConnected, decoded.MessageName)
}

func TestMsgpackRawMessages(t *testing.T) {
	codec := &MsgpackCodec{Registry: NewCatalogRegistry()}

	t.Run("raw message without a body encodes as nil", func(t *testing.T) {
		data, err := codec.Encode(contracts.NewEnvelope(&contracts.RawMessage{Name: "CFX.Production.WorkStarted"}))
		require.NoError(t, err)

		var wire map[string]interface{}
		require.NoError(t, msgpack.Unmarshal(data, &wire))
		assert.Contains(t, wire, "MessageBody")
		assert.Nil(t, wire["MessageBody"])
	})

	t.Run("raw message from JSON is converted to msgpack", func(t *testing.T) {
		decoded, err := (&JSONCodec{Registry: NewCatalogRegistry()}).Decode(
			[]byte(`{"MessageName":"CFX.Production.WorkStarted","UniqueID":"u1","MessageBody":{"Lane":"A"}}`))
		require.NoError(t, err)

		data, err := codec.Encode(decoded)
		require.NoError(t, err)
		again, err := codec.Decode(data)
		require.NoError(t, err)

		var body map[string]interface{}
		require.NoError(t, msgpack.Unmarshal(again.MessageBody.(*contracts.RawMessage).Data, &body))
		assert.Equal(t, map[string]interface{}{"Lane": "A"}, body)
	})
}
