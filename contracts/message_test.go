package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("stamps id, timestamp and discriminator", func(t *testing.T) {
		env := NewEnvelope(&AreYouThereRequest{CFXHandle: "line1.oven"})

		assert.NotEmpty(t, env.UniqueID)
		assert.False(t, env.TimeStamp.IsZero())
		assert.Equal(t, EnvelopeVersion, env.Version)
		assert.Equal(t, NameAreYouThereRequest, env.MessageName)
		assert.Empty(t, env.Target)
		assert.Empty(t, env.RequestID)
	})

	t.Run("each envelope gets a unique id", func(t *testing.T) {
		a := NewEnvelope(&EndpointConnected{})
		b := NewEnvelope(&EndpointConnected{})
		assert.NotEqual(t, a.UniqueID, b.UniqueID)
	})

	t.Run("Name prefers the body", func(t *testing.T) {
		env := &Envelope{MessageName: "stale", MessageBody: &EndpointShuttingDown{}}
		assert.Equal(t, NameEndpointShuttingDown, env.Name())

		env = &Envelope{MessageName: "CFX.Custom"}
		assert.Equal(t, "CFX.Custom", env.Name())
	})

	t.Run("Clone does not alias addressing", func(t *testing.T) {
		env := NewEnvelope(&EndpointConnected{})
		clone := env.Clone()
		clone.Target = "other"
		assert.Empty(t, env.Target)
	})
}

func TestRequestResult(t *testing.T) {
	t.Run("success result has no error", func(t *testing.T) {
		r := NewSuccessResult()
		assert.True(t, r.IsSuccess())
		assert.NoError(t, r.Err())
	})

	t.Run("failed result describes the failure", func(t *testing.T) {
		r := NewFailedResult(404, "unknown handle")
		assert.False(t, r.IsSuccess())
		assert.EqualError(t, r.Err(), "request failed with code 404: unknown handle")
	})

	t.Run("zero value is a success", func(t *testing.T) {
		var r RequestResult
		assert.True(t, r.IsSuccess())
		assert.NoError(t, r.Err())
	})

	t.Run("response without a result is a success", func(t *testing.T) {
		resp := &AreYouThereResponse{CFXHandle: "Listener"}
		assert.True(t, resp.GetResult().IsSuccess())
	})
}

func TestResponsesExposeTheirResult(t *testing.T) {
	var resp Response = &AreYouThereResponse{Result: NewSuccessResult()}
	assert.True(t, resp.GetResult().IsSuccess())

	resp = NotSupportedResponse{Result: NewFailedResult(501, "not supported")}
	assert.False(t, resp.GetResult().IsSuccess())
}
