package serialization

import (
	"testing"

	"github.com/glimte/cfx-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stationStarted struct {
	StationID string `json:"stationId" msgpack:"stationId"`
}

func (stationStarted) MessageName() string { return "Test.StationStarted" }

type notAStruct string

func (notAStruct) MessageName() string { return "Test.NotAStruct" }

func TestDefaultTypeRegistry(t *testing.T) {
	t.Run("creates new registry", func(t *testing.T) {
		registry := NewTypeRegistry()
		assert.NotNil(t, registry)
		assert.Empty(t, registry.ListTypes())
	})

	t.Run("registers type under its message name", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.Register(&stationStarted{})
		require.NoError(t, err)

		assert.True(t, registry.IsRegistered("Test.StationStarted"))
	})

	t.Run("rejects empty message name", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.RegisterName("", &stationStarted{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "message name cannot be empty")
	})

	t.Run("rejects nil type", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.Register(nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "message type cannot be nil")
	})

	t.Run("rejects non-struct types", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.Register(notAStruct("x"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be a struct")
	})

	t.Run("handles duplicate registration of same type", func(t *testing.T) {
		registry := NewTypeRegistry()

		require.NoError(t, registry.Register(&stationStarted{}))
		require.NoError(t, registry.Register(stationStarted{}))
		assert.Len(t, registry.ListTypes(), 1)
	})

	t.Run("rejects a second type under the same name", func(t *testing.T) {
		registry := NewTypeRegistry()

		require.NoError(t, registry.RegisterName("Test.Shared", &stationStarted{}))
		err := registry.RegisterName("Test.Shared", &contracts.EndpointConnected{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("New returns a pointer to the registered type", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register(&stationStarted{}))

		msg, err := registry.New("Test.StationStarted")
		require.NoError(t, err)
		_, ok := msg.(*stationStarted)
		assert.True(t, ok)
	})

	t.Run("New fails for unknown names", func(t *testing.T) {
		registry := NewTypeRegistry()

		_, err := registry.New("Test.Unknown")
		assert.Error(t, err)
	})
}

func TestCatalogRegistry(t *testing.T) {
	registry := NewCatalogRegistry()

	assert.Equal(t, []string{
		contracts.NameAreYouThereRequest,
		contracts.NameAreYouThereResponse,
		contracts.NameEndpointConnected,
		contracts.NameEndpointShuttingDown,
		contracts.NameNotSupportedResponse,
	}, registry.ListTypes())
	assert.True(t, GetGlobalRegistry().IsRegistered(contracts.NameAreYouThereRequest))
}
