package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cfx-go/messaging"
)

type fakeEndpoint struct {
	conns   []messaging.ConnectionStatus
	pending int
}

func (f *fakeEndpoint) Handle() string                            { return "line1" }
func (f *fakeEndpoint) Connections() []messaging.ConnectionStatus { return f.conns }
func (f *fakeEndpoint) PendingRequests() int                      { return f.pending }

func TestEndpointChecker(t *testing.T) {
	up := messaging.ConnectionStatus{URI: "amqp://a:5672", Connected: true, Channels: 2}
	down := messaging.ConnectionStatus{URI: "amqp://b:5672", Connected: false, Channels: 1}

	tests := []struct {
		name   string
		conns  []messaging.ConnectionStatus
		status Status
	}{
		{"no connections", nil, StatusHealthy},
		{"all connections up", []messaging.ConnectionStatus{up}, StatusHealthy},
		{"some connections down", []messaging.ConnectionStatus{up, down}, StatusDegraded},
		{"all connections down", []messaging.ConnectionStatus{down}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewEndpointChecker(&fakeEndpoint{conns: tt.conns, pending: 3})
			result := checker.Check(context.Background())

			assert.Equal(t, "endpoint_line1", result.Name)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, 3, result.Details["pending_requests"])
		})
	}
}

func TestRuntimeChecker(t *testing.T) {
	t.Run("healthy under the thresholds", func(t *testing.T) {
		result := NewRuntimeChecker(100000, 200000).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "goroutines")
	})

	t.Run("unhealthy over the critical threshold", func(t *testing.T) {
		result := NewRuntimeChecker(-1, 0).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy report answers 200", func(t *testing.T) {
		h := Handler(time.Second, NewEndpointChecker(&fakeEndpoint{}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Len(t, report.Checks, 1)
	})

	t.Run("worst status wins and unhealthy answers 503", func(t *testing.T) {
		down := &fakeEndpoint{conns: []messaging.ConnectionStatus{{URI: "amqp://a:5672"}}}
		h := Handler(time.Second, NewRuntimeChecker(100000, 200000), NewEndpointChecker(down))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusUnhealthy, report.Status)
	})
}
