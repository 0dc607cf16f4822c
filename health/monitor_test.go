package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("docrelay", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, tt.expected == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("nats", nil).IsHealthy())

	s := FromError("nats", errors.New("dial nats://user:pw@10.0.0.5:4222 failed, api_key=sk-123"))
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "sk-123")
	assert.Contains(t, s.Message, "[URL]")
}

func TestMonitor_UpdateAndChecks(t *testing.T) {
	m := NewMonitor()
	m.Update("queue", NewHealthy("ignored", "running"))

	healthy := true
	m.Register("nats", func() Status {
		if healthy {
			return NewHealthy("", "connected")
		}
		return NewUnhealthy("", "disconnected")
	})

	s, ok := m.Get("queue")
	require.True(t, ok)
	assert.Equal(t, "queue", s.Component)

	s, ok = m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", s.Component)
	assert.True(t, s.IsHealthy())

	assert.True(t, m.AggregateHealth("docrelay").IsHealthy())

	healthy = false
	agg := m.AggregateHealth("docrelay")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "nats", agg.SubStatuses[0].Component, "sub statuses are sorted")

	m.Remove("nats")
	_, ok = m.Get("nats")
	assert.False(t, ok)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.Update("pipeline", NewHealthy("", "ok"))

	rec := httptest.NewRecorder()
	m.Handler("docrelay").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "docrelay", body.Component)
	assert.True(t, body.Healthy)

	m.Update("nats", NewUnhealthy("", "down"))
	rec = httptest.NewRecorder()
	m.Handler("docrelay").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
