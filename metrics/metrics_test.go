package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBroadcastMetrics(reg)

	m.ActiveConnections.Set(3)
	m.EventsDrained.Add(5)
	m.SlowConnectionsEvicted.Inc()

	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.EventsDrained))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SlowConnectionsEvicted))

	// Registering twice on one registry conflicts
	assert.Panics(t, func() { NewBroadcastMetrics(reg) })
}

func TestMetricsHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewBroadcastMetrics(reg)
	m.ActiveRooms.Set(2)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "meetingcast_broadcast_active_rooms 2"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
