package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EventPublished("vote:cast")
	m.EventPublished("vote:cast")
	m.LiveEnded("admin_timeout")
	m.SetRooms(3)
	m.GenerationObserved(2*time.Second, errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `rapgpt_events_published_total{type="vote:cast"} 2`)
	assert.Contains(t, body, `rapgpt_live_endings_total{reason="admin_timeout"} 1`)
	assert.Contains(t, body, "rapgpt_rooms 3")
	assert.Contains(t, body, `rapgpt_generation_duration_seconds_count{status="error"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.EventPublished("x")
	m.SetConnections(1)
	m.DeliveryDropped()
	m.LiveEnded("inactivity")
	m.GenerationObserved(time.Second, nil)
}
