package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest(OutcomeAccepted)
		m.ObserveAdmissionWait(time.Millisecond)
		m.SetInFlight(3)
		m.SetMaxInFlight(10)
		m.ObserveFlush(true)
		m.IncStreamEvent(1, EventCompleted)
		m.ObserveCompletionLatency(1, time.Millisecond)
		m.SetPool("s1", 1, 2)
		m.DeletePool("s1")
		m.IncShutter()
		m.IncResult("ok")
		m.IncFrameCompleted()
		m.IncAggregatorDrop("unknown_frame")
		m.SetPendingFrames(0)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAndGauges(t *testing.T) {
	m := New(prometheus.Labels{"camera": "0"})

	m.ObserveRequest(OutcomeAccepted)
	m.ObserveRequest(OutcomeAccepted)
	m.ObserveRequest(OutcomeRejected)
	m.SetInFlight(2)
	m.IncStreamEvent(3, EventMismatch)
	m.SetPool("stream-3", 1, 4)
	m.ObserveFlush(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamEvents.WithLabelValues("3", EventMismatch)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.poolCapacity.WithLabelValues("stream-3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues("timeout")))

	m.DeletePool("stream-3")
	assert.Equal(t, 0, testutil.CollectAndCount(m.poolBusy))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New(nil)
	m.IncFrameCompleted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "camhal_result_frames_completed_total 1"), body)
	assert.Contains(t, body, "go_goroutines")
}
