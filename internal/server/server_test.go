package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	health Health
}

func (f *fakeSource) Health() Health { return f.health }

func (f *fakeSource) Snapshot() any {
	return map[string]any{"state": f.health.State, "in_flight": f.health.InFlight}
}

func (f *fakeSource) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "state: %s\n", f.health.State)
	return err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	s := New(Options{Source: &fakeSource{}})
	rec := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestReadiness(t *testing.T) {
	src := &fakeSource{health: Health{Status: StatusHealthy, State: "processing", InFlight: 2, MaxInFlight: 4}}
	s := New(Options{Source: src})

	rec := get(t, s.Handler(), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "processing", h.State)
	assert.Equal(t, 2, h.InFlight)
	assert.Nil(t, h.MQTTConnected)

	src.health.Status = StatusDegraded
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/readyz").Code)

	src.health.Status = StatusUnhealthy
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/readyz").Code)
}

func TestStats(t *testing.T) {
	s := New(Options{Source: &fakeSource{health: Health{State: "flushing", InFlight: 3}}})

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"flushing","in_flight":3}`, rec.Body.String())

	rec = get(t, s.Handler(), "/stats/yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "state: flushing\n", rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	s := New(Options{Source: &fakeSource{}})
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "camhal_up 1\n")
	})
	s = New(Options{Source: &fakeSource{}, Metrics: metrics})
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "camhal_up 1\n", rec.Body.String())
}

func TestRunServesUntilCancelled(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0", Source: &fakeSource{health: Health{Status: StatusHealthy}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + s.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunListenError(t *testing.T) {
	s := New(Options{Addr: "256.0.0.1:bad", Source: &fakeSource{}})
	assert.Error(t, s.Run(context.Background()))
}
