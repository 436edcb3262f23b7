package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramBucketsAreNotDoubleCounted(t *testing.T) {
	h := NewHistogram("h", "help", nil, []float64{1, 2, 5})
	h.Observe(0.5)
	h.Observe(1) // on the bound: le="1"
	h.Observe(3)
	h.Observe(10)

	assert.Equal(t, []uint64{2, 2, 3, 4}, h.Cumulative())
	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 14.5, h.Sum(), 1e-9)

	var buf bytes.Buffer
	h.writeSamples(&buf)
	out := buf.String()
	assert.Contains(t, out, `h_bucket{le="1"} 2`)
	assert.Contains(t, out, `h_bucket{le="5"} 3`)
	assert.Contains(t, out, `h_bucket{le="+Inf"} 4`)
	assert.Contains(t, out, `h_count 4`)
}

func TestHistogramLabelsMergeWithBucketBound(t *testing.T) {
	r := NewRegistry("", "")
	r.RegisterHistogram("cycle_seconds", "c", Labels{"probe": "cam"}, []float64{1}).Observe(0.2)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	assert.Contains(t, buf.String(), `cycle_seconds_bucket{probe="cam",le="1"} 1`)
	assert.Contains(t, buf.String(), `cycle_seconds_sum{probe="cam"} 0.2`)
}

func TestPercentile(t *testing.T) {
	h := NewHistogram("p", "help", nil, []float64{1, 2, 4})
	for i := 0; i < 10; i++ {
		h.Observe(0.5)
	}
	assert.Equal(t, 0.5, h.Percentile(50))

	h.Observe(100)
	// Overflow into +Inf must not index past the bounds.
	assert.NotPanics(t, func() { h.Percentile(100) })
	assert.Equal(t, 0.0, Percentile(nil, nil, 50))
}

func TestRegistryRegistersOnce(t *testing.T) {
	r := NewRegistry("tripwire", "test")
	c1 := r.RegisterCounter("x_total", "x", nil)
	c2 := r.RegisterCounter("x_total", "x", nil)
	assert.Same(t, c1, c2)
	assert.Equal(t, "tripwire_test_x_total", c1.Name())
	assert.Same(t, c1, r.GetCounter("x_total"))

	assert.Panics(t, func() { r.RegisterGauge("x_total", "x", nil) })
}

func TestPrometheusOutputIsSorted(t *testing.T) {
	r := NewRegistry("", "")
	r.RegisterCounter("b_total", "b", nil).Inc()
	r.RegisterCounter("a_total", "a", Labels{"k": "v"}).Add(3)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()
	assert.Less(t, strings.Index(out, "a_total"), strings.Index(out, "b_total"))
	assert.Contains(t, out, `a_total{k="v"} 3`)
}

func TestHTTPHandlerFormats(t *testing.T) {
	r := NewRegistry("tripwire", "")
	r.RegisterGauge("observers", "o", nil).Set(2)
	handler := r.HTTPHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "tripwire_observers 2")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil))
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "gauge", decoded["tripwire_observers"]["type"])
}

func TestTripwireMetrics(t *testing.T) {
	m := NewTripwireMetrics(NewRegistry("tripwire", ""))

	m.RecordArm(false)
	m.RecordTrip("pir", true, time.Unix(1700000000, 0))
	m.RecordTrip("cam", false, time.Unix(1700000001, 0))
	m.RecordCapture(true, true, 10*time.Millisecond)
	m.RecordCapture(false, false, 10*time.Millisecond)
	m.RecordKeyErased()
	m.RecordReplay(2, 1)
	m.RecordPush(3, 1)
	m.RecordCycle("cam", 2*time.Second, true)

	assert.Equal(t, uint64(1), m.ArmsTotal.Value())
	assert.Equal(t, uint64(1), m.TripsPIRTotal.Value())
	assert.Equal(t, uint64(1), m.TripsCamTotal.Value())
	assert.Equal(t, int64(1700000000), m.LastDetectionTs.Value())
	assert.Equal(t, uint64(2), m.CapturesTotal.Value())
	assert.Equal(t, uint64(1), m.SignaturesTotal.Value())
	assert.Equal(t, uint64(1), m.ReplayMissesTotal.Value())
	assert.Equal(t, uint64(1), m.PushFailedTotal.Value())
	assert.Equal(t, uint64(1), m.CycleOverrunsTotal.Value())

	m.RecordArm(true)
	assert.Equal(t, int64(0), m.LastDetectionTs.Value())
	assert.Equal(t, uint64(1), m.ReArmsTotal.Value())
}

func TestNilTripwireMetrics(t *testing.T) {
	var m *TripwireMetrics
	assert.NotPanics(t, func() {
		m.RecordArm(true)
		m.RecordTrip("pir", true, time.Now())
		m.RecordCapture(true, false, 0)
		m.RecordDrop()
		m.SetObservers(3)
	})
}
