package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservations(t *testing.T) {
	m := New()
	m.ObserveFetch(1024, 20*time.Millisecond)
	m.ObserveFetch(512, 10*time.Millisecond)
	m.ObserveRetry()
	m.ObserveFile("Max Projection")
	m.ObserveFailure("retrieval")
	m.ObserveProgressError()
	m.RunStarted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PlanesFetched))
	assert.Equal(t, 1536.0, testutil.ToFloat64(m.BytesFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesWritten.WithLabelValues("Max Projection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitFailures.WithLabelValues("retrieval")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProgressSendErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))

	m.RunFinished()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns))
}

func TestNilPipelineIsNoop(t *testing.T) {
	var m *Pipeline
	assert.NotPanics(t, func() {
		m.ObserveFetch(1, time.Second)
		m.ObserveRetry()
		m.ObserveFile("x")
		m.ObserveFailure("x")
		m.ObserveProgressError()
		m.RunStarted()
		m.RunFinished()
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveFetch(10, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "harmony_dl_fetch_planes_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
