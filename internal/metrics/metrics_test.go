package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordTurn("completed")
	m.RecordTurn("completed")
	m.RecordTurn("failed")
	m.RecordFrame("chunk")
	m.RecordJob("completed")
	m.RecordError("transport", "protocol")
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	m.ObserveTurn(0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("chunk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("transport", "protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsActive))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTurn("completed")
		m.RecordFrame("chunk")
		m.StreamOpened()
		m.StreamClosed()
		m.RecordJob("failed")
		m.RecordError("session", "submit")
		m.ObserveTurn(1)
	})
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.RecordFrame("end")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `maistro_frames_total{kind="end"} 1`)
}
