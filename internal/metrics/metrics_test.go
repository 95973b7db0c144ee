package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	m := New()

	m.RecordRequest("generate_masks", "binary", OutcomeOK, 120*time.Millisecond, 3)
	m.RecordRequest("generate_masks", "binary", OutcomeError, time.Second, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("generate_masks", "binary", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("generate_masks", "binary", OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CandidateCount))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("generate_masks", "http", OutcomeOK, time.Millisecond, 1)
		m.RecordSave(OutcomeOK)
		m.RecordWatchedImage()
		m.SetSessionLayers(4)
	})
	assert.Nil(t, m.Registry())
}

func TestHTTPHandler(t *testing.T) {
	m := New()
	m.RecordSave(OutcomeOK)
	m.SetSessionLayers(2)

	srv := httptest.NewServer(m.HTTPHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `maskcreator_workspace_saved_masks_total{outcome="ok"} 1`), text)
	assert.True(t, strings.Contains(text, "maskcreator_session_layers 2"), text)
}
