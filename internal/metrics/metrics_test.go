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

func TestObserveAdmission(t *testing.T) {
	m := New()
	m.ObserveAdmission("telegram", true)
	m.ObserveAdmission("telegram", true)
	m.ObserveAdmission("telegram", false)
	m.ObserveStorageError("whatsapp")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("telegram", ResultAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("telegram", ResultDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("whatsapp", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageErrors))
}

func TestObserveRelay(t *testing.T) {
	m := New()
	m.ObserveRelay("search", "live", 120*time.Millisecond)
	m.ObserveRelay("search", "simulated", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("search", "live")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.relayDuration))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAdmission("telegram", true)
		m.ObserveStorageError("telegram")
		m.ObserveRelay("search", "live", time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveAdmission("telegram", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gateway_admissions_total{channel="telegram",result="allowed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
