package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.AuditWriteFailed("field")
	m.AuditWriteFailed("field")
	m.EntitiesArchived("milestone", "cascade", 3)
	m.EntitiesArchived("milestone", "cascade", 0)
	m.AccessDenied("edit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.auditFailures.WithLabelValues("field")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.archivedEntities.WithLabelValues("milestone", "cascade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accessDenials.WithLabelValues("edit")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AuditWriteFailed("action")
	m.EntitiesArchived("task", "single", 1)
	m.ObserveRequest(http.MethodGet, http.StatusOK, time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "labtrack_http_requests_total"))
}
