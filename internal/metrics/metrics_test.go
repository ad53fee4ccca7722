package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordLease("acquired")
	m.RecordLease("acquired")
	m.RecordSign("conflict")
	m.RecordReconcile("timeout", 250)
	m.RecordReconcile("completed", 0)
	m.RecordRoutine("lease-reconciler", true, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.leases.WithLabelValues("acquired")); got != 2 {
		t.Errorf("acquired leases = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.refunded); got != 250 {
		t.Errorf("refunded = %v, want 250", got)
	}
	if got := testutil.ToFloat64(m.routineRuns.WithLabelValues("lease-reconciler", "true")); got != 1 {
		t.Errorf("routine runs = %v, want 1", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.RecordSign("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "gas_station_cosigner_signatures_total") {
		t.Error("metrics output missing signature counter")
	}
}
