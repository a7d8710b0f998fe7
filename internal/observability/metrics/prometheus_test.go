package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PrescriptionTransition("created")
	m.PublicValidation("ok")
	m.GuideIssued("consultation")
	m.SubmissionCreated(true)
	m.SubmissionTransmitted("transmitted", time.Second)
	m.ProviderError("token")
	m.AuditWriteFailed()
	m.MessageProduced()
	m.MessageConsumed()
	m.SetOutboxPending(3)
	m.SetBreakerState("vidaas", 1)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PrescriptionTransition("signed")
	m.PrescriptionTransition("signed")
	m.SubmissionCreated(false)
	m.AuditWriteFailed()
	m.SetBreakerState("insurer-123456", 1)

	if got := testutil.ToFloat64(m.PrescriptionTransitions.WithLabelValues("signed")); got != 2 {
		t.Errorf("signed transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SubmissionsCreated.WithLabelValues("false")); got != 1 {
		t.Errorf("invalid submissions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuditWriteFailures); got != 1 {
		t.Errorf("audit failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("insurer-123456")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.GuideIssued("sp_sadt")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `tiss_guides_issued_total{type="sp_sadt"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", rec.Body.String())
	}
}
