package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorder(t *testing.T) {
	m := New()
	m.ExtractionResult(models.FieldState, true)
	m.ExtractionResult(models.FieldState, false)
	m.ExtractionResult(models.FieldState, false)
	m.ConfirmationResult(true)
	m.CallFinished(models.OutcomeEscalated)
	m.PersistFailed("record")

	if got := testutil.ToFloat64(m.Extractions.WithLabelValues("state", "miss")); got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(m.Confirmations.WithLabelValues("accepted")); got != 1 {
		t.Errorf("expected 1 accepted confirmation, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallsFinished.WithLabelValues("escalated")); got != 1 {
		t.Errorf("expected 1 escalated call, got %v", got)
	}
	if got := testutil.ToFloat64(m.PersistFailures.WithLabelValues("record")); got != 1 {
		t.Errorf("expected 1 persist failure, got %v", got)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a, b := New(), New()
	a.CallFinished(models.OutcomeCompleted)
	if got := testutil.ToFloat64(b.CallsFinished.WithLabelValues("completed")); got != 0 {
		t.Errorf("expected separate registries, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveWebhook("ask", 200, 15*time.Millisecond)
	m.ObserveActiveSessions(func() int { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`callintake_webhook_requests_total{callback="ask",code="200"} 1`,
		`callintake_active_sessions 3`,
		`callintake_webhook_duration_seconds_count{callback="ask"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
