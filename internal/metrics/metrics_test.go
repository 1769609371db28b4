package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harrison/aibuddy/internal/models"
)

func stepEvent(typ models.EventType, stepType models.StepType, status models.StepStatus, attempt int) models.ImplementationEvent {
	return models.ImplementationEvent{
		Type:     typ,
		RunID:    "run-1",
		StepType: stepType,
		Result:   &models.ExecutionResult{Status: status, Attempt: attempt, Duration: 2 * time.Second},
	}
}

func TestObserverCountsSteps(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)

	o.OnEvent(stepEvent(models.EventStepFailed, models.StepRunCommand, models.StepFailed, 1))
	o.OnEvent(stepEvent(models.EventStepCompleted, models.StepRunCommand, models.StepCompleted, 2))
	o.OnEvent(stepEvent(models.EventStepCompleted, models.StepCreateFile, models.StepSkipped, 0))
	o.OnEvent(models.ImplementationEvent{Type: models.EventStepCompleted}) // no result

	if got := testutil.ToFloat64(o.Steps.WithLabelValues("run_command", "failed")); got != 1 {
		t.Errorf("failed run_command steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.Steps.WithLabelValues("run_command", "completed")); got != 1 {
		t.Errorf("completed run_command steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.Steps.WithLabelValues("create_file", "skipped")); got != 1 {
		t.Errorf("skipped create_file steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.StepRetries); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(o.StepDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestObserverCountsTerminalRunsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)

	status := func(s models.RunStatus) models.ImplementationEvent {
		return models.ImplementationEvent{Type: models.EventStatusChange, RunID: "run-1", Status: s}
	}
	o.OnEvent(status(models.RunPlanning))
	o.OnEvent(status(models.RunExecuting))
	o.OnEvent(status(models.RunFailedUnrecoverable))
	o.OnEvent(status(models.RunFailed)) // after manual rollback

	if got := testutil.ToFloat64(o.Runs.WithLabelValues("failed_unrecoverable")); got != 1 {
		t.Errorf("failed_unrecoverable runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.Runs.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed runs = %v, want 0", got)
	}
}

func TestObserverRunActive(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())

	o.OnProgress(models.ImplementationProgress{Status: models.RunExecuting})
	if got := testutil.ToFloat64(o.RunActive); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	o.OnProgress(models.ImplementationProgress{Status: models.RunReviewing})
	if got := testutil.ToFloat64(o.RunActive); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)
	o.OnEvent(stepEvent(models.EventStepCompleted, models.StepTest, models.StepCompleted, 1))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"aibuddy_engine_steps_total", `type="test"`, "aibuddy_engine_step_duration_seconds"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
