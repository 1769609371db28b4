// Package metrics exposes engine activity as Prometheus metrics by
// observing engine events and progress.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harrison/aibuddy/internal/models"
)

// Observer records engine metrics. It implements engine.Observer.
type Observer struct {
	Runs         *prometheus.CounterVec
	Steps        *prometheus.CounterVec
	StepRetries  prometheus.Counter
	StepDuration *prometheus.HistogramVec
	RunActive    prometheus.Gauge

	mu      sync.Mutex
	counted map[string]models.RunStatus // last terminal status counted per run
}

// NewObserver registers the engine metrics with registry.
func NewObserver(registry prometheus.Registerer) *Observer {
	factory := promauto.With(registry)

	return &Observer{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aibuddy_engine_runs_total",
				Help: "Total number of implementation runs by terminal status",
			},
			[]string{"status"},
		),
		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aibuddy_engine_steps_total",
				Help: "Total number of step attempts by step type and outcome",
			},
			[]string{"type", "status"},
		),
		StepRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aibuddy_engine_step_retries_total",
				Help: "Total number of step attempts after the first",
			},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aibuddy_engine_step_duration_seconds",
				Help:    "Step attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"type"},
		),
		RunActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aibuddy_engine_run_active",
				Help: "1 while a run is planning, executing or validating",
			},
		),
		counted: make(map[string]models.RunStatus),
	}
}

// OnProgress tracks whether a run is in flight.
func (o *Observer) OnProgress(p models.ImplementationProgress) {
	if p.Status.InFlight() {
		o.RunActive.Set(1)
	} else {
		o.RunActive.Set(0)
	}
}

// OnEvent counts step attempts and terminal runs.
func (o *Observer) OnEvent(ev models.ImplementationEvent) {
	switch ev.Type {
	case models.EventStepCompleted, models.EventStepFailed:
		if ev.Result == nil {
			return
		}
		stepType := string(ev.StepType)
		o.Steps.WithLabelValues(stepType, string(ev.Result.Status)).Inc()
		if ev.Result.Status == models.StepSkipped {
			return
		}
		o.StepDuration.WithLabelValues(stepType).Observe(ev.Result.Duration.Seconds())
		if ev.Result.Attempt > 1 {
			o.StepRetries.Inc()
		}
	case models.EventStatusChange:
		if !ev.Status.IsTerminal() {
			return
		}
		o.mu.Lock()
		last, seen := o.counted[ev.RunID]
		o.counted[ev.RunID] = ev.Status
		o.mu.Unlock()
		// A manual rollback re-announces the same or a cleaner terminal status
		if seen && last.IsTerminal() {
			return
		}
		o.Runs.WithLabelValues(string(ev.Status)).Inc()
	}
}

// Handler returns an HTTP handler serving the metrics in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
