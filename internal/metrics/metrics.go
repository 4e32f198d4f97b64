// Package metrics exposes Prometheus instrumentation for runs, stages,
// verifiers and model calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	StageOutcomes   *prometheus.CounterVec
	RepairsTotal    *prometheus.CounterVec
	SplitFallbacks  prometheus.Counter
	StubFailures    *prometheus.CounterVec
	VerifierRuns    *prometheus.CounterVec
	VerifierLatency *prometheus.HistogramVec

	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensTotal     *prometheus.CounterVec
}

// New registers all collectors with reg. Pass a fresh prometheus.NewRegistry()
// in tests; the CLI uses its own registry too so the textfile only holds ours.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_runs_total",
				Help: "Pipeline runs by terminal outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coderloop_run_duration_seconds",
				Help:    "Wall-clock duration of a pipeline run",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		StageOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_stage_outcomes_total",
				Help: "Stage instances by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		RepairsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_repairs_total",
				Help: "Repair invocations by stage",
			},
			[]string{"stage"},
		),
		SplitFallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "coderloop_split_fallbacks_total",
				Help: "Combined repairs where the separator was missing and the last tests were re-appended",
			},
		),
		StubFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_stub_failures_total",
				Help: "Stub extraction failures by mode",
			},
			[]string{"mode"},
		),
		VerifierRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_verifier_runs_total",
				Help: "Verifier invocations by verifier and result (pass, fail, error)",
			},
			[]string{"verifier", "result"},
		),
		VerifierLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coderloop_verifier_duration_seconds",
				Help:    "Verifier invocation duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"verifier"},
		),

		LLMRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_llm_requests_total",
				Help: "Total number of model requests",
			},
			[]string{"backend", "status"},
		),
		LLMRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coderloop_llm_request_duration_seconds",
				Help:    "Model request duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),
		LLMTokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_llm_tokens_total",
				Help: "Estimated tokens sent to and received from the model",
			},
			[]string{"backend", "direction"},
		),
	}
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WriteTextfile writes the current values in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.gatherer)
}

func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordStage(stage, outcome string) {
	if m == nil {
		return
	}
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) RecordRepair(stage string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordSplitFallback() {
	if m == nil {
		return
	}
	m.SplitFallbacks.Inc()
}

func (m *Metrics) RecordStubFailure(mode string) {
	if m == nil {
		return
	}
	m.StubFailures.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordVerifier(verifier, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.VerifierRuns.WithLabelValues(verifier, result).Inc()
	m.VerifierLatency.WithLabelValues(verifier).Observe(duration.Seconds())
}

func (m *Metrics) RecordLLMRequest(backend, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(backend, status).Inc()
	m.LLMRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func (m *Metrics) RecordLLMTokens(backend string, prompt, completion int) {
	if m == nil {
		return
	}
	m.LLMTokensTotal.WithLabelValues(backend, "prompt").Add(float64(prompt))
	m.LLMTokensTotal.WithLabelValues(backend, "completion").Add(float64(completion))
}
