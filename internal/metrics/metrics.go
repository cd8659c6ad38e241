// Package metrics exposes Prometheus collectors for optimization runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evoopt_runs_total",
		Help: "Completed optimization runs by stop reason",
	}, []string{"reason"})

	roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evoopt_rounds_total",
		Help: "Completed optimization rounds",
	})

	roundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evoopt_round_duration_seconds",
		Help:    "Wall-clock duration of one round",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	candidatesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evoopt_candidates_evaluated_total",
		Help: "Candidates scored, by phase",
	}, []string{"phase"})

	evaluationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evoopt_evaluation_failures_total",
		Help: "Candidates converted to worst-case results, by failure kind",
	}, []string{"kind"})

	candidatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evoopt_candidates_rejected_total",
		Help: "Candidates rejected before scoring, by rule",
	}, []string{"rule"})

	judgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evoopt_judge_calls_total",
		Help: "Semantic judge invocations by outcome",
	}, []string{"outcome"})

	tokensSpent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evoopt_tokens_total",
		Help: "Tokens charged by evaluators",
	})

	bestScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evoopt_best_score",
		Help: "Best score of the most recent round",
	})
)

// RecordRound records a finished round.
func RecordRound(elapsed time.Duration, best float64, tokens int) {
	roundsTotal.Inc()
	roundDuration.Observe(elapsed.Seconds())
	bestScore.Set(best)
	if tokens > 0 {
		tokensSpent.Add(float64(tokens))
	}
}

// RecordEvaluated counts scored candidates for a phase ("approx", "exact", "").
func RecordEvaluated(phase string, n int) {
	if phase == "" {
		phase = "single"
	}
	candidatesEvaluated.WithLabelValues(phase).Add(float64(n))
}

// RecordFailure counts one worst-case conversion.
func RecordFailure(kind string) {
	evaluationFailures.WithLabelValues(kind).Inc()
}

// RecordRejection counts one candidate rejected before scoring.
func RecordRejection(rule string) {
	candidatesRejected.WithLabelValues(rule).Inc()
}

// RecordJudgeCall counts one judge call; outcome is "ok", "error" or "malformed".
func RecordJudgeCall(outcome string) {
	judgeCalls.WithLabelValues(outcome).Inc()
}

// RecordRun counts a completed run.
func RecordRun(reason string) {
	runsTotal.WithLabelValues(reason).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
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
