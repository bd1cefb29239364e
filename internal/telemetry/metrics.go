package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CardsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_cards_created_total", Help: "Cards persisted by runs and job expansion"})
	CardsFiltered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_cards_filtered_total", Help: "Proposed actions dropped by learned rules"})
	CardsDeduped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_cards_deduped_total", Help: "Proposed actions dropped as duplicates of pending cards"})
	CardsExecuted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cardflow_cards_executed_total", Help: "Card executions by type and outcome"}, []string{"type", "outcome"})
	CardsPromoted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_cards_promoted_total", Help: "Scheduled cards promoted to suggested"})
	ClaimConflicts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_claim_conflicts_total", Help: "Execution attempts on cards that were not approved"})
	Runs               = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cardflow_runs_total", Help: "Finished work-block runs by status"}, []string{"status"})
	JobTasks           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cardflow_job_tasks_total", Help: "Job tasks finished by status"}, []string{"status"})
	BackgroundFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_background_failures_total", Help: "Background tasks moved to the dead-letter queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardflow_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	BackgroundDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cardflow_background_queue_depth", Help: "Background tasks waiting to be processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CardsCreated,
			CardsFiltered,
			CardsDeduped,
			CardsExecuted,
			CardsPromoted,
			ClaimConflicts,
			Runs,
			JobTasks,
			BackgroundFailures,
			RateLimitRejects,
			BackgroundDepth,
		)
	})
	return promhttp.Handler()
}
