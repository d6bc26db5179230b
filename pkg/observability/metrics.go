package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit pipeline metrics
	episodesCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigraph_episodes_committed_total",
			Help: "Total number of episode commits by worker role and outcome",
		},
		[]string{"role", "status"},
	)

	episodeCommitRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epigraph_episode_commit_retries_total",
			Help: "Total number of episode commit retries after retriable store errors",
		},
	)

	episodeCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epigraph_episode_commit_duration_seconds",
			Help:    "Episode commit duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Research pool metrics
	researchBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigraph_research_batches_total",
			Help: "Total number of research batches by outcome",
		},
		[]string{"status"},
	)

	researchBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "epigraph_research_batch_duration_seconds",
			Help: "Research batch wall time in seconds from submission to results",
			// Batches run minutes, not milliseconds.
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1200},
		},
	)

	researchWorkerOutputs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigraph_research_worker_outputs_total",
			Help: "Total number of research worker outputs by role and outcome",
		},
		[]string{"role", "status"},
	)

	// Session metrics
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epigraph_sessions_active",
			Help: "Number of research sessions not yet complete",
		},
	)

	// LLM usage metrics
	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigraph_llm_tokens_total",
			Help: "Total LLM tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	llmCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigraph_llm_cost_usd_total",
			Help: "Estimated cumulative LLM spend in USD by provider and model",
		},
		[]string{"provider", "model"},
	)

	initOnce sync.Once
)

// InitMetrics registers the epigraph metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			episodesCommittedTotal,
			episodeCommitRetries,
			episodeCommitDuration,
			researchBatchesTotal,
			researchBatchDuration,
			researchWorkerOutputs,
			sessionsActive,
			llmTokensTotal,
			llmCostTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEpisodeCommit records one episode commit's final outcome
func RecordEpisodeCommit(role, status string, duration time.Duration) {
	episodesCommittedTotal.WithLabelValues(role, status).Inc()
	episodeCommitDuration.Observe(duration.Seconds())
}

// RecordCommitRetry counts a retriable store error that triggered a retry
func RecordCommitRetry() {
	episodeCommitRetries.Inc()
}

// RecordResearchBatch records a finished research batch
func RecordResearchBatch(status string, duration time.Duration) {
	researchBatchesTotal.WithLabelValues(status).Inc()
	researchBatchDuration.Observe(duration.Seconds())
}

// RecordWorkerOutput records one research worker's outcome
func RecordWorkerOutput(role, status string) {
	researchWorkerOutputs.WithLabelValues(role, status).Inc()
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}

// RecordLLMTokens records token consumption for one completion call
func RecordLLMTokens(provider string, promptTokens, completionTokens int) {
	llmTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	llmTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// RecordLLMCost adds an estimated call cost to the running spend counter
func RecordLLMCost(provider, model string, usd float64) {
	llmCostTotal.WithLabelValues(provider, model).Add(usd)
}
