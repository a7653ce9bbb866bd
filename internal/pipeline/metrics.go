package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage label values for stageDurationSeconds.
const (
	stageRetrieve   = "retrieve"
	stageSynthesize = "synthesize"
)

// Outcome label values for answersTotal.
const (
	outcomeOK             = "ok"
	outcomeInvalid        = "invalid"
	outcomeEmbeddingError = "embedding_error"
	outcomeSynthesisError = "synthesis_error"
	outcomeTimeout        = "timeout"
	outcomeError          = "error"
)

// pipelineMetrics holds the Prometheus metrics recorded by Answer and Search.
type pipelineMetrics struct {
	// answersTotal counts Answer calls partitioned by outcome.
	answersTotal *prometheus.CounterVec

	// stageDurationSeconds records the latency of each pipeline stage.
	stageDurationSeconds *prometheus.HistogramVec

	// contextRows records how many rows retrieval returned per query.
	contextRows prometheus.Histogram

	// enoughContextTotal counts validated answers by their context verdict.
	enoughContextTotal *prometheus.CounterVec
}

// newPipelineMetrics registers the pipeline metrics against reg.
func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	factory := promauto.With(reg)

	return &pipelineMetrics{
		answersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragfaq",
			Subsystem: "pipeline",
			Name:      "answers_total",
			Help:      "Total number of answer requests, partitioned by outcome.",
		}, []string{"outcome"}),

		stageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragfaq",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Latency of the retrieve and synthesize stages.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),

		contextRows: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragfaq",
			Subsystem: "pipeline",
			Name:      "context_rows",
			Help:      "Number of rows retrieved as context per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
		}),

		enoughContextTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragfaq",
			Subsystem: "pipeline",
			Name:      "enough_context_total",
			Help:      "Validated answers partitioned by the model's context verdict.",
		}, []string{"verdict"}),
	}
}
