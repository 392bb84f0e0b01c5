package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	toolCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome.",
	}, []string{"tool", "status"})

	toolDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"tool"})

	llmRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_requests_total",
		Help:      "Chat completion requests by model and outcome.",
	}, []string{"model", "status"})

	llmDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_request_duration_seconds",
		Help:      "Chat completion latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})

	llmTokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed by type (prompt, completion).",
	}, []string{"model", "type"})

	agentRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_runs_total",
		Help:      "Agent runs by outcome.",
	}, []string{"outcome"})

	agentIterations = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_iterations",
		Help:      "Model round trips needed per agent run.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
	})

	tasksFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Query tasks reaching a terminal or retry state.",
	}, []string{"status"})

	cacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by cache name and result.",
	}, []string{"cache", "result"})
)

// ObserveToolCall records one tool invocation.
func ObserveToolCall(tool string, err error, duration time.Duration) {
	toolCalls.WithLabelValues(tool, outcome(err)).Inc()
	toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveLLMRequest records one chat completion round trip.
func ObserveLLMRequest(model string, err error, duration time.Duration, promptTokens, completionTokens int64) {
	llmRequests.WithLabelValues(model, outcome(err)).Inc()
	llmDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// ObserveAgentRun records the outcome of a complete agent run.
func ObserveAgentRun(err error, iterations int) {
	agentRuns.WithLabelValues(outcome(err)).Inc()
	agentIterations.Observe(float64(iterations))
}

// ObserveTaskStatus counts task state transitions driven by the processor.
func ObserveTaskStatus(status string) {
	tasksFinished.WithLabelValues(status).Inc()
}

// ObserveCacheLookup counts cache hits and misses.
func ObserveCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
