package job

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/gradescan/internal/engines"
)

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// Aggregate folds per-question results and run counters into the final
// JobResult. Questions are emitted in ascending question-number order.
// Status is "completed" only when every question carries a consensus
// result and the deadline did not elapse.
func Aggregate(id string, registry *engines.Registry, questions []QuestionResult, counters *Counters, totalTime time.Duration, startedAt time.Time) *JobResult {
	sorted := make([]QuestionResult, len(questions))
	copy(sorted, questions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	metrics := Metrics{
		TotalTime:   totalTime,
		EngineTimes: counters.EngineTime,
		CacheHits:   counters.CacheHits,
		CacheMisses: counters.CacheMisses,
	}
	if metrics.EngineTimes == nil {
		metrics.EngineTimes = make(map[string]time.Duration)
	}
	if len(sorted) > 0 {
		metrics.TimePerQuestion = totalTime / time.Duration(len(sorted))
	}

	for name, calls := range counters.EngineCalls {
		if engine, err := registry.Get(name); err == nil {
			metrics.CostEstimate += engine.CostPerCall() * float64(calls)
		}
	}

	metrics.LatencyP50 = percentile(counters.Latencies, 0.50)
	metrics.LatencyP95 = percentile(counters.Latencies, 0.95)
	metrics.LatencyP99 = percentile(counters.Latencies, 0.99)

	result := &JobResult{
		ID:        id,
		Status:    StatusCompleted,
		Questions: sorted,
		Metrics:   metrics,
		CreatedAt: startedAt,
	}

	var problems []string
	for _, q := range sorted {
		if q.Consensus == nil {
			problems = append(problems, fmt.Sprintf("question %d has no consensus result", q.Number))
		}
	}
	if counters.TimedOut {
		problems = append(problems, fmt.Sprintf("%s, results are partial", ErrJobTimeout))
	}
	if len(problems) > 0 {
		result.Status = StatusFailed
		result.Error = strings.Join(problems, "; ")
	}

	done := time.Now().UTC()
	result.CompletedAt = &done
	return result
}

// percentile returns the p-th percentile of samples (nearest rank).
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
