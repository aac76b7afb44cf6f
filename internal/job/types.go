// Package job runs the recognition pipeline for one submitted document:
// fan question images out to the requested engines through the cache,
// reduce each question with the configured consensus method, and fold
// everything into a JobResult with timing and cost telemetry.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/ocr"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrJobTimeout marks a job that hit its global deadline. The completed
// question results are kept alongside it.
var ErrJobTimeout = errors.New("job deadline exceeded")

// ConfigurationError rejects a malformed request before any engine call.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "invalid job configuration: " + e.Message
}

// NewConfigurationError formats a configuration rejection.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// QuestionTask is one question region queued for recognition.
type QuestionTask struct {
	// Number is the exam question number (1-based, caller supplied).
	Number int

	// Image is the segmented question region.
	Image ocr.QuestionImage
}

// QuestionResult holds everything recognized for one question.
type QuestionResult struct {
	// Number is the exam question number.
	Number int `json:"number"`

	// PageIndex and SegmentIndex locate the source region.
	PageIndex    int `json:"page_index"`
	SegmentIndex int `json:"segment_index"`

	// Results lists one OCRResult per engine that succeeded, in
	// requested engine order.
	Results []ocr.Result `json:"results"`

	// Errors lists per-engine failures for this question.
	Errors []engines.EngineError `json:"errors,omitempty"`

	// Consensus is the reconciled answer. Present even when every
	// engine failed (empty text, confidence 0, needs review).
	Consensus *consensus.Result `json:"consensus"`

	// GroundTruth and Accuracy are populated when a truth set is
	// supplied for calibration runs.
	GroundTruth string   `json:"ground_truth,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
}

// Metrics is the job-level telemetry block.
type Metrics struct {
	// TotalTime is the wall clock of the whole job.
	TotalTime time.Duration `json:"total_time"`

	// TimePerQuestion is TotalTime divided by the question count.
	TimePerQuestion time.Duration `json:"time_per_question"`

	// EngineTimes sums reported processing time per engine.
	EngineTimes map[string]time.Duration `json:"engine_times"`

	// CostEstimate sums per-call cost over non-cached invocations.
	CostEstimate float64 `json:"cost_estimate"`

	// CacheHits and CacheMisses count cache lookups across all pairs.
	CacheHits   int `json:"cache_hits"`
	CacheMisses int `json:"cache_misses"`

	// LatencyP50/P95/P99 summarize per-call wall latency for
	// non-cached engine invocations.
	LatencyP50 time.Duration `json:"latency_p50"`
	LatencyP95 time.Duration `json:"latency_p95"`
	LatencyP99 time.Duration `json:"latency_p99"`
}

// JobResult is the terminal output of one job.
type JobResult struct {
	ID        string           `json:"id"`
	Status    Status           `json:"status"`
	Questions []QuestionResult `json:"questions"`
	Metrics   Metrics          `json:"metrics"`
	Error     string           `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
