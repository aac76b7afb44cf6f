// Package consensus reduces the per-engine OCR results for one question
// into a single answer with a quantified confidence and disagreement
// signal. Each method is a pure function of its input list and config;
// only the AI arbiter touches the network, and it degrades to the
// weighted method when unreachable.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// Method selects the reduction algorithm.
type Method string

const (
	MethodMajority   Method = "majority"
	MethodWeighted   Method = "weighted"
	MethodClustering Method = "clustering"
	MethodAIArbiter  Method = "ai_arbiter"
)

// Methods lists all valid method tags.
func Methods() []Method {
	return []Method{MethodMajority, MethodWeighted, MethodClustering, MethodAIArbiter}
}

// ParseMethod validates a method tag.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MethodMajority, MethodWeighted, MethodClustering, MethodAIArbiter:
		return m, nil
	}
	return "", fmt.Errorf("unknown consensus method: %q", s)
}

// Config tunes the reduction algorithms. Thresholds are configuration,
// not constants: calibrate them against real scan batches.
type Config struct {
	// Weights maps engine name to reliability weight (default 1.0).
	Weights map[string]float64

	// AgreementThreshold forces needsReview when the agreement ratio
	// falls below it.
	AgreementThreshold float64

	// ClusterThreshold is the edit-distance ratio (distance / longer
	// length) under which two normalized texts join one cluster.
	ClusterThreshold float64

	// ArbiterConfidenceThreshold forces needsReview when the
	// adjudicator's confidence falls below it.
	ArbiterConfidenceThreshold float64

	// EngineOrder is the requested engine order, used for deterministic
	// tie breaking.
	EngineOrder []string

	// Requested is how many engines were asked for this question. Fewer
	// contributing results than requested forces needsReview.
	Requested int
}

// DefaultConfig returns a Config with calibrated starting thresholds.
func DefaultConfig() Config {
	return Config{
		AgreementThreshold:         0.5,
		ClusterThreshold:           0.25,
		ArbiterConfidenceThreshold: 0.7,
	}
}

// Result is the reconciled answer for one question.
type Result struct {
	// FinalText is the chosen answer, original casing preserved.
	FinalText string `json:"final_text"`

	// Confidence quantifies trust in FinalText, in [0,1].
	Confidence float64 `json:"confidence"`

	// Method that produced this result. The arbiter records "weighted"
	// here when it had to fall back.
	Method Method `json:"method"`

	// Results is the full OCR result list the reduction used.
	Results []ocr.Result `json:"results"`

	// NeedsReview marks the question for human adjudication.
	NeedsReview bool `json:"needs_review"`

	// AIValidation holds the adjudicator response, ai_arbiter only.
	AIValidation *Adjudication `json:"ai_validation,omitempty"`

	// AgreementRatio is the fraction of contributing engines whose
	// normalized output matches FinalText's group.
	AgreementRatio float64 `json:"agreement_ratio"`
}

// Adjudicator is the external adjudication service boundary.
type Adjudicator interface {
	Adjudicate(ctx context.Context, candidates []ocr.Result, questionNum int) (*Adjudication, error)
}

// Adjudication is the external adjudicator's verdict.
type Adjudication struct {
	CorrectedText string   `json:"corrected_text"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning,omitempty"`
	Errors        []string `json:"errors,omitempty"`

	// MathValid is nil when the adjudicator did not evaluate math.
	// Explicitly false forces needsReview.
	MathValid *bool `json:"math_valid,omitempty"`
}

// Engine dispatches a method tag to its reduction function.
type Engine struct {
	cfg     Config
	arbiter Adjudicator
	logger  *slog.Logger
}

// New creates a consensus engine. arbiter may be nil when the ai_arbiter
// method is not configured; ai_arbiter then falls back to weighted.
func New(cfg Config, arbiter Adjudicator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AgreementThreshold == 0 {
		cfg.AgreementThreshold = DefaultConfig().AgreementThreshold
	}
	if cfg.ClusterThreshold == 0 {
		cfg.ClusterThreshold = DefaultConfig().ClusterThreshold
	}
	if cfg.ArbiterConfidenceThreshold == 0 {
		cfg.ArbiterConfidenceThreshold = DefaultConfig().ArbiterConfidenceThreshold
	}
	return &Engine{cfg: cfg, arbiter: arbiter, logger: logger}
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Reduce runs the selected method over one question's result list.
// cfg overrides the engine defaults for per-question context (requested
// engine count and order).
func (e *Engine) Reduce(ctx context.Context, method Method, results []ocr.Result, cfg Config, questionNum int) (*Result, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}

	merged := e.mergeConfig(cfg)

	if len(results) == 0 {
		// Every engine failed: still produce a reviewable empty result
		// rather than aborting the question.
		return &Result{
			Method:      method,
			Results:     []ocr.Result{},
			NeedsReview: true,
		}, nil
	}

	switch method {
	case MethodMajority:
		return Majority(results, merged), nil
	case MethodWeighted:
		return Weighted(results, merged), nil
	case MethodClustering:
		return Clustering(results, merged), nil
	case MethodAIArbiter:
		return e.arbitrate(ctx, results, merged, questionNum), nil
	}
	return nil, fmt.Errorf("unknown consensus method: %q", method)
}

// mergeConfig overlays per-question fields on the engine defaults.
func (e *Engine) mergeConfig(cfg Config) Config {
	merged := e.cfg
	if cfg.Requested > 0 {
		merged.Requested = cfg.Requested
	}
	if len(cfg.EngineOrder) > 0 {
		merged.EngineOrder = cfg.EngineOrder
	}
	if cfg.AgreementThreshold > 0 {
		merged.AgreementThreshold = cfg.AgreementThreshold
	}
	if cfg.ClusterThreshold > 0 {
		merged.ClusterThreshold = cfg.ClusterThreshold
	}
	if len(cfg.Weights) > 0 {
		merged.Weights = cfg.Weights
	}
	return merged
}

// normalize prepares text for comparison: trim, collapse whitespace,
// case-fold. Original casing is preserved in outputs.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// weight returns the configured reliability weight for an engine.
func (c Config) weight(engine string) float64 {
	if w, ok := c.Weights[engine]; ok && w > 0 {
		return w
	}
	return 1.0
}

// orderIndex returns the requested-order position for tie breaking.
// Unknown engines sort last.
func (c Config) orderIndex(engine string) int {
	for i, name := range c.EngineOrder {
		if name == engine {
			return i
		}
	}
	return len(c.EngineOrder) + 1
}

// finalizeReview applies the shared needs-review rules: forced flags,
// agreement below threshold, or fewer contributors than requested.
func finalizeReview(r *Result, cfg Config, forced bool) {
	if forced {
		r.NeedsReview = true
		return
	}
	if r.AgreementRatio < cfg.AgreementThreshold {
		r.NeedsReview = true
		return
	}
	if cfg.Requested > 0 && len(r.Results) < cfg.Requested {
		r.NeedsReview = true
	}
}
