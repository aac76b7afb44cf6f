package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// arbitrate sends the candidate list to the external adjudicator. If the
// adjudicator is not configured or unreachable, it degrades to the
// weighted method and flags the question for review.
func (e *Engine) arbitrate(ctx context.Context, results []ocr.Result, cfg Config, questionNum int) *Result {
	if e.arbiter == nil {
		e.logger.Warn("ai arbiter not configured, falling back to weighted consensus",
			"question", questionNum)
		res := Weighted(results, cfg)
		res.NeedsReview = true
		return res
	}

	adj, err := e.arbiter.Adjudicate(ctx, results, questionNum)
	if err != nil {
		e.logger.Warn("ai arbiter unreachable, falling back to weighted consensus",
			"question", questionNum,
			"error", err)
		res := Weighted(results, cfg)
		res.NeedsReview = true
		return res
	}

	// Agreement is measured against the corrected text: how many engines
	// already produced the adjudicated answer.
	agree := 0
	key := normalize(adj.CorrectedText)
	for _, r := range results {
		if normalize(r.Text) == key {
			agree++
		}
	}

	res := &Result{
		FinalText:      adj.CorrectedText,
		Confidence:     adj.Confidence,
		Method:         MethodAIArbiter,
		Results:        results,
		AIValidation:   adj,
		AgreementRatio: float64(agree) / float64(len(results)),
	}

	forced := adj.Confidence < cfg.ArbiterConfidenceThreshold ||
		(adj.MathValid != nil && !*adj.MathValid)
	finalizeReview(res, cfg, forced)
	return res
}

const arbiterDefaultModel = "gpt-4o-mini"

// adjudicationSchema constrains the adjudicator's JSON response.
const adjudicationSchema = `{
	"type": "object",
	"properties": {
		"corrected_text": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"errors": {"type": "array", "items": {"type": "string"}},
		"math_valid": {"type": ["boolean", "null"]}
	},
	"required": ["corrected_text", "confidence"],
	"additionalProperties": false
}`

const arbiterSystemPrompt = `You adjudicate between multiple OCR engine readings of a handwritten exam answer.
You receive each engine's text, confidence, and LaTeX rendering when available.
Pick or correct the most plausible reading. If the answer contains mathematics,
check it for internal consistency and report math_valid. Respond with JSON only.`

// OpenAIArbiterConfig configures the OpenAI-backed adjudicator.
type OpenAIArbiterConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// OpenAIArbiter adjudicates via an OpenAI-compatible chat endpoint with a
// JSON-schema response format, validated locally before use.
type OpenAIArbiter struct {
	client openai.Client
	model  string
	schema *jsonschema.Schema
}

// NewOpenAIArbiter creates the adjudicator client.
func NewOpenAIArbiter(cfg OpenAIArbiterConfig) (*OpenAIArbiter, error) {
	if cfg.Model == "" {
		cfg.Model = arbiterDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("adjudication.json", bytes.NewReader([]byte(adjudicationSchema))); err != nil {
		return nil, fmt.Errorf("failed to load adjudication schema: %w", err)
	}
	schema, err := compiler.Compile("adjudication.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile adjudication schema: %w", err)
	}

	return &OpenAIArbiter{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		schema: schema,
	}, nil
}

// Adjudicate asks the model to reconcile the candidate readings.
func (a *OpenAIArbiter) Adjudicate(ctx context.Context, candidates []ocr.Result, questionNum int) (*Adjudication, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question %d has %d candidate readings:\n\n", questionNum, len(candidates))
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. engine=%s confidence=%.2f\n   text: %s\n", i+1, c.Engine, c.Confidence, c.Text)
		if c.LaTeX != "" {
			fmt.Fprintf(&sb, "   latex: %s\n", c.LaTeX)
		}
	}

	var schemaDoc map[string]any
	if err := json.Unmarshal([]byte(adjudicationSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid adjudication schema: %w", err)
	}

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(arbiterSystemPrompt),
			openai.UserMessage(sb.String()),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "adjudication",
					Schema: schemaDoc,
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("arbiter request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("arbiter returned no choices")
	}

	raw, err := parseAdjudicationJSON(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode adjudication: %w", err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("adjudication does not match schema: %w", err)
	}

	var adj Adjudication
	if err := json.Unmarshal(raw, &adj); err != nil {
		return nil, fmt.Errorf("failed to decode adjudication: %w", err)
	}
	return &adj, nil
}

// parseAdjudicationJSON parses JSON from model output, with lightweight
// recovery for markdown code fences and surrounding text.
func parseAdjudicationJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty adjudication output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			candidates = append(candidates, content[start:end+1])
		}
	}

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, fmt.Errorf("failed to parse adjudication JSON")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}

	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Verify interface
var _ Adjudicator = (*OpenAIArbiter)(nil)
