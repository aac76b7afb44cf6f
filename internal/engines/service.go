package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// Canonical names of the HTTP recognition services.
const (
	SuryaName     = "surya"
	PaddleOCRName = "paddleocr"
	Pix2TextName  = "pix2text"

	// DefaultConfidence is reported when a backend omits a confidence.
	DefaultConfidence = 0.9

	defaultServiceTimeout = 60 * time.Second
)

// ServiceConfig holds configuration for an HTTP recognition service client.
type ServiceConfig struct {
	Name              string
	BaseURL           string
	Timeout           time.Duration
	RateLimit         float64 // requests per second
	CostPerCall       float64 // USD per non-cached call
	Math              bool    // backend emits LaTeX
	DefaultConfidence float64
	HTTPClient        *http.Client // optional (tests)
}

// ServiceClient implements Engine for the recognition microservices
// (surya, paddleocr, pix2text). They share a wire format: multipart
// POST /ocr with a "file" part, JSON response, GET /health probe.
type ServiceClient struct {
	name              string
	baseURL           string
	timeout           time.Duration
	rateLimit         float64
	costPerCall       float64
	math              bool
	defaultConfidence float64
	client            *http.Client
}

// NewServiceClient creates a client for one recognition service.
func NewServiceClient(cfg ServiceConfig) *ServiceClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultServiceTimeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 4.0
	}
	if cfg.DefaultConfidence == 0 {
		cfg.DefaultConfidence = DefaultConfidence
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &ServiceClient{
		name:              cfg.Name,
		baseURL:           cfg.BaseURL,
		timeout:           cfg.Timeout,
		rateLimit:         cfg.RateLimit,
		costPerCall:       cfg.CostPerCall,
		math:              cfg.Math,
		defaultConfidence: cfg.DefaultConfidence,
		client:            client,
	}
}

// Name returns the canonical backend name.
func (c *ServiceClient) Name() string { return c.name }

// Math reports whether the backend emits LaTeX.
func (c *ServiceClient) Math() bool { return c.math }

// RequestsPerSecond returns the configured rate limit.
func (c *ServiceClient) RequestsPerSecond() float64 { return c.rateLimit }

// CostPerCall returns the estimated USD cost of one call.
func (c *ServiceClient) CostPerCall() float64 { return c.costPerCall }

// serviceResponse is the shared JSON shape of the recognition services.
// Confidence is a pointer so an omitted value can be distinguished from a
// genuine 0.0 and replaced with the calibrated default.
type serviceResponse struct {
	Engine         string     `json:"engine"`
	Text           string     `json:"text"`
	LaTeX          string     `json:"latex"`
	Confidence     *float64   `json:"confidence"`
	ProcessingTime float64    `json:"processingTime"` // milliseconds
	Lines          []struct {
		Text       string    `json:"text"`
		Confidence float64   `json:"confidence"`
		BBox       []float64 `json:"bbox"`
	} `json:"lines"`
}

// Recognize sends one question image to the service's /ocr endpoint.
func (c *ServiceClient) Recognize(ctx context.Context, image []byte, questionNum int) (*ocr.Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fmt.Sprintf("question_%03d.png", questionNum))
	if err != nil {
		return nil, NewEngineError(c.name, ErrorKindMalformed, "failed to build request body: %v", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, NewEngineError(c.name, ErrorKindMalformed, "failed to write image part: %v", err)
	}
	if err := mw.Close(); err != nil {
		return nil, NewEngineError(c.name, ErrorKindMalformed, "failed to finalize request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ocr", &body)
	if err != nil {
		return nil, NewEngineError(c.name, ErrorKindHTTP, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, classifyCallError(c.name, c.timeout, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewEngineError(c.name, ErrorKindHTTP, "failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewEngineError(c.name, ErrorKindHTTP, "status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var sr serviceResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, NewEngineError(c.name, ErrorKindMalformed, "unparsable response: %v", err)
	}

	confidence := c.defaultConfidence
	if sr.Confidence != nil {
		confidence = clamp01(*sr.Confidence)
	}

	processingTime := time.Since(start)
	if sr.ProcessingTime > 0 {
		processingTime = time.Duration(sr.ProcessingTime * float64(time.Millisecond))
	}

	result := &ocr.Result{
		Engine:         c.name,
		Text:           sr.Text,
		Confidence:     confidence,
		ProcessingTime: processingTime,
	}
	if c.math {
		result.LaTeX = sr.LaTeX
	}
	for _, line := range sr.Lines {
		result.Lines = append(result.Lines, ocr.Line{
			Text:       line.Text,
			Confidence: line.Confidence,
			BBox:       line.BBox,
		})
	}
	if sr.Engine != "" && sr.Engine != c.name {
		result.Metadata = map[string]any{"reported_engine": sr.Engine}
	}

	return result, nil
}

// CheckHealth probes the service's /health endpoint.
func (c *ServiceClient) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Verify interface
var _ Engine = (*ServiceClient)(nil)
