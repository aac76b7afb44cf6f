package engines

import (
	"context"
	"sync"
	"time"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// MockEngine is a scriptable Engine for tests. It records every call and
// can return fixed results, fixed errors, or per-call responses.
type MockEngine struct {
	mu sync.Mutex

	name    string
	math    bool
	healthy bool

	// Fixed response for every call (used when Script is empty).
	Text       string
	LaTeX      string
	Confidence float64
	Err        error

	// Script returns one response per call in order; the last entry
	// repeats once exhausted.
	Script []MockResponse

	// Delay is applied before responding; honors context cancellation.
	Delay time.Duration

	calls int
}

// MockResponse is one scripted recognition outcome.
type MockResponse struct {
	Text       string
	LaTeX      string
	Confidence float64
	Err        error
}

// NewMockEngine creates a mock engine with the given name that returns
// text with confidence for every call.
func NewMockEngine(name, text string, confidence float64) *MockEngine {
	return &MockEngine{
		name:       name,
		healthy:    true,
		Text:       text,
		Confidence: confidence,
	}
}

// Name returns the mock's engine name.
func (m *MockEngine) Name() string { return m.name }

// Math reports the configured math capability.
func (m *MockEngine) Math() bool { return m.math }

// SetMath marks the mock as math capable.
func (m *MockEngine) SetMath(v bool) { m.math = v }

// SetHealthy controls the CheckHealth response.
func (m *MockEngine) SetHealthy(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = v
}

// RequestsPerSecond returns a high limit so tests never block on it.
func (m *MockEngine) RequestsPerSecond() float64 { return 1000 }

// CostPerCall returns zero.
func (m *MockEngine) CostPerCall() float64 { return 0 }

// Calls returns how many Recognize calls were made.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Recognize returns the scripted or fixed response.
func (m *MockEngine) Recognize(ctx context.Context, image []byte, questionNum int) (*ocr.Result, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, classifyCallError(m.name, m.Delay, ctx.Err())
		case <-time.After(m.Delay):
		}
	}

	m.mu.Lock()
	call := m.calls
	m.calls++
	m.mu.Unlock()

	resp := MockResponse{Text: m.Text, LaTeX: m.LaTeX, Confidence: m.Confidence, Err: m.Err}
	if len(m.Script) > 0 {
		idx := call
		if idx >= len(m.Script) {
			idx = len(m.Script) - 1
		}
		resp = m.Script[idx]
	}

	if resp.Err != nil {
		return nil, resp.Err
	}

	return &ocr.Result{
		Engine:         m.name,
		Text:           resp.Text,
		LaTeX:          resp.LaTeX,
		Confidence:     resp.Confidence,
		ProcessingTime: 5 * time.Millisecond,
	}, nil
}

// CheckHealth returns the configured health state.
func (m *MockEngine) CheckHealth(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Verify interface
var _ Engine = (*MockEngine)(nil)
