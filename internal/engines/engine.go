// Package engines wraps the external recognition backends behind a uniform
// adapter contract. Each adapter owns its timeout and rate limit; failures
// surface as typed EngineErrors so the orchestrator can isolate them.
package engines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// Engine is the uniform capability every recognition backend satisfies.
// Low confidence is reported through the result, never as an error.
type Engine interface {
	// Name returns the canonical backend name (e.g. "surya", "paddleocr").
	Name() string

	// Math reports whether the backend emits LaTeX for math content.
	Math() bool

	// Recognize extracts text from one question region. questionNum is
	// advisory (1-based, 0 when unknown) and only used for logging and
	// backend hints. A failed call returns an *EngineError.
	Recognize(ctx context.Context, image []byte, questionNum int) (*ocr.Result, error)

	// CheckHealth is a best-effort pre-flight probe. It never gates
	// consensus; a healthy=false engine is still called if requested.
	CheckHealth(ctx context.Context) bool

	// Rate limiting and cost properties.
	RequestsPerSecond() float64
	CostPerCall() float64
}

// ErrorKind classifies engine call failures.
type ErrorKind string

const (
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindHTTP      ErrorKind = "http"
	ErrorKindMalformed ErrorKind = "malformed"
)

// EngineError is the failure of a single (question, engine) call.
// It is recorded against its pair and never propagates further.
type EngineError struct {
	Engine  string    `json:"engine"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %s: %s", e.Engine, e.Kind, e.Message)
}

// NewEngineError builds an EngineError for the given engine and kind.
func NewEngineError(engine string, kind ErrorKind, format string, args ...any) *EngineError {
	return &EngineError{
		Engine:  engine,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// AsEngineError unwraps err into an *EngineError if possible.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// classifyCallError maps a transport-level error to an EngineError,
// treating deadline/cancellation as a timeout.
func classifyCallError(engine string, timeout time.Duration, err error) *EngineError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewEngineError(engine, ErrorKindTimeout, "call aborted after %s: %v", timeout, err)
	}
	return NewEngineError(engine, ErrorKindHTTP, "request failed: %v", err)
}
