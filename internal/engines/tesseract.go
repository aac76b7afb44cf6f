package engines

import (
	"context"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// TesseractName is the canonical name of the local Tesseract engine.
const TesseractName = "tesseract"

// TesseractConfig holds configuration for the local Tesseract engine.
type TesseractConfig struct {
	Language  string  // default "eng"
	RateLimit float64 // nominal; the engine is local and CPU bound
}

// TesseractEngine implements Engine using a local Tesseract install via
// gosseract. It is the offline fallback: free, no network boundary, word
// confidences from Tesseract itself.
type TesseractEngine struct {
	language  string
	rateLimit float64
}

// NewTesseractEngine creates the local Tesseract engine.
func NewTesseractEngine(cfg TesseractConfig) *TesseractEngine {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 8.0
	}
	return &TesseractEngine{
		language:  cfg.Language,
		rateLimit: cfg.RateLimit,
	}
}

// Name returns the canonical backend name.
func (e *TesseractEngine) Name() string { return TesseractName }

// Math reports LaTeX capability; Tesseract has none.
func (e *TesseractEngine) Math() bool { return false }

// RequestsPerSecond returns the nominal rate limit.
func (e *TesseractEngine) RequestsPerSecond() float64 { return e.rateLimit }

// CostPerCall returns zero: Tesseract runs locally.
func (e *TesseractEngine) CostPerCall() float64 { return 0 }

// Recognize runs Tesseract over the question image.
func (e *TesseractEngine) Recognize(ctx context.Context, image []byte, questionNum int) (*ocr.Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, classifyCallError(TesseractName, 0, err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.language); err != nil {
		return nil, NewEngineError(TesseractName, ErrorKindMalformed, "failed to set language: %v", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, NewEngineError(TesseractName, ErrorKindMalformed, "failed to set image: %v", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, NewEngineError(TesseractName, ErrorKindMalformed, "recognition failed: %v", err)
	}

	result := &ocr.Result{
		Engine:         TesseractName,
		Text:           text,
		Confidence:     DefaultConfidence,
		ProcessingTime: time.Since(start),
	}

	// Word boxes carry real confidences; average them for the result.
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			// gosseract reports confidence in [0,100].
			conf := clamp01(b.Confidence / 100.0)
			sum += conf
			result.Lines = append(result.Lines, ocr.Line{
				Text:       b.Word,
				Confidence: conf,
				BBox: []float64{
					float64(b.Box.Min.X), float64(b.Box.Min.Y),
					float64(b.Box.Max.X), float64(b.Box.Max.Y),
				},
			})
		}
		result.Confidence = sum / float64(len(boxes))
	}

	return result, nil
}

// CheckHealth verifies Tesseract is usable by creating a client.
func (e *TesseractEngine) CheckHealth(ctx context.Context) bool {
	client := gosseract.NewClient()
	defer client.Close()
	return client.SetLanguage(e.language) == nil
}

// Verify interface
var _ Engine = (*TesseractEngine)(nil)
