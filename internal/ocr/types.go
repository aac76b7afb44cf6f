// Package ocr defines the shared data model for the recognition pipeline:
// rendered pages, segmented question regions, and per-engine results.
package ocr

import "time"

// Canonical engine names, as reported by the backends themselves.
const (
	EngineSurya     = "surya"
	EnginePaddleOCR = "paddleocr"
	EnginePix2Text  = "pix2text"
	EngineTesseract = "tesseract"
)

// PageImage is a single rasterized page of a source document.
// Immutable once produced by the renderer.
type PageImage struct {
	// Index is the zero-based page index within the document.
	Index int `json:"index"`

	// DocDigest is the sha256 hex digest of the source document bytes.
	DocDigest string `json:"doc_digest"`

	// PNG holds the encoded page raster.
	PNG []byte `json:"-"`

	// Pixel dimensions of the raster.
	Width  int `json:"width"`
	Height int `json:"height"`

	// DPI the page was rendered at.
	DPI int `json:"dpi"`
}

// BoundingBox is a pixel-space rectangle within a page image.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// QuestionImage is a sub-region of a PageImage covering one question's
// answer area. Immutable once produced by the segmenter.
type QuestionImage struct {
	// PageIndex is the zero-based index of the source page.
	PageIndex int `json:"page_index"`

	// SegmentIndex is the zero-based position of this segment on the page.
	SegmentIndex int `json:"segment_index"`

	// Question is the 1-based question number this segment was assigned to.
	Question int `json:"question"`

	// Bounds locates the segment within the source page.
	Bounds BoundingBox `json:"bounds"`

	// Score reports how confidently the segmenter separated this region
	// from its neighbors, in [0,1].
	Score float64 `json:"score"`

	// PNG holds the encoded sub-image.
	PNG []byte `json:"-"`
}

// Line is a single recognized text line with optional geometry.
type Line struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// Result is the outcome of one successful engine call for one question
// image. Produced exactly once per (question, engine) call; immutable.
type Result struct {
	// Engine is the canonical backend name (e.g. "surya").
	Engine string `json:"engine"`

	// Text is the recognized plain text.
	Text string `json:"text"`

	// LaTeX is populated only by math-capable engines.
	LaTeX string `json:"latex,omitempty"`

	// Confidence is always populated, in [0,1]. Engines that omit a
	// confidence get a calibrated default from their adapter.
	Confidence float64 `json:"confidence"`

	// ProcessingTime is the engine-side (or wall-clock) call duration.
	ProcessingTime time.Duration `json:"processing_time"`

	// Lines holds per-line geometry when the backend reports it.
	Lines []Line `json:"lines,omitempty"`

	// Metadata carries backend-specific extras.
	Metadata map[string]any `json:"metadata,omitempty"`
}
