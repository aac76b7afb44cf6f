// Package segment splits a rendered page image into ordered per-question
// sub-images using a row-wise ink-density profile. Horizontal whitespace
// gaps between answers are the separators; there is no semantic layout
// analysis.
package segment

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// Options control gap detection. Pixel defaults are calibrated for
// 300 DPI renders; scale them when rendering at other resolutions.
type Options struct {
	// MinSegmentHeight is the smallest band kept as its own question
	// region; shorter bands merge into their predecessor.
	MinSegmentHeight int

	// MinWhitespaceHeight is the shortest run of blank rows treated as a
	// separator between questions.
	MinWhitespaceHeight int

	// WhitespaceThreshold is the row ink-density fraction below which a
	// row counts as blank.
	WhitespaceThreshold float64

	// Margin pads each detected band vertically, clamped to the page.
	Margin int

	// MinInkDensity is the per-pixel darkness (0 white, 1 black) at or
	// above which a pixel counts as ink.
	MinInkDensity float64

	// EvenSplitFallback divides the page into equal-height bands when
	// gap detection disagrees with the expected question count.
	EvenSplitFallback bool
}

// DefaultOptions returns gap-detection defaults for 300 DPI pages.
func DefaultOptions() Options {
	return Options{
		MinSegmentHeight:    40,
		MinWhitespaceHeight: 18,
		WhitespaceThreshold: 0.02,
		Margin:              12,
		MinInkDensity:       0.5,
	}
}

// withDefaults fills zero-valued fields.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MinSegmentHeight <= 0 {
		o.MinSegmentHeight = def.MinSegmentHeight
	}
	if o.MinWhitespaceHeight <= 0 {
		o.MinWhitespaceHeight = def.MinWhitespaceHeight
	}
	if o.WhitespaceThreshold <= 0 {
		o.WhitespaceThreshold = def.WhitespaceThreshold
	}
	if o.MinInkDensity <= 0 {
		o.MinInkDensity = def.MinInkDensity
	}
	return o
}

// Segmenter slices page images into question regions.
type Segmenter struct {
	opts   Options
	logger *slog.Logger
}

// New creates a segmenter. Zero-valued options take 300 DPI defaults.
func New(opts Options, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{opts: opts.withDefaults(), logger: logger}
}

// band is a half-open row range [top, bottom).
type band struct {
	top, bottom int
}

func (b band) height() int { return b.bottom - b.top }

// Segment splits one page into ordered question images. expected is the
// question count the caller anticipates on this page; zero means unknown.
func (s *Segmenter) Segment(page ocr.PageImage, expected int) ([]ocr.QuestionImage, error) {
	img, err := png.Decode(bytes.NewReader(page.PNG))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page %d: %w", page.Index, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("page %d has empty dimensions", page.Index)
	}

	profile := rowInkProfile(img, s.opts.MinInkDensity)

	bands, score := s.detectBands(profile, height)

	blank := len(bands) == 1 && score == 0

	if expected > 0 && len(bands) != expected && s.opts.EvenSplitFallback {
		s.logger.Debug("segment count mismatch, using even split",
			"page", page.Index,
			"detected", len(bands),
			"expected", expected)
		bands = evenSplit(height, expected)
		score = 0.5
	} else if blank {
		s.logger.Warn("page has no detectable ink, emitting single degenerate segment",
			"page", page.Index)
	}

	segments := make([]ocr.QuestionImage, 0, len(bands))
	for i, b := range bands {
		padded := s.pad(b, height)
		crop, err := cropPNG(img, bounds.Min.Y+padded.top, bounds.Min.Y+padded.bottom)
		if err != nil {
			return nil, fmt.Errorf("failed to crop page %d segment %d: %w", page.Index, i, err)
		}
		segments = append(segments, ocr.QuestionImage{
			PageIndex:    page.Index,
			SegmentIndex: i,
			Bounds: ocr.BoundingBox{
				X: 0,
				Y: padded.top,
				W: width,
				H: padded.height(),
			},
			Score: score,
			PNG:   crop,
		})
	}
	return segments, nil
}

// rowInkProfile returns, per row, the fraction of pixels whose darkness
// meets the ink cutoff.
func rowInkProfile(img image.Image, minInkDensity float64) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	profile := make([]float64, bounds.Dy())

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		ink := 0
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			luma := (299*float64(r) + 587*float64(g) + 114*float64(b)) / (1000 * 65535)
			if 1-luma >= minInkDensity {
				ink++
			}
		}
		profile[y-bounds.Min.Y] = float64(ink) / float64(width)
	}
	return profile
}

// detectBands cuts the page at separator-run midpoints and merges bands
// shorter than MinSegmentHeight into their predecessor. score is 1.0 for
// real detections and 0 when the page held no ink at all.
func (s *Segmenter) detectBands(profile []float64, height int) ([]band, float64) {
	inkRows := 0
	for _, d := range profile {
		if d >= s.opts.WhitespaceThreshold {
			inkRows++
		}
	}
	if inkRows == 0 {
		return []band{{0, height}}, 0
	}

	var cuts []int
	runStart := -1
	for y := 0; y <= height; y++ {
		blank := y < height && profile[y] < s.opts.WhitespaceThreshold
		if blank && runStart < 0 {
			runStart = y
		}
		if !blank && runStart >= 0 {
			runLen := y - runStart
			// Leading and trailing page whitespace is not a separator.
			if runLen >= s.opts.MinWhitespaceHeight && runStart > 0 && y < height {
				cuts = append(cuts, runStart+runLen/2)
			}
			runStart = -1
		}
	}

	var bands []band
	top := 0
	for _, cut := range cuts {
		bands = append(bands, band{top, cut})
		top = cut
	}
	bands = append(bands, band{top, height})

	return mergeShort(bands, s.opts.MinSegmentHeight), 1.0
}

// mergeShort folds bands below the minimum height into their predecessor
// (the first band folds forward instead).
func mergeShort(bands []band, minHeight int) []band {
	merged := bands[:0]
	for _, b := range bands {
		if b.height() < minHeight && len(merged) > 0 {
			merged[len(merged)-1].bottom = b.bottom
			continue
		}
		merged = append(merged, b)
	}
	if len(merged) > 1 && merged[0].height() < minHeight {
		merged[1].top = merged[0].top
		merged = merged[1:]
	}
	return merged
}

// evenSplit divides the page into n equal-height bands.
func evenSplit(height, n int) []band {
	bands := make([]band, 0, n)
	for i := 0; i < n; i++ {
		top := i * height / n
		bottom := (i + 1) * height / n
		bands = append(bands, band{top, bottom})
	}
	return bands
}

// pad expands a band by the margin, clamped to the page.
func (s *Segmenter) pad(b band, height int) band {
	b.top -= s.opts.Margin
	b.bottom += s.opts.Margin
	if b.top < 0 {
		b.top = 0
	}
	if b.bottom > height {
		b.bottom = height
	}
	if b.bottom <= b.top {
		b.bottom = b.top + 1
	}
	return b
}

// cropPNG re-encodes the horizontal strip [top, bottom) of img.
func cropPNG(img image.Image, top, bottom int) ([]byte, error) {
	bounds := img.Bounds()
	rect := image.Rect(bounds.Min.X, top, bounds.Max.X, bottom)

	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("image type %T does not support cropping", img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sub.SubImage(rect)); err != nil {
		return nil, fmt.Errorf("failed to encode segment: %w", err)
	}
	return buf.Bytes(), nil
}
