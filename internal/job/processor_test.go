package job

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/jackzampolin/gradescan/internal/cache"
	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/ocr"
	"github.com/jackzampolin/gradescan/internal/render"
	"github.com/jackzampolin/gradescan/internal/segment"
)

// makeAnswerPage renders a synthetic white page with black strips at the
// given [top, bottom) row ranges, one strip per answer region.
func makeAnswerPage(t *testing.T, width, height int, inkBands [][2]int) ocr.PageImage {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	for _, b := range inkBands {
		for y := b[0]; y < b[1]; y++ {
			for x := 0; x < width; x++ {
				img.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test page: %v", err)
	}
	return ocr.PageImage{Index: 0, PNG: buf.Bytes(), Width: width, Height: height, DPI: 300}
}

func newTestProcessor(t *testing.T, registry *engines.Registry) *Processor {
	t.Helper()
	ce := consensus.New(consensus.DefaultConfig(), nil, nil)
	orch := NewOrchestrator(registry, cache.NewMemory(), ce, nil)
	renderer := render.New(render.Options{}, nil)
	segmenter := segment.New(segment.Options{}, nil)
	return NewProcessor(renderer, segmenter, orch, registry, nil)
}

func TestProcessorPipelineFromPages(t *testing.T) {
	registry := engines.NewRegistry()
	registry.Register(engines.NewMockEngine("alpha", "42", 0.9))
	registry.Register(engines.NewMockEngine("beta", "42", 0.8))
	p := newTestProcessor(t, registry)

	// Ink in the top and bottom quarters, one wide gap between.
	page := makeAnswerPage(t, 200, 400, [][2]int{{0, 100}, {300, 400}})

	result, err := p.Process(context.Background(), "job-1", ProcessRequest{
		Pages:     []ocr.PageImage{page},
		Questions: []int{1, 2},
		Engines:   []string{"alpha", "beta"},
		Method:    consensus.MethodMajority,
		UseCache:  true,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", result.Status, result.Error)
	}
	if len(result.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(result.Questions))
	}
	for i, q := range result.Questions {
		if q.Number != i+1 {
			t.Errorf("question[%d].Number = %d, want %d", i, q.Number, i+1)
		}
		if q.Consensus == nil || q.Consensus.FinalText != "42" {
			t.Errorf("question %d consensus = %+v, want final text 42", q.Number, q.Consensus)
		}
		if q.Consensus.NeedsReview {
			t.Errorf("question %d flagged for review on unanimous input", q.Number)
		}
	}
	if result.Metrics.CacheMisses != 4 {
		t.Errorf("cache misses = %d, want 4", result.Metrics.CacheMisses)
	}
	if result.ID != "job-1" {
		t.Errorf("ID = %q", result.ID)
	}
}

func TestProcessorNumbersSequentiallyOnMismatch(t *testing.T) {
	registry := engines.NewRegistry()
	registry.Register(engines.NewMockEngine("alpha", "ok", 0.9))
	p := newTestProcessor(t, registry)

	// Two detected regions but only one expected question number.
	page := makeAnswerPage(t, 200, 400, [][2]int{{0, 100}, {300, 400}})

	result, err := p.Process(context.Background(), "job-2", ProcessRequest{
		Pages:     []ocr.PageImage{page},
		Questions: []int{7},
		Engines:   []string{"alpha"},
		Method:    consensus.MethodMajority,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(result.Questions))
	}
	if result.Questions[0].Number != 1 || result.Questions[1].Number != 2 {
		t.Errorf("numbers = %d, %d, want sequential 1, 2",
			result.Questions[0].Number, result.Questions[1].Number)
	}
}

func TestProcessorRejectsEmptyDocument(t *testing.T) {
	registry := engines.NewRegistry()
	registry.Register(engines.NewMockEngine("alpha", "ok", 0.9))
	p := newTestProcessor(t, registry)

	_, err := p.Process(context.Background(), "job-3", ProcessRequest{
		Engines: []string{"alpha"},
		Method:  consensus.MethodMajority,
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}
