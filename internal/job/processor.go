package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/ocr"
	"github.com/jackzampolin/gradescan/internal/render"
	"github.com/jackzampolin/gradescan/internal/segment"
)

// ProcessRequest describes one document submission.
type ProcessRequest struct {
	// PDF holds the document bytes; PDFPath is used when PDF is empty.
	PDF     []byte
	PDFPath string

	// Pages short-circuits rendering when the caller already has page
	// images.
	Pages []ocr.PageImage

	// Questions lists the expected question numbers in page order. When
	// empty, detected segments are numbered 1..N.
	Questions []int

	// Engines, Method, UseCache and Deadline flow to the orchestrator.
	Engines     []string
	Method      consensus.Method
	UseCache    bool
	Deadline    time.Duration
	MaxParallel int
}

// Processor runs the full pipeline for one document: render, segment,
// orchestrate, aggregate.
type Processor struct {
	renderer  *render.Renderer
	segmenter *segment.Segmenter
	orch      *Orchestrator
	registry  *engines.Registry
	logger    *slog.Logger
}

// NewProcessor wires the pipeline.
func NewProcessor(renderer *render.Renderer, segmenter *segment.Segmenter, orch *Orchestrator, registry *engines.Registry, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		renderer:  renderer,
		segmenter: segmenter,
		orch:      orch,
		registry:  registry,
		logger:    logger,
	}
}

// Validate rejects configuration problems before any rendering or
// engine work happens.
func (p *Processor) Validate(req ProcessRequest) error {
	if len(req.PDF) == 0 && req.PDFPath == "" && len(req.Pages) == 0 {
		return NewConfigurationError("no document provided")
	}
	if len(req.Engines) == 0 {
		return NewConfigurationError("no engines requested")
	}
	for _, name := range req.Engines {
		if !p.registry.Has(name) {
			return NewConfigurationError("unknown engine: %q (available: %v)", name, p.registry.List())
		}
	}
	if _, err := consensus.ParseMethod(string(req.Method)); err != nil {
		return NewConfigurationError("%v", err)
	}
	seen := make(map[int]bool, len(req.Questions))
	for _, n := range req.Questions {
		if n <= 0 {
			return NewConfigurationError("question numbers must be positive, got %d", n)
		}
		if seen[n] {
			return NewConfigurationError("duplicate question number: %d", n)
		}
		seen[n] = true
	}
	return nil
}

// Process runs one job end to end. Pipeline failures before orchestration
// (unreadable PDF, undecodable page) return an error; per-engine failures
// and deadline expiry are folded into the JobResult instead.
func (p *Processor) Process(ctx context.Context, id string, req ProcessRequest) (*JobResult, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	start := time.Now().UTC()

	pages := req.Pages
	if len(pages) == 0 {
		var err error
		if len(req.PDF) > 0 {
			pages, err = p.renderer.RenderBytes(ctx, req.PDF)
		} else {
			pages, err = p.renderer.Render(ctx, req.PDFPath)
		}
		if err != nil {
			return nil, fmt.Errorf("rendering failed: %w", err)
		}
	}

	// Only a single-page document lets the expected question count drive
	// per-page gap detection.
	expectedPerPage := 0
	if len(pages) == 1 {
		expectedPerPage = len(req.Questions)
	}

	var images []ocr.QuestionImage
	for _, page := range pages {
		segments, err := p.segmenter.Segment(page, expectedPerPage)
		if err != nil {
			return nil, fmt.Errorf("segmentation failed: %w", err)
		}
		images = append(images, segments...)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no question regions detected")
	}

	tasks := p.numberTasks(images, req.Questions)

	questions, counters, err := p.orch.Run(ctx, tasks, RunOptions{
		Engines:     req.Engines,
		Method:      req.Method,
		UseCache:    req.UseCache,
		MaxParallel: req.MaxParallel,
		Deadline:    req.Deadline,
	})
	if err != nil {
		return nil, err
	}

	return Aggregate(id, p.registry, questions, counters, time.Since(start), start), nil
}

// numberTasks assigns question numbers to segments in page order. A
// mismatched explicit list falls back to sequential numbering.
func (p *Processor) numberTasks(images []ocr.QuestionImage, questions []int) []QuestionTask {
	if len(questions) != len(images) {
		if len(questions) > 0 {
			p.logger.Warn("question list does not match detected segments, numbering sequentially",
				"questions", len(questions),
				"segments", len(images))
		}
		questions = make([]int, len(images))
		for i := range questions {
			questions[i] = i + 1
		}
	}

	tasks := make([]QuestionTask, len(images))
	for i, img := range images {
		img.Question = questions[i]
		tasks[i] = QuestionTask{Number: questions[i], Image: img}
	}
	return tasks
}
