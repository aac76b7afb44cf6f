// Package render rasterizes scanned answer PDFs into page images using
// pdftoppm (poppler-utils). Page counting goes through pdfcpu so a
// corrupt document fails fast before any subprocess is spawned.
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// DefaultDPI is the render resolution when none is configured.
const DefaultDPI = 300

// Options configure the renderer.
type Options struct {
	// DPI is the rasterization resolution (default 300).
	DPI int

	// MaxWorkers bounds concurrent pdftoppm processes (default NumCPU).
	MaxWorkers int
}

// Renderer turns PDF documents into ordered PageImages.
type Renderer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a renderer.
func New(opts Options, logger *slog.Logger) *Renderer {
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{opts: opts, logger: logger}
}

// RenderBytes renders an in-memory PDF document.
func (r *Renderer) RenderBytes(ctx context.Context, pdf []byte) ([]ocr.PageImage, error) {
	tmp, err := os.CreateTemp("", "gradescan-doc-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(pdf); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	tmp.Close()

	return r.Render(ctx, tmp.Name())
}

// Render rasterizes every page of the PDF at path.
func (r *Renderer) Render(ctx context.Context, path string) ([]ocr.PageImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	digest := sha256.Sum256(data)
	docDigest := hex.EncodeToString(digest[:])

	pageCount, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	r.logger.Debug("rendering document",
		"path", filepath.Base(path),
		"pages", pageCount,
		"dpi", r.opts.DPI)

	type result struct {
		page ocr.PageImage
		err  error
	}

	results := make(chan result, pageCount)
	sem := make(chan struct{}, r.opts.MaxWorkers)

	for page := 1; page <= pageCount; page++ {
		sem <- struct{}{} // acquire
		go func(pageNum int) {
			defer func() { <-sem }() // release

			img, err := r.renderPage(ctx, path, docDigest, pageNum)
			if err != nil {
				results <- result{err: fmt.Errorf("failed to render page %d: %w", pageNum, err)}
				return
			}
			results <- result{page: *img}
		}(page)
	}

	pages := make([]ocr.PageImage, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		res := <-results
		if res.err != nil {
			return nil, res.err
		}
		pages = append(pages, res.page)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
	return pages, nil
}

// renderPage rasterizes one page via pdftoppm.
func (r *Renderer) renderPage(ctx context.Context, pdfPath, docDigest string, pageNum int) (*ocr.PageImage, error) {
	tmpDir, err := os.MkdirTemp("", "gradescan-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")

	pageStr := fmt.Sprintf("%d", pageNum)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", fmt.Sprintf("%d", r.opts.DPI),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	srcPath := outputPrefix + ".png"
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("rendered page is not valid PNG: %w", err)
	}

	return &ocr.PageImage{
		Index:     pageNum - 1,
		DocDigest: docDigest,
		PNG:       data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		DPI:       r.opts.DPI,
	}, nil
}
