package segment

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// makePage renders a synthetic white page with black horizontal strips at
// the given [top, bottom) row ranges.
func makePage(t *testing.T, width, height int, inkBands [][2]int) ocr.PageImage {
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

func decodeHeight(t *testing.T, data []byte) int {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode segment: %v", err)
	}
	return img.Bounds().Dy()
}

func TestSegmentTwoQuestionsAcrossCentralGap(t *testing.T) {
	// Ink in the top and bottom quarters, a 50%-height gap between.
	page := makePage(t, 200, 400, [][2]int{{0, 100}, {300, 400}})

	seg := New(Options{}, nil) // Margin 0: bands tile the page exactly
	got, err := seg.Segment(page, 2)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("segments = %d, want 2", len(got))
	}

	sum := 0
	for i, q := range got {
		if q.SegmentIndex != i {
			t.Errorf("segment %d has index %d", i, q.SegmentIndex)
		}
		if q.Bounds.H <= 0 || q.Bounds.W != 200 {
			t.Errorf("segment %d bad bounds: %+v", i, q.Bounds)
		}
		if h := decodeHeight(t, q.PNG); h != q.Bounds.H {
			t.Errorf("segment %d crop height %d != bounds height %d", i, h, q.Bounds.H)
		}
		sum += q.Bounds.H
	}
	if sum != 400 {
		t.Errorf("segment heights sum to %d, want page height 400", sum)
	}
	if got[0].Bounds.Y >= got[1].Bounds.Y {
		t.Error("segments out of top-to-bottom order")
	}
}

func TestSegmentMarginClampedToPage(t *testing.T) {
	page := makePage(t, 100, 400, [][2]int{{0, 100}, {300, 400}})

	seg := New(Options{Margin: 20}, nil)
	got, err := seg.Segment(page, 2)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("segments = %d, want 2", len(got))
	}

	for i, q := range got {
		if q.Bounds.Y < 0 || q.Bounds.Y+q.Bounds.H > 400 {
			t.Errorf("segment %d escapes page bounds: %+v", i, q.Bounds)
		}
		if q.Bounds.H <= 0 {
			t.Errorf("segment %d has non-positive height", i)
		}
	}

	// Padding grows the second segment upward into the gap.
	if got[1].Bounds.Y >= 200 {
		t.Errorf("margin not applied: segment 1 top = %d", got[1].Bounds.Y)
	}
}

func TestSegmentIgnoresShortGaps(t *testing.T) {
	// The 10-row gap is below MinWhitespaceHeight and must not split.
	page := makePage(t, 100, 300, [][2]int{{50, 140}, {150, 250}})

	seg := New(Options{MinWhitespaceHeight: 18}, nil)
	got, err := seg.Segment(page, 0)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("segments = %d, want 1 (gap below separator minimum)", len(got))
	}
}

func TestSegmentThreeQuestions(t *testing.T) {
	page := makePage(t, 150, 600, [][2]int{{0, 150}, {200, 350}, {420, 600}})

	seg := New(Options{}, nil)
	got, err := seg.Segment(page, 3)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("segments = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Bounds.Y <= got[i-1].Bounds.Y {
			t.Errorf("segments out of order at %d", i)
		}
	}
}

func TestSegmentEvenSplitFallback(t *testing.T) {
	// Continuous ink: gap detection finds one band but three questions
	// are expected.
	page := makePage(t, 100, 300, [][2]int{{0, 300}})

	seg := New(Options{EvenSplitFallback: true}, nil)
	got, err := seg.Segment(page, 3)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("segments = %d, want 3 via even split", len(got))
	}
	for i, q := range got {
		if q.Bounds.H != 100 {
			t.Errorf("segment %d height = %d, want 100", i, q.Bounds.H)
		}
		if q.Score >= 1.0 {
			t.Errorf("even-split segment %d should carry a reduced score", i)
		}
	}
}

func TestSegmentBlankPage(t *testing.T) {
	page := makePage(t, 100, 200, nil)

	t.Run("degenerate single segment", func(t *testing.T) {
		seg := New(Options{}, nil)
		got, err := seg.Segment(page, 2)
		if err != nil {
			t.Fatalf("Segment failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("segments = %d, want 1 degenerate", len(got))
		}
		if got[0].Score != 0 {
			t.Errorf("degenerate segment score = %v, want 0", got[0].Score)
		}
	})

	t.Run("fallback splits evenly", func(t *testing.T) {
		seg := New(Options{EvenSplitFallback: true}, nil)
		got, err := seg.Segment(page, 2)
		if err != nil {
			t.Fatalf("Segment failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("segments = %d, want 2 via fallback", len(got))
		}
	})
}

func TestSegmentRejectsBadImage(t *testing.T) {
	seg := New(Options{}, nil)
	_, err := seg.Segment(ocr.PageImage{Index: 3, PNG: []byte("not a png")}, 1)
	if err == nil {
		t.Error("expected decode error")
	}
}

func TestMergeShort(t *testing.T) {
	got := mergeShort([]band{{0, 10}, {10, 200}, {200, 205}}, 40)
	if len(got) != 1 {
		t.Fatalf("bands = %d, want 1 after merging", len(got))
	}
	if got[0].top != 0 || got[0].bottom != 205 {
		t.Errorf("merged band = %+v, want {0 205}", got[0])
	}
}
