package consensus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EngineOrder = []string{"surya", "paddleocr", "pix2text"}
	cfg.Requested = 3
	return cfg
}

func res(engine, text string, confidence float64) ocr.Result {
	return ocr.Result{Engine: engine, Text: text, Confidence: confidence}
}

func TestParseMethod(t *testing.T) {
	for _, m := range Methods() {
		if _, err := ParseMethod(string(m)); err != nil {
			t.Errorf("ParseMethod(%q) failed: %v", m, err)
		}
	}
	if _, err := ParseMethod("MAJORITY"); err != nil {
		t.Errorf("ParseMethod should be case-insensitive: %v", err)
	}
	if _, err := ParseMethod("plurality"); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  The Answer  is   42 ", "the answer is 42"},
		{"42\n", "42"},
		{"", ""},
		{"\t \n", ""},
	}
	for _, tc := range cases {
		if got := normalize(tc.in); got != tc.want {
			t.Errorf("normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMajorityBasic(t *testing.T) {
	results := []ocr.Result{
		res("surya", "42", 0.9),
		res("paddleocr", "42", 0.8),
		res("pix2text", "41", 0.95),
	}

	got := Majority(results, testConfig())

	if got.FinalText != "42" {
		t.Errorf("FinalText = %q, want %q", got.FinalText, "42")
	}
	if diff := got.AgreementRatio - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AgreementRatio = %v, want 2/3", got.AgreementRatio)
	}
	if diff := got.Confidence - 0.85; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want 0.85", got.Confidence)
	}
	if got.NeedsReview {
		t.Error("2/3 agreement should not need review")
	}
}

func TestMajorityAllDisagree(t *testing.T) {
	results := []ocr.Result{
		res("surya", "41", 0.7),
		res("paddleocr", "42", 0.95),
		res("pix2text", "43", 0.8),
	}

	got := Majority(results, testConfig())

	if got.FinalText != "42" {
		t.Errorf("FinalText = %q, want highest-confidence %q", got.FinalText, "42")
	}
	if !got.NeedsReview {
		t.Error("all-disagree should force review")
	}
	if diff := got.AgreementRatio - 1.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AgreementRatio = %v, want 1/3", got.AgreementRatio)
	}
}

func TestMajorityTieBreaks(t *testing.T) {
	t.Run("higher average confidence wins", func(t *testing.T) {
		results := []ocr.Result{
			res("surya", "41", 0.6),
			res("paddleocr", "41", 0.6),
			res("pix2text", "42", 0.9),
			res("tesseract", "42", 0.9),
		}
		cfg := testConfig()
		cfg.Requested = 4

		got := Majority(results, cfg)
		if got.FinalText != "42" {
			t.Errorf("FinalText = %q, want %q", got.FinalText, "42")
		}
	})

	t.Run("requested order breaks full ties", func(t *testing.T) {
		results := []ocr.Result{
			res("paddleocr", "41", 0.8),
			res("surya", "42", 0.8),
		}
		cfg := testConfig()
		cfg.Requested = 2

		got := Majority(results, cfg)
		if got.FinalText != "42" {
			t.Errorf("FinalText = %q, want earlier-ordered engine's %q", got.FinalText, "42")
		}
	})
}

func TestMajorityNormalizesForComparison(t *testing.T) {
	results := []ocr.Result{
		res("surya", "The answer is 42", 0.8),
		res("paddleocr", "  the  answer is 42 ", 0.9),
		res("pix2text", "41", 0.7),
	}

	got := Majority(results, testConfig())

	if got.AgreementRatio < 0.6 {
		t.Errorf("case/whitespace variants should group: ratio = %v", got.AgreementRatio)
	}
	// Original casing of the most confident member is preserved.
	if got.FinalText != "  the  answer is 42 " {
		t.Errorf("FinalText = %q, want highest-confidence member verbatim", got.FinalText)
	}
}

func TestWeightedConfidenceShare(t *testing.T) {
	results := []ocr.Result{
		res("surya", "42", 0.9),
		res("paddleocr", "41", 0.9),
	}
	cfg := testConfig()
	cfg.Requested = 2
	cfg.Weights = map[string]float64{"surya": 3.0}

	got := Weighted(results, cfg)

	if got.FinalText != "42" {
		t.Errorf("FinalText = %q, want weighted winner %q", got.FinalText, "42")
	}
	want := (3.0 * 0.9) / (3.0*0.9 + 0.9)
	if diff := got.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want %v", got.Confidence, want)
	}
}

func TestWeightedMonotonicity(t *testing.T) {
	base := []ocr.Result{
		res("surya", "42", 0.8),
		res("paddleocr", "41", 0.6),
	}
	cfg := testConfig()
	cfg.Requested = 2

	before := Weighted(base, cfg)

	more := append(append([]ocr.Result{}, base...), res("pix2text", "42", 0.95))
	cfg.Requested = 3
	after := Weighted(more, cfg)

	if after.FinalText != "42" || before.FinalText != "42" {
		t.Fatalf("winner changed: before=%q after=%q", before.FinalText, after.FinalText)
	}
	if after.Confidence <= before.Confidence {
		t.Errorf("agreeing high-confidence result should raise confidence: before=%v after=%v",
			before.Confidence, after.Confidence)
	}
}

func TestClusteringPoolsNearMatches(t *testing.T) {
	// "x = 4Z" is one character off "x = 42"; a verbatim grouping would
	// split three ways but clustering pools the two variants.
	results := []ocr.Result{
		res("surya", "x = 42", 0.85),
		res("paddleocr", "x = 4Z", 0.7),
		res("pix2text", "y = 17", 0.9),
	}

	got := Clustering(results, testConfig())

	if got.FinalText != "x = 42" {
		t.Errorf("FinalText = %q, want cluster representative %q", got.FinalText, "x = 42")
	}
	if got.AgreementRatio <= 0.5 {
		t.Errorf("pooled cluster should carry the majority of mass: ratio = %v", got.AgreementRatio)
	}
}

func TestClusteringThresholdExcludesDistantText(t *testing.T) {
	results := []ocr.Result{
		res("surya", "42", 0.5),
		res("paddleocr", "one hundred", 0.9),
	}
	cfg := testConfig()
	cfg.Requested = 2

	got := Clustering(results, cfg)

	// Distant strings stay in separate clusters; the heavier one wins.
	if got.FinalText != "one hundred" {
		t.Errorf("FinalText = %q, want %q", got.FinalText, "one hundred")
	}
}

func TestEditRatio(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"", "", 0},
		{"42", "42", 0},
		{"42", "4z", 0.5},
		{"x = 42", "x = 4z", 1.0 / 6.0},
	}
	for _, tc := range cases {
		if got := editRatio(tc.a, tc.b); got != tc.want {
			t.Errorf("editRatio(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSingletonAllMethods(t *testing.T) {
	single := []ocr.Result{res("surya", "E = mc^2", 0.77)}
	eng := New(testConfig(), nil, nil)

	for _, m := range []Method{MethodMajority, MethodWeighted, MethodClustering} {
		t.Run(string(m), func(t *testing.T) {
			cfg := Config{Requested: 1}
			got, err := eng.Reduce(context.Background(), m, single, cfg, 1)
			if err != nil {
				t.Fatalf("Reduce failed: %v", err)
			}
			if got.FinalText != "E = mc^2" {
				t.Errorf("FinalText = %q, want input verbatim", got.FinalText)
			}
			if got.AgreementRatio != 1.0 {
				t.Errorf("AgreementRatio = %v, want 1.0", got.AgreementRatio)
			}
			if got.NeedsReview {
				t.Error("singleton matching requested count should not need review")
			}
		})
	}
}

func TestPartialContributionForcesReview(t *testing.T) {
	results := []ocr.Result{
		res("surya", "42", 0.9),
		res("paddleocr", "42", 0.9),
	}
	got := Majority(results, testConfig()) // Requested = 3

	if !got.NeedsReview {
		t.Error("fewer contributors than requested should force review")
	}
	if got.AgreementRatio != 1.0 {
		t.Errorf("AgreementRatio = %v, want 1.0 among contributors", got.AgreementRatio)
	}
}

func TestReduceEmptyInput(t *testing.T) {
	eng := New(testConfig(), nil, nil)

	got, err := eng.Reduce(context.Background(), MethodMajority, nil, Config{}, 1)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if got.FinalText != "" || got.Confidence != 0 {
		t.Errorf("empty input should yield empty result, got %+v", got)
	}
	if !got.NeedsReview {
		t.Error("empty input must need review")
	}
}

func TestReduceUnknownMethod(t *testing.T) {
	eng := New(testConfig(), nil, nil)
	if _, err := eng.Reduce(context.Background(), Method("vote"), nil, Config{}, 1); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestReduceDeterministic(t *testing.T) {
	results := []ocr.Result{
		res("surya", "41", 0.8),
		res("paddleocr", "42", 0.8),
		res("pix2text", "43", 0.8),
	}
	eng := New(testConfig(), nil, nil)

	for _, m := range []Method{MethodMajority, MethodWeighted, MethodClustering} {
		first, err := eng.Reduce(context.Background(), m, results, Config{Requested: 3}, 1)
		if err != nil {
			t.Fatalf("Reduce failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			again, err := eng.Reduce(context.Background(), m, results, Config{Requested: 3}, 1)
			if err != nil {
				t.Fatalf("Reduce failed: %v", err)
			}
			if again.FinalText != first.FinalText || again.Confidence != first.Confidence {
				t.Fatalf("%s not deterministic: %+v vs %+v", m, first, again)
			}
		}
	}
}

// stubAdjudicator scripts Adjudicate for engine-level tests.
type stubAdjudicator struct {
	adj *Adjudication
	err error
}

func (s *stubAdjudicator) Adjudicate(ctx context.Context, candidates []ocr.Result, questionNum int) (*Adjudication, error) {
	return s.adj, s.err
}

func TestArbiterSuccess(t *testing.T) {
	mathOK := true
	stub := &stubAdjudicator{adj: &Adjudication{
		CorrectedText: "42",
		Confidence:    0.93,
		MathValid:     &mathOK,
	}}
	eng := New(testConfig(), stub, nil)

	results := []ocr.Result{
		res("surya", "42", 0.9),
		res("paddleocr", "42", 0.8),
		res("pix2text", "4Z", 0.6),
	}

	got, err := eng.Reduce(context.Background(), MethodAIArbiter, results, Config{Requested: 3}, 7)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if got.Method != MethodAIArbiter {
		t.Errorf("Method = %q, want ai_arbiter", got.Method)
	}
	if got.FinalText != "42" || got.Confidence != 0.93 {
		t.Errorf("unexpected verdict: %+v", got)
	}
	if got.AIValidation == nil {
		t.Fatal("AIValidation missing")
	}
	if diff := got.AgreementRatio - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AgreementRatio = %v, want 2/3", got.AgreementRatio)
	}
	if got.NeedsReview {
		t.Error("confident valid verdict should not need review")
	}
}

func TestArbiterMathInvalidForcesReview(t *testing.T) {
	mathBad := false
	stub := &stubAdjudicator{adj: &Adjudication{
		CorrectedText: "x = 7",
		Confidence:    0.95,
		MathValid:     &mathBad,
	}}
	eng := New(testConfig(), stub, nil)

	got, err := eng.Reduce(context.Background(), MethodAIArbiter,
		[]ocr.Result{res("surya", "x = 7", 0.9)}, Config{Requested: 1}, 1)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if !got.NeedsReview {
		t.Error("math_valid=false must force review")
	}
}

func TestArbiterFallsBackToWeighted(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		stub := &stubAdjudicator{err: errors.New("connection refused")}
		eng := New(testConfig(), stub, nil)

		results := []ocr.Result{
			res("surya", "42", 0.9),
			res("paddleocr", "42", 0.8),
		}
		got, err := eng.Reduce(context.Background(), MethodAIArbiter, results, Config{Requested: 2}, 1)
		if err != nil {
			t.Fatalf("Reduce failed: %v", err)
		}
		if got.Method != MethodWeighted {
			t.Errorf("Method = %q, want weighted fallback", got.Method)
		}
		if got.FinalText != "42" {
			t.Errorf("FinalText = %q, want %q", got.FinalText, "42")
		}
		if !got.NeedsReview {
			t.Error("fallback must flag review")
		}
	})

	t.Run("not configured", func(t *testing.T) {
		eng := New(testConfig(), nil, nil)
		got, err := eng.Reduce(context.Background(), MethodAIArbiter,
			[]ocr.Result{res("surya", "42", 0.9)}, Config{Requested: 1}, 1)
		if err != nil {
			t.Fatalf("Reduce failed: %v", err)
		}
		if got.Method != MethodWeighted || !got.NeedsReview {
			t.Errorf("want weighted fallback with review, got %+v", got)
		}
	})
}

func TestOpenAIArbiterRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {
					"role": "assistant",
					"content": "{\"corrected_text\": \"x = 42\", \"confidence\": 0.91, \"math_valid\": true}"
				}
			}]
		}`)
	}))
	defer server.Close()

	arb, err := NewOpenAIArbiter(OpenAIArbiterConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewOpenAIArbiter failed: %v", err)
	}

	adj, err := arb.Adjudicate(context.Background(), []ocr.Result{
		res("surya", "x = 42", 0.8),
		res("pix2text", "x = 4Z", 0.6),
	}, 3)
	if err != nil {
		t.Fatalf("Adjudicate failed: %v", err)
	}
	if adj.CorrectedText != "x = 42" || adj.Confidence != 0.91 {
		t.Errorf("unexpected adjudication: %+v", adj)
	}
	if adj.MathValid == nil || !*adj.MathValid {
		t.Error("math_valid should be true")
	}
}

func TestParseAdjudicationJSON(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", `{"corrected_text": "42", "confidence": 0.9}`, false},
		{"fenced", "```json\n{\"corrected_text\": \"42\", \"confidence\": 0.9}\n```", false},
		{"surrounded", "Here you go: {\"corrected_text\": \"42\", \"confidence\": 0.9} done.", false},
		{"empty", "", true},
		{"garbage", "no json here", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseAdjudicationJSON(tc.in)
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
