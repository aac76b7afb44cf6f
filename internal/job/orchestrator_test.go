package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackzampolin/gradescan/internal/cache"
	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/ocr"
)

func testTasks(n int) []QuestionTask {
	tasks := make([]QuestionTask, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, QuestionTask{
			Number: i,
			Image: ocr.QuestionImage{
				PageIndex:    0,
				SegmentIndex: i - 1,
				Question:     i,
				PNG:          []byte{0x89, 'P', 'N', 'G', byte(i)},
			},
		})
	}
	return tasks
}

func testOrchestrator(t *testing.T, store cache.Store, mocks ...*engines.MockEngine) (*Orchestrator, *engines.Registry) {
	t.Helper()
	registry := engines.NewRegistry()
	for _, m := range mocks {
		registry.Register(m)
	}
	ce := consensus.New(consensus.DefaultConfig(), nil, nil)
	return NewOrchestrator(registry, store, ce, nil), registry
}

func TestOrchestratorMajorityScenario(t *testing.T) {
	a := engines.NewMockEngine("surya", "42", 0.9)
	b := engines.NewMockEngine("paddleocr", "42", 0.8)
	c := engines.NewMockEngine("pix2text", "41", 0.95)
	orch, _ := testOrchestrator(t, cache.NewMemory(), a, b, c)

	results, counters, err := orch.Run(context.Background(), testTasks(2), RunOptions{
		Engines:  []string{"surya", "paddleocr", "pix2text"},
		Method:   consensus.MethodMajority,
		UseCache: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("questions = %d, want 2", len(results))
	}
	for _, q := range results {
		if len(q.Results) != 3 {
			t.Errorf("question %d results = %d, want 3", q.Number, len(q.Results))
		}
		// Results buffered and ordered by requested engine order.
		for i, want := range []string{"surya", "paddleocr", "pix2text"} {
			if q.Results[i].Engine != want {
				t.Errorf("question %d result %d engine = %q, want %q", q.Number, i, q.Results[i].Engine, want)
			}
		}
		if q.Consensus == nil {
			t.Fatalf("question %d missing consensus", q.Number)
		}
		if q.Consensus.FinalText != "42" {
			t.Errorf("question %d final = %q, want %q", q.Number, q.Consensus.FinalText, "42")
		}
		if q.Consensus.NeedsReview {
			t.Errorf("question %d should not need review", q.Number)
		}
	}

	if counters.CacheMisses != 6 || counters.CacheHits != 0 {
		t.Errorf("hits/misses = %d/%d, want 0/6", counters.CacheHits, counters.CacheMisses)
	}
}

func TestOrchestratorCacheIdempotence(t *testing.T) {
	a := engines.NewMockEngine("surya", "42", 0.9)
	b := engines.NewMockEngine("paddleocr", "41", 0.8)
	orch, _ := testOrchestrator(t, cache.NewMemory(), a, b)

	opts := RunOptions{
		Engines:  []string{"surya", "paddleocr"},
		Method:   consensus.MethodWeighted,
		UseCache: true,
	}
	tasks := testTasks(3)

	first, _, err := orch.Run(context.Background(), tasks, opts)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	callsAfterFirst := a.Calls() + b.Calls()

	second, counters, err := orch.Run(context.Background(), tasks, opts)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if got := a.Calls() + b.Calls(); got != callsAfterFirst {
		t.Errorf("second run made %d new adapter calls, want 0", got-callsAfterFirst)
	}
	if counters.CacheHits != 6 || counters.CacheMisses != 0 {
		t.Errorf("hits/misses = %d/%d, want 6/0", counters.CacheHits, counters.CacheMisses)
	}

	for i := range first {
		if first[i].Consensus.FinalText != second[i].Consensus.FinalText {
			t.Errorf("question %d not idempotent: %q vs %q",
				first[i].Number, first[i].Consensus.FinalText, second[i].Consensus.FinalText)
		}
	}
}

func TestOrchestratorIsolatesEngineFailure(t *testing.T) {
	a := engines.NewMockEngine("surya", "42", 0.9)
	b := engines.NewMockEngine("paddleocr", "42", 0.8)
	broken := engines.NewMockEngine("pix2text", "", 0)
	broken.Err = engines.NewEngineError("pix2text", engines.ErrorKindHTTP, "status 500")
	orch, _ := testOrchestrator(t, cache.NewMemory(), a, b, broken)

	results, _, err := orch.Run(context.Background(), testTasks(1), RunOptions{
		Engines: []string{"surya", "paddleocr", "pix2text"},
		Method:  consensus.MethodMajority,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	q := results[0]
	if len(q.Results) != 2 {
		t.Errorf("results = %d, want 2 (failed engine excluded)", len(q.Results))
	}
	if len(q.Errors) != 1 || q.Errors[0].Kind != engines.ErrorKindHTTP {
		t.Errorf("errors = %+v, want one HTTP error", q.Errors)
	}
	if q.Consensus == nil || q.Consensus.FinalText != "42" {
		t.Fatalf("consensus should still resolve: %+v", q.Consensus)
	}
	if !q.Consensus.NeedsReview {
		t.Error("partial contribution (2 of 3) must flag review")
	}
}

func TestOrchestratorAllEnginesFail(t *testing.T) {
	broken := engines.NewMockEngine("surya", "", 0)
	broken.Err = engines.NewEngineError("surya", engines.ErrorKindMalformed, "bad payload")
	orch, _ := testOrchestrator(t, cache.NewMemory(), broken)

	results, _, err := orch.Run(context.Background(), testTasks(1), RunOptions{
		Engines: []string{"surya"},
		Method:  consensus.MethodMajority,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	q := results[0]
	if q.Consensus == nil {
		t.Fatal("all-failed question must still produce a consensus result")
	}
	if q.Consensus.FinalText != "" || q.Consensus.Confidence != 0 || !q.Consensus.NeedsReview {
		t.Errorf("want empty reviewable consensus, got %+v", q.Consensus)
	}
}

func TestOrchestratorDeadlineReturnsPartial(t *testing.T) {
	fast1 := engines.NewMockEngine("surya", "42", 0.9)
	fast2 := engines.NewMockEngine("paddleocr", "41", 0.8)
	slow := engines.NewMockEngine("pix2text", "43", 0.7)
	slow.Delay = 5 * time.Second
	orch, registry := testOrchestrator(t, cache.NewMemory(), fast1, fast2, slow)

	start := time.Now()
	results, counters, err := orch.Run(context.Background(), testTasks(1), RunOptions{
		Engines:  []string{"surya", "paddleocr", "pix2text"},
		Method:   consensus.MethodMajority,
		Deadline: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline not enforced, run took %v", elapsed)
	}

	q := results[0]
	if len(q.Results) != 2 {
		t.Errorf("results = %d, want the 2 fast engines", len(q.Results))
	}
	if len(q.Errors) != 1 || q.Errors[0].Kind != engines.ErrorKindTimeout {
		t.Errorf("errors = %+v, want one timeout", q.Errors)
	}
	if q.Consensus == nil {
		t.Fatal("partial question must still reach consensus")
	}
	if !q.Consensus.NeedsReview {
		t.Error("partial contribution must flag review")
	}
	if !counters.TimedOut {
		t.Error("counters must record the elapsed deadline")
	}

	agg := Aggregate(NewJobID(), registry, results, counters, time.Since(start), start)
	if agg.Status != StatusFailed {
		t.Errorf("status = %q, want failed on timeout", agg.Status)
	}
	if agg.Error == "" {
		t.Error("failed job must carry an error description")
	}
	if len(agg.Questions) != 1 {
		t.Error("partial results must be preserved")
	}
}

func TestOrchestratorValidation(t *testing.T) {
	a := engines.NewMockEngine("surya", "42", 0.9)
	orch, _ := testOrchestrator(t, cache.NewMemory(), a)

	cases := []struct {
		name  string
		tasks []QuestionTask
		opts  RunOptions
	}{
		{"unknown engine", testTasks(1), RunOptions{Engines: []string{"nope"}, Method: consensus.MethodMajority}},
		{"duplicate engine", testTasks(1), RunOptions{Engines: []string{"surya", "surya"}, Method: consensus.MethodMajority}},
		{"unknown method", testTasks(1), RunOptions{Engines: []string{"surya"}, Method: "vote"}},
		{"no engines", testTasks(1), RunOptions{Method: consensus.MethodMajority}},
		{"no questions", nil, RunOptions{Engines: []string{"surya"}, Method: consensus.MethodMajority}},
		{
			"bad question number",
			[]QuestionTask{{Number: 0}},
			RunOptions{Engines: []string{"surya"}, Method: consensus.MethodMajority},
		},
		{
			"duplicate question number",
			[]QuestionTask{{Number: 1}, {Number: 1}},
			RunOptions{Engines: []string{"surya"}, Method: consensus.MethodMajority},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := orch.Run(context.Background(), tc.tasks, tc.opts)
			if err == nil {
				t.Fatal("expected configuration error")
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("error type = %T, want *ConfigurationError", err)
			}
			if a.Calls() != 0 {
				t.Error("configuration errors must be rejected before any engine call")
			}
		})
	}
}
