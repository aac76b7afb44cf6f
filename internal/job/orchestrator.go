package job

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/gradescan/internal/cache"
	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/ocr"
)

// DefaultMaxParallel bounds concurrent engine calls when unset.
const DefaultMaxParallel = 8

// RunOptions configure one orchestrator run.
type RunOptions struct {
	// Engines is the requested engine list by canonical name.
	Engines []string

	// Method is the consensus method tag.
	Method consensus.Method

	// UseCache enables cache lookups and fills.
	UseCache bool

	// Preprocess holds the normalized preprocessing parameters, part of
	// the cache key.
	Preprocess map[string]any

	// MaxParallel caps concurrent engine calls across all pairs.
	MaxParallel int

	// Deadline is the global per-job time limit; zero means none.
	Deadline time.Duration
}

// Counters accumulate per-run telemetry inputs for the aggregator.
type Counters struct {
	CacheHits   int
	CacheMisses int

	// EngineCalls counts non-cached invocations per engine.
	EngineCalls map[string]int

	// EngineTime sums reported processing time per engine.
	EngineTime map[string]time.Duration

	// Latencies holds the wall latency of every non-cached call.
	Latencies []time.Duration

	// TimedOut is set when the global deadline elapsed.
	TimedOut bool
}

// Orchestrator fans question images out to engines and reduces each
// question through the consensus engine. It never retries a failed pair;
// resubmitting naturally becomes a cache-filling call with the same key.
type Orchestrator struct {
	registry  *engines.Registry
	store     cache.Store
	consensus *consensus.Engine
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*engines.RateLimiter
}

// NewOrchestrator wires the orchestrator. store may be nil to disable
// caching entirely.
func NewOrchestrator(registry *engines.Registry, store cache.Store, ce *consensus.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:  registry,
		store:     store,
		consensus: ce,
		limiters:  make(map[string]*engines.RateLimiter),
		logger:    logger,
	}
}

// Validate rejects unknown engines, an unknown method, and a malformed
// question list before any network call is made.
func (o *Orchestrator) Validate(tasks []QuestionTask, opts RunOptions) error {
	if len(tasks) == 0 {
		return NewConfigurationError("no questions to process")
	}
	if len(opts.Engines) == 0 {
		return NewConfigurationError("no engines requested")
	}

	seen := make(map[string]bool, len(opts.Engines))
	for _, name := range opts.Engines {
		if !o.registry.Has(name) {
			return NewConfigurationError("unknown engine: %q (available: %v)", name, o.registry.List())
		}
		if seen[name] {
			return NewConfigurationError("duplicate engine: %q", name)
		}
		seen[name] = true
	}

	if _, err := consensus.ParseMethod(string(opts.Method)); err != nil {
		return NewConfigurationError("%v", err)
	}

	nums := make(map[int]bool, len(tasks))
	for _, task := range tasks {
		if task.Number <= 0 {
			return NewConfigurationError("question numbers must be positive, got %d", task.Number)
		}
		if nums[task.Number] {
			return NewConfigurationError("duplicate question number: %d", task.Number)
		}
		nums[task.Number] = true
	}
	return nil
}

// pairOutcome is the terminal state of one (question, engine) call.
type pairOutcome struct {
	question int
	engine   string
	result   *ocr.Result
	engErr   *engines.EngineError
	cached   bool
	latency  time.Duration
}

// Run executes all (question, engine) pairs concurrently under the
// parallelism cap, then reduces each question. A failing engine never
// aborts its question; an elapsed deadline returns the partial results
// collected so far with Counters.TimedOut set.
func (o *Orchestrator) Run(ctx context.Context, tasks []QuestionTask, opts RunOptions) ([]QuestionResult, *Counters, error) {
	if err := o.Validate(tasks, opts); err != nil {
		return nil, nil, err
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	totalPairs := len(tasks) * len(opts.Engines)
	outcomes := make(chan pairOutcome, totalPairs)
	sem := make(chan struct{}, maxParallel)

	var wg sync.WaitGroup
	for _, task := range tasks {
		for _, name := range opts.Engines {
			wg.Add(1)
			go func(task QuestionTask, name string) {
				defer wg.Done()
				sem <- struct{}{} // acquire
				defer func() { <-sem }()
				outcomes <- o.runPair(runCtx, task, name, opts)
			}(task, name)
		}
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	counters := &Counters{
		EngineCalls: make(map[string]int),
		EngineTime:  make(map[string]time.Duration),
	}
	byQuestion := make(map[int]*QuestionResult, len(tasks))
	for _, task := range tasks {
		byQuestion[task.Number] = &QuestionResult{
			Number:       task.Number,
			PageIndex:    task.Image.PageIndex,
			SegmentIndex: task.Image.SegmentIndex,
		}
	}

	for outcome := range outcomes {
		qr := byQuestion[outcome.question]
		switch {
		case outcome.engErr != nil:
			qr.Errors = append(qr.Errors, *outcome.engErr)
		case outcome.result != nil:
			qr.Results = append(qr.Results, *outcome.result)
			counters.EngineTime[outcome.engine] += outcome.result.ProcessingTime
		}
		if outcome.cached {
			counters.CacheHits++
		} else if outcome.result != nil || outcome.engErr != nil {
			counters.CacheMisses++
			counters.Latencies = append(counters.Latencies, outcome.latency)
			counters.EngineCalls[outcome.engine]++
		}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		counters.TimedOut = true
	}

	// Buffer and order results before consensus so the reduction is
	// independent of engine completion order.
	order := make(map[string]int, len(opts.Engines))
	for i, name := range opts.Engines {
		order[name] = i
	}

	results := make([]QuestionResult, 0, len(tasks))
	for _, task := range tasks {
		qr := byQuestion[task.Number]
		sort.SliceStable(qr.Results, func(i, j int) bool {
			return order[qr.Results[i].Engine] < order[qr.Results[j].Engine]
		})

		reduced, err := o.consensus.Reduce(ctx, opts.Method, qr.Results, consensus.Config{
			Requested:   len(opts.Engines),
			EngineOrder: opts.Engines,
		}, task.Number)
		if err != nil {
			return nil, nil, err
		}
		qr.Consensus = reduced

		results = append(results, *qr)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Number < results[j].Number })
	return results, counters, nil
}

// runPair resolves one (question, engine) call: cache first, then the
// adapter behind its rate limiter.
func (o *Orchestrator) runPair(ctx context.Context, task QuestionTask, name string, opts RunOptions) pairOutcome {
	outcome := pairOutcome{question: task.Number, engine: name}

	engine, err := o.registry.Get(name)
	if err != nil {
		outcome.engErr = engines.NewEngineError(name, engines.ErrorKindHTTP, "engine unavailable: %v", err)
		return outcome
	}

	key := cache.Key(task.Image.PNG, name, opts.Preprocess)

	if opts.UseCache && o.store != nil {
		if cached, ok, err := o.store.Get(ctx, key); err != nil {
			o.logger.Warn("cache read failed, treating as miss",
				"engine", name,
				"question", task.Number,
				"error", err)
		} else if ok {
			outcome.result = cached
			outcome.cached = true
			return outcome
		}
	}

	if limiter := o.limiterFor(engine); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			outcome.engErr = engines.NewEngineError(name, engines.ErrorKindTimeout, "rate limit wait aborted: %v", err)
			return outcome
		}
	}

	start := time.Now()
	result, err := engine.Recognize(ctx, task.Image.PNG, task.Number)
	outcome.latency = time.Since(start)

	if err != nil {
		if engErr, ok := engines.AsEngineError(err); ok {
			outcome.engErr = engErr
		} else {
			outcome.engErr = engines.NewEngineError(name, engines.ErrorKindHTTP, "%v", err)
		}
		o.logger.Warn("engine call failed",
			"engine", name,
			"question", task.Number,
			"kind", outcome.engErr.Kind,
			"error", outcome.engErr.Message)
		return outcome
	}

	outcome.result = result

	if opts.UseCache && o.store != nil {
		if err := o.store.Put(ctx, key, result); err != nil {
			o.logger.Warn("cache write failed",
				"engine", name,
				"question", task.Number,
				"error", err)
		}
	}
	return outcome
}

// limiterFor returns the shared per-engine rate limiter, creating it on
// first use.
func (o *Orchestrator) limiterFor(engine engines.Engine) *engines.RateLimiter {
	rps := engine.RequestsPerSecond()
	if rps <= 0 {
		return nil
	}

	name := engine.Name()
	o.mu.Lock()
	defer o.mu.Unlock()
	if limiter, ok := o.limiters[name]; ok {
		return limiter
	}
	limiter := engines.NewRateLimiter(rps)
	o.limiters[name] = limiter
	return limiter
}
