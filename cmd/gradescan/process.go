package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/gradescan/internal/api"
	"github.com/jackzampolin/gradescan/internal/cache"
	"github.com/jackzampolin/gradescan/internal/config"
	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/home"
	"github.com/jackzampolin/gradescan/internal/job"
	"github.com/jackzampolin/gradescan/internal/render"
	"github.com/jackzampolin/gradescan/internal/segment"
)

var (
	processEngines  []string
	processMethod   string
	processQs       []int
	processNoCache  bool
	processDeadline time.Duration
	processParallel int
)

var processCmd = &cobra.Command{
	Use:   "process <pdf>",
	Short: "Process a scanned answer sheet PDF",
	Long: `Process a scanned answer sheet PDF through the full pipeline without
a running server: render pages, segment questions, run the configured
OCR engines and blend their answers into a consensus.

The engines must already be reachable (see 'gradescan stack start').

Examples:
  gradescan process exam.pdf
  gradescan process exam.pdf --engines surya,paddleocr --method weighted
  gradescan process exam.pdf --questions 1,2,3 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))

		h, err := getHome()
		if err != nil {
			return err
		}

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		appCfg := cm.Get()

		registry := engines.NewRegistryFromConfig(appCfg.ToEngineConfigs(), logger)

		store, err := openStore(appCfg, h)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		var arbiter consensus.Adjudicator
		if appCfg.Arbiter.Enabled {
			arbiter, err = consensus.NewOpenAIArbiter(consensus.OpenAIArbiterConfig{
				APIKey:  config.ResolveEnvVars(appCfg.Arbiter.APIKey),
				Model:   appCfg.Arbiter.Model,
				BaseURL: appCfg.Arbiter.BaseURL,
			})
			if err != nil {
				return fmt.Errorf("failed to create arbiter: %w", err)
			}
		}

		ce := consensus.New(appCfg.ToConsensusConfig(), arbiter, logger)
		orch := job.NewOrchestrator(registry, store, ce, logger)
		renderer := render.New(render.Options{
			DPI:        appCfg.Render.DPI,
			MaxWorkers: appCfg.Render.MaxWorkers,
		}, logger)
		segmenter := segment.New(appCfg.ToSegmentOptions(), logger)
		processor := job.NewProcessor(renderer, segmenter, orch, registry, logger)

		req := job.ProcessRequest{
			PDFPath:     args[0],
			Questions:   processQs,
			Engines:     processEngines,
			Method:      consensus.Method(processMethod),
			UseCache:    !processNoCache,
			Deadline:    processDeadline,
			MaxParallel: processParallel,
		}
		if len(req.Engines) == 0 {
			req.Engines = appCfg.Defaults.Engines
		}
		if req.Method == "" {
			req.Method = consensus.Method(appCfg.Defaults.Method)
		}
		if req.MaxParallel == 0 {
			req.MaxParallel = appCfg.Defaults.MaxParallel
		}
		if req.Deadline == 0 {
			req.Deadline = time.Duration(appCfg.Defaults.JobTimeoutSeconds) * time.Second
		}

		result, err := processor.Process(ctx, job.NewJobID(), req)
		if err != nil {
			return err
		}

		return api.Output(result)
	},
}

// openStore builds the configured cache store for one-shot processing.
func openStore(cfg *config.Config, h *home.Dir) (cache.Store, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case "", "sqlite":
		path := cfg.Cache.Path
		if path == "" {
			path = h.CacheDBPath(cache.DefaultDBName)
		}
		return cache.OpenSQLite(path)
	case "memory":
		return cache.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Cache.Backend)
	}
}

func init() {
	processCmd.Flags().StringSliceVar(&processEngines, "engines", nil, "Engines to run (default from config)")
	processCmd.Flags().StringVar(&processMethod, "method", "", "Consensus method: majority, weighted, clustering or ai_arbiter")
	processCmd.Flags().IntSliceVar(&processQs, "questions", nil, "Expected question numbers in page order")
	processCmd.Flags().BoolVar(&processNoCache, "no-cache", false, "Skip the OCR result cache")
	processCmd.Flags().DurationVar(&processDeadline, "deadline", 0, "Overall job deadline (default from config)")
	processCmd.Flags().IntVar(&processParallel, "max-parallel", 0, "Maximum concurrent engine calls")

	rootCmd.AddCommand(processCmd)
}
