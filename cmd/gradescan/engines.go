package main

import (
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/gradescan/internal/api"
	"github.com/jackzampolin/gradescan/internal/config"
	"github.com/jackzampolin/gradescan/internal/engines"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List configured OCR engines and probe their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		registry := engines.NewRegistryFromConfig(cm.Get().ToEngineConfigs(), logger)

		health := registry.Health(ctx)

		type row struct {
			Name    string `json:"name" yaml:"name"`
			Math    bool   `json:"math" yaml:"math"`
			Healthy bool   `json:"healthy" yaml:"healthy"`
		}
		rows := make([]row, 0, len(health))
		for name, engine := range registry.Engines() {
			rows = append(rows, row{Name: name, Math: engine.Math(), Healthy: health[name]})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

		return api.Output(rows)
	},
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}
