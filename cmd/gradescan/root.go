package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/gradescan/internal/api"
	"github.com/jackzampolin/gradescan/internal/home"
	"github.com/jackzampolin/gradescan/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "gradescan",
	Short: "Multi-engine OCR grading pipeline for scanned answer sheets",
	Long: `Gradescan turns scanned answer sheet PDFs into per-question text by
fanning each question image out to several OCR engines and blending
their answers into a consensus.

The pipeline includes:
  - PDF rendering to per-page images
  - Whitespace-based question segmentation
  - Concurrent multi-engine OCR with result caching
  - Consensus blending (majority, weighted, clustering, AI arbiter)`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.gradescan/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "gradescan home directory (default: ~/.gradescan)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}
