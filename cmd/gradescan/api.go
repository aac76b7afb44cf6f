package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/gradescan/internal/api"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running gradescan server via HTTP.

These commands require a running server (gradescan serve).
Use --server to specify a custom server URL.

Examples:
  gradescan api health              # Check server health
  gradescan api engines             # List engines with health probes
  gradescan api jobs list           # List all jobs
  gradescan api jobs get <id>       # Get a specific job
  gradescan api jobs submit <pdf>   # Submit a PDF for processing`,
}

var apiJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

// apiGet calls a GET endpoint and prints the decoded response.
func apiGet(path string) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return api.Output(data)
}

var apiHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet("/health")
	},
}

var apiEnginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List engines with health probes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet("/api/v1/engines")
	},
}

var apiJobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submitted jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet("/api/v1/jobs")
	},
}

var apiJobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a job by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet("/api/v1/jobs/" + args[0])
	},
}

var (
	submitEngines   string
	submitMethod    string
	submitQuestions string
	submitWait      bool
)

var apiJobsSubmitCmd = &cobra.Command{
	Use:   "submit <pdf>",
	Short: "Submit a PDF for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pdf, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
		if err != nil {
			return err
		}
		if _, err := part.Write(pdf); err != nil {
			return err
		}
		fields := map[string]string{
			"engines":   submitEngines,
			"method":    submitMethod,
			"questions": submitQuestions,
		}
		for k, v := range fields {
			if v == "" {
				continue
			}
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
		if err := mw.Close(); err != nil {
			return err
		}

		resp, err := http.Post(serverURL+"/api/v1/jobs", mw.FormDataContentType(), &buf)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if !submitWait {
			return printResponse(resp)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		var accepted struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &accepted); err != nil {
			return fmt.Errorf("invalid response: %w", err)
		}

		// Poll until the job leaves the processing state.
		for {
			time.Sleep(2 * time.Second)
			r, err := http.Get(serverURL + "/api/v1/jobs/" + accepted.ID)
			if err != nil {
				return err
			}
			b, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				return err
			}
			var job struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(b, &job); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			if job.Status != "processing" {
				var data any
				if err := json.Unmarshal(b, &data); err != nil {
					return err
				}
				return api.Output(data)
			}
		}
	},
}

func init() {
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	apiJobsSubmitCmd.Flags().StringVar(&submitEngines, "engines", "", "Comma-separated engine list")
	apiJobsSubmitCmd.Flags().StringVar(&submitMethod, "method", "", "Consensus method")
	apiJobsSubmitCmd.Flags().StringVar(&submitQuestions, "questions", "", "Comma-separated question numbers")
	apiJobsSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "Poll until the job completes and print the result")

	apiJobsCmd.AddCommand(apiJobsListCmd)
	apiJobsCmd.AddCommand(apiJobsGetCmd)
	apiJobsCmd.AddCommand(apiJobsSubmitCmd)

	apiCmd.AddCommand(apiHealthCmd)
	apiCmd.AddCommand(apiEnginesCmd)
	apiCmd.AddCommand(apiJobsCmd)
	rootCmd.AddCommand(apiCmd)
}
