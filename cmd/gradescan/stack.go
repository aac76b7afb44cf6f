package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/gradescan/internal/config"
	"github.com/jackzampolin/gradescan/internal/engines"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Manage the OCR engine containers",
	Long: `Manage the dockerized OCR engine containers.

Each configured engine with an image runs in its own container bound to
its configured host port.

Examples:
  gradescan stack start   # Start all engine containers
  gradescan stack stop    # Stop them (containers preserved)
  gradescan stack status  # Check container status
  gradescan stack remove  # Stop and remove containers`,
}

// getStack creates a Stack from the configured engine specs.
func getStack() (*engines.Stack, error) {
	cm, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	specs := cm.Get().ToStackSpecs()
	if len(specs) == 0 {
		return nil, fmt.Errorf("no engines with container images configured")
	}
	return engines.NewStack(engines.StackConfig{Specs: specs})
}

var stackStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine containers",
	Long: `Start the engine containers.

Containers that don't exist are created, stopped ones are started and
running ones are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stack, err := getStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		fmt.Println("Starting engine containers...")
		if err := stack.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine stack: %w", err)
		}

		status, err := stack.Status(ctx)
		if err != nil {
			return err
		}
		for name := range status {
			fmt.Printf("%s is running at %s\n", name, stack.URL(name))
		}
		return nil
	},
}

var stackStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine containers",
	Long: `Stop the engine containers.

The containers are preserved; use 'gradescan stack start' to restart
them later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stack, err := getStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		fmt.Println("Stopping engine containers...")
		if err := stack.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop engine stack: %w", err)
		}

		fmt.Println("Engine containers stopped")
		return nil
	},
}

var stackStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stack, err := getStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		status, err := stack.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		for name, st := range status {
			switch st {
			case engines.StatusRunning:
				fmt.Printf("%s: %s (%s)\n", name, st, stack.URL(name))
			case engines.StatusStopped:
				fmt.Printf("%s: %s (use 'gradescan stack start' to start)\n", name, st)
			case engines.StatusNotFound:
				fmt.Printf("%s: %s (use 'gradescan stack start' to create)\n", name, st)
			default:
				fmt.Printf("%s: %s\n", name, st)
			}
		}
		return nil
	},
}

var stackRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the engine containers",
	Long: `Remove the engine containers.

This stops and removes the containers. The OCR result cache under the
home directory is NOT deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stack, err := getStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		fmt.Println("Removing engine containers...")
		if err := stack.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove containers: %w", err)
		}

		fmt.Println("Engine containers removed")
		return nil
	},
}

func init() {
	stackCmd.AddCommand(stackStartCmd)
	stackCmd.AddCommand(stackStopCmd)
	stackCmd.AddCommand(stackStatusCmd)
	stackCmd.AddCommand(stackRemoveCmd)

	rootCmd.AddCommand(stackCmd)
}
