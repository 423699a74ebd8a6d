// Package cli: cleanup.go implements the "icebridge-batch cleanup" command.
//
// The cleanup command force-removes the tool containers of a run, for runs
// that were killed before they could remove their own containers.
//
// Unless --force is specified, the command prompts for confirmation.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/icebridge-batch/internal/docker"
	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// cleanupFlags holds the flag values for the cleanup command.
type cleanupFlags struct {
	// force skips the interactive confirmation prompt when true.
	force bool
}

// NewCleanupCommand creates the "cleanup" cobra command.
func NewCleanupCommand() *cobra.Command {
	flags := &cleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup <run-id>",
		Short: "Remove the leftover tool containers of a run",
		Long: `Remove every tool container of a batch run, running or not.

The run ID is printed in every log record of the run ("run" field) and in
out-run_report.json.

Examples:
  icebridge-batch cleanup 7c6b3a52-...
  icebridge-batch cleanup --force 7c6b3a52-...`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")

	return cmd
}

// runCleanup is the main logic function for the cleanup command.
func runCleanup(ctx context.Context, runID string, flags *cleanupFlags) error {
	// Step 1: Connect to Docker daemon.
	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	// Step 2: Find the containers of the run.
	infos, err := docker.ListRunContainers(ctx, cli, runID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		printCleanupResult(runID, 0)
		return nil
	}

	// Step 3: Prompt for confirmation unless --force is specified.
	if !flags.force {
		confirmed, err := promptConfirmation(os.Stdin, os.Stdout, runID, len(infos))
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitGeneralError, "operation cancelled by user")
		}
	}

	// Step 4: Remove the containers.
	removed, err := docker.CleanupRun(ctx, cli, runID)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError,
			fmt.Sprintf("removed %d of %d containers of run %s", removed, len(infos), runID), err)
	}

	// Step 5: Output the result.
	printCleanupResult(runID, removed)
	return nil
}

// promptConfirmation asks the user to confirm the removal. It reads a
// single line and checks for "y" or "yes".
func promptConfirmation(in io.Reader, out io.Writer, runID string, count int) (bool, error) {
	fmt.Fprintf(out, "About to remove %d container(s) of run %s\n", count, runID)
	fmt.Fprint(out, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}

	// A closed stdin counts as "no".
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// printCleanupResult outputs the cleanup result in text or JSON format.
func printCleanupResult(runID string, removed int) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"runId":   runID,
			"action":  "removed",
			"removed": removed,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("Removed %d container(s) of run %s\n", removed, runID)
}
