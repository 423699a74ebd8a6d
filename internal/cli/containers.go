// Package cli: containers.go implements the "icebridge-batch containers"
// command.
//
// The command lists the tool containers started with --docker-image by
// querying Docker for containers with the
// "icebridge.managed-by=icebridge-batch" label, optionally narrowed to one
// run. Containers are presented as a text table or JSON array, depending on
// the --json flag.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/icebridge-batch/internal/docker"
)

// containersFlags holds the flag values for the containers command.
type containersFlags struct {
	// runID narrows the listing to one run. Empty lists every run.
	runID string
}

// NewContainersCommand creates the "containers" cobra command.
func NewContainersCommand() *cobra.Command {
	flags := &containersFlags{}

	cmd := &cobra.Command{
		Use:   "containers",
		Short: "List the tool containers of batch runs",
		Long: `List the tool containers started by icebridge-batch with --docker-image.

Containers are normally removed as soon as their tool exits; the ones listed
here are still running or were left behind by an interrupted run.

Examples:
  icebridge-batch containers
  icebridge-batch containers --run-id 7c6b3a52-...
  icebridge-batch containers --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runContainers(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Only list containers of this run")

	return cmd
}

// runContainers is the main logic function for the containers command.
func runContainers(ctx context.Context, flags *containersFlags) error {
	// Step 1: Connect to Docker and verify the daemon is available.
	cli, err := docker.NewClient()
	if err != nil {
		return err // NewClient already returns CLIError with ExitDockerNotRunning
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	// Step 2: List the containers of the run (or of every run).
	infos, err := docker.ListRunContainers(ctx, cli, flags.runID)
	if err != nil {
		return err
	}

	// Step 3: Sort oldest first for consistent output.
	sortContainers(infos)

	// Step 4: Output results in the appropriate format.
	if IsJSONOutput() {
		return writeContainersJSON(os.Stdout, infos)
	}
	writeContainersText(os.Stdout, infos)
	return nil
}

// sortContainers orders containers by start time, then name. Containers
// without readable labels sort last.
func sortContainers(infos []docker.ContainerInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i].Labels, infos[j].Labels
		switch {
		case a == nil && b == nil:
			return infos[i].Name < infos[j].Name
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.StartedAt.Equal(b.StartedAt):
			return a.StartedAt.Before(b.StartedAt)
		default:
			return infos[i].Name < infos[j].Name
		}
	})
}

// containerJSON is the JSON output structure for one container.
type containerJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	RunID     string `json:"runId,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Tool      string `json:"tool,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}

func writeContainersJSON(w io.Writer, infos []docker.ContainerInfo) error {
	type resultJSON struct {
		Containers []containerJSON `json:"containers"`
	}

	// An empty slice renders as [] instead of null.
	result := resultJSON{Containers: make([]containerJSON, 0, len(infos))}
	for _, c := range infos {
		entry := containerJSON{ID: shortID(c.ID), Name: c.Name, State: c.State}
		if c.Labels != nil {
			entry.RunID = c.Labels.RunID
			entry.Stage = c.Labels.Stage.String()
			entry.Tool = c.Labels.Tool
			entry.StartedAt = c.Labels.StartedAt.UTC().Format(time.RFC3339)
		}
		result.Containers = append(result.Containers, entry)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// writeContainersText outputs the containers as a text table:
//
//	ID            STATE     STAGE           TOOL          RUN
//	0123456789ab  running   stereo_pair     stereo        7c6b3a52-...
func writeContainersText(w io.Writer, infos []docker.ContainerInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No icebridge-batch containers found.")
		return
	}

	fmt.Fprintf(w, "%-13s %-9s %-15s %-13s %s\n", "ID", "STATE", "STAGE", "TOOL", "RUN")
	for _, c := range infos {
		stage, tool, run := "-", "-", "-"
		if c.Labels != nil {
			stage, tool, run = c.Labels.Stage.String(), c.Labels.Tool, c.Labels.RunID
		}
		fmt.Fprintf(w, "%-13s %-9s %-15s %-13s %s\n", shortID(c.ID), c.State, stage, tool, run)
	}
}

// shortID truncates a container ID to the 12 characters docker prints.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
