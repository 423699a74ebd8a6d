// Package cli implements the cobra-based CLI of icebridge-batch.
//
// The root command runs one batch. The containers and cleanup subcommands
// inspect and remove the tool containers a run started with --docker-image;
// each is defined in its own file within this package.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// Global flag variables shared across all subcommands.
var (
	// jsonOutput formats command output and errors as JSON.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command processes one batch:
//
//	icebridge-batch [flags] <image...> <camera...>
func NewRootCommand() *cobra.Command {
	flags := newBatchFlags()

	rootCmd := &cobra.Command{
		Use:   "icebridge-batch [flags] <image...> <camera...>",
		Short: "Build DEMs from one batch of IceBridge frames",
		Long: `icebridge-batch bundle adjusts a batch of frames, builds a DEM from every
stereo pair, mosaics them and produces the final visualization products.
Optional stages compare the result with fireball DEMs and align it to lidar.

The positional arguments are all images followed by all cameras, in
acquisition order. Outputs that already exist are reused, so an interrupted
batch can be resumed by running the same command again.

Examples:
  icebridge-batch --output-folder out img1.tif img2.tif cam1.tsai cam2.tsai
  icebridge-batch --output-folder out --lidar-folder lidar --num-processes-per-batch 4 ...
  icebridge-batch --config batch.yaml --dry-run ...`,

		Args: cobra.ArbitraryArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args, flags)
		},

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors lets Execute format errors (text or JSON).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	flags.register(rootCmd)

	rootCmd.AddCommand(NewContainersCommand())
	rootCmd.AddCommand(NewCleanupCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// Errors are mapped to exit codes with model.ExitCodeFor: CLIError types
// carry their own code, typed pipeline errors have dedicated codes and
// everything else exits with 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		if cliErr, ok := err.(*model.CLIError); ok {
			printError(cliErr.Message, cliErr.Err)
		} else {
			printError(err.Error(), nil)
		}
		os.Exit(int(model.ExitCodeFor(err)))
	}
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// stdout is reserved for successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
	} else {
		if underlying != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", message)
		}
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}
