// Package model defines the domain types and value objects for the
// icebridge-batch CLI.
//
// This package contains pure data structures with no external dependencies.
// All entities (ImageCameraPair, DemRecord, DiffStatistics, RunReport, etc.)
// live for a single pipeline run. Nothing is persisted beyond the files the
// external tools write into the output folder.
//
// The package also defines exit codes (ExitCode), a custom error type
// (CLIError) that carries exit codes, and the typed pipeline errors
// (ArgumentError, MissingInputError, StageExecutionError, GsdComputationError,
// ComparisonError) that the CLI layer translates into those exit codes.
package model
