// Package docker runs the pipeline tools inside a container image.
//
// When --docker-image is set, every external command is executed as a
// short-lived container of that image instead of a host process. This
// package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container labels that tie every tool container to its run, stage
//     and tool, so a cancelled run can find and remove what it started
//   - The container lifecycle of one tool invocation: create, start,
//     stream logs, wait, remove
//
// Host directories are bind-mounted at the same path inside the container,
// so the argument vectors built by the pipeline work unchanged.
package docker
