package docker

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeEmpty creates an empty file standing in for a socket.
func writeEmpty(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o600))
}
