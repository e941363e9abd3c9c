package shell

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner() *runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(logger).(*runner)
}

func TestRunReturnsStdout(t *testing.T) {
	out, err := newTestRunner().Run(context.Background(), "echo", "echo hello; echo ignored >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestRunFailsOnExitCodeOnly(t *testing.T) {
	out, err := newTestRunner().Run(context.Background(), "Failing task", "echo looks fine; exit 3")
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, err.Error(), "Failing task")
}

func TestRunTrailingNoopNormalizesExitCode(t *testing.T) {
	out, err := newTestRunner().Run(context.Background(), "watch", "echo log line; false; true")
	require.NoError(t, err)
	assert.Equal(t, "log line\n", out)
}
