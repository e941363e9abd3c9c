// internal/infra/shell/runner.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"ci-control-plane/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runner implements domain.CommandRunner with bash.
type runner struct {
	shell  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewRunner creates a runner that executes command lines with `bash -c`.
func NewRunner(logger *slog.Logger) domain.CommandRunner {
	return &runner{
		shell:  "bash",
		logger: logger.With("component", "shell-runner"),
		tracer: otel.Tracer("ci-control-plane-shell"),
	}
}

// Run executes command and returns its stdout. Success is decided by the
// exit code alone: output on failure is often empty or misleading. The
// command line itself is never logged because it may carry credentials;
// label names the task instead.
func (r *runner) Run(ctx context.Context, label, command string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "shell.Run",
		trace.WithAttributes(attribute.String("command.label", label)))
	defer span.End()

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		output := stdout.String()
		if errOutput := stderr.String(); errOutput != "" {
			output = fmt.Sprintf("[STDERR]:\n%s\n[STDOUT]:\n%s", errOutput, output)
		}
		r.logger.Error("command failed", "label", label, "error", err, "output", strings.TrimSpace(output))
		span.SetStatus(codes.Error, "command failed")
		span.RecordError(err)
		return "", fmt.Errorf("%s: %w", label, err)
	}

	r.logger.Debug("command succeeded", "label", label)
	return stdout.String(), nil
}
