// internal/infra/shell/shell_task_executor.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"single-thread-dispatcher/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// shellTaskExecutor implements domain.ActionExecutor for shell commands.
type shellTaskExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewShellTaskExecutor creates a new shellTaskExecutor instance.
func NewShellTaskExecutor(timeout time.Duration, logger *slog.Logger) domain.ActionExecutor {
	return &shellTaskExecutor{
		timeout: timeout,
		logger:  logger.With("executor_type", "shell"),
		tracer:  otel.Tracer("single-thread-dispatcher-shell-executor"),
	}
}

// Execute runs the command with sh -c and returns its combined output.
func (e *shellTaskExecutor) Execute(ctx context.Context, spec *domain.TaskSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("task.name", spec.Name),
			attribute.String("task.command", spec.Action.Command),
		))
	defer span.End()

	e.logger.Debug("executing shell command", "command", spec.Action.Command, "task_name", spec.Name)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", spec.Action.Command)
	// Children of sh may hold the output pipes open after sh is killed.
	cmd.WaitDelay = 500 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if errOutput := stderr.String(); errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
		if output != "" {
			output = fmt.Sprintf("[STDERR]:\n%s\n[STDOUT]:\n%s", errOutput, output)
		} else {
			output = fmt.Sprintf("[STDERR]:\n%s", errOutput)
		}
	}

	if err != nil {
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		return output, fmt.Errorf("shell command failed: %w", err)
	}
	return output, nil
}
