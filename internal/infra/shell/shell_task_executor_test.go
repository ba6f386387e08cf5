package shell

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"single-thread-dispatcher/internal/domain"
)

func TestShellTaskExecutor(t *testing.T) {
	exec := NewShellTaskExecutor(time.Second, slog.Default())

	out, err := exec.Execute(context.Background(), &domain.TaskSpec{
		Name:   "echo",
		Action: domain.ActionSpec{Command: "echo hello"},
	})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("echo output %q", out)
	}

	out, err = exec.Execute(context.Background(), &domain.TaskSpec{
		Name:   "fail",
		Action: domain.ActionSpec{Command: "echo oops >&2; exit 3"},
	})
	if err == nil {
		t.Fatal("expected failure for non-zero exit")
	}
	if !strings.Contains(out, "oops") {
		t.Fatalf("expected stderr in output, got %q", out)
	}
}

func TestShellTaskExecutor_Timeout(t *testing.T) {
	exec := NewShellTaskExecutor(50*time.Millisecond, slog.Default())

	start := time.Now()
	_, err := exec.Execute(context.Background(), &domain.TaskSpec{
		Name:   "sleep",
		Action: domain.ActionSpec{Command: "sleep 5"},
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("command was not killed at the timeout")
	}
}
