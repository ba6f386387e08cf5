package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"single-thread-dispatcher/internal/domain"
)

// ErrServerStatus marks a 5xx response.
var ErrServerStatus = errors.New("http request returned 5xx server error")

type httpTaskExecutor struct {
	client *http.Client
}

// NewHttpTaskExecutor returns an executor that performs one HTTP request per run.
func NewHttpTaskExecutor(timeout time.Duration) domain.ActionExecutor {
	return &httpTaskExecutor{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Execute performs a single HTTP request. Retries are the caller's concern.
func (e *httpTaskExecutor) Execute(ctx context.Context, spec *domain.TaskSpec) (string, error) {
	req, err := http.NewRequestWithContext(ctx, spec.Action.Method, spec.Action.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// Keep at most 1KB of the body as output.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return string(bodyBytes), fmt.Errorf("%w: %s", ErrServerStatus, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return string(bodyBytes), fmt.Errorf("http request returned 4xx client error: %s", resp.Status)
	}

	return string(bodyBytes), nil
}
