package http

import (
	"time"

	"single-thread-dispatcher/internal/domain"
)

// ExecutorRequest is the DTO for executor configuration.
type ExecutorRequest struct {
	URL     string `json:"url" validate:"omitempty,url"`
	Method  string `json:"method" validate:"omitempty,oneof=GET POST PUT DELETE HEAD"`
	Command string `json:"command"`
}

// RetryPolicyRequest is the DTO for retry policy configuration.
type RetryPolicyRequest struct {
	MaxRetries int    `json:"max_retries" validate:"gte=0,lte=10"`
	Backoff    string `json:"backoff" validate:"omitempty,duration"`
}

// SubmitTaskRequest is the Data Transfer Object for submitting a task to a dispatcher.
// A request with cron_expr is recurring; otherwise it fires once after delay.
type SubmitTaskRequest struct {
	Name         string              `json:"name" validate:"required,min=1,max=128,excludesall=/"`
	Delay        string              `json:"delay" validate:"omitempty,duration,excluded_with=CronExpr"`
	CronExpr     string              `json:"cron_expr" validate:"omitempty,cron"`
	ExecutorType string              `json:"executor_type" validate:"required,oneof=http shell"`
	Executor     ExecutorRequest     `json:"executor" validate:"required"`
	RetryPolicy  *RetryPolicyRequest `json:"retry_policy,omitempty" validate:"omitempty"`
}

// ToDomainTask converts a SubmitTaskRequest DTO to a domain.TaskSpec bound to dispatcher.
func (r *SubmitTaskRequest) ToDomainTask(dispatcher string) *domain.TaskSpec {
	delay, _ := time.ParseDuration(r.Delay)

	var retryPolicy *domain.RetryPolicy
	if r.RetryPolicy != nil {
		backoff, _ := time.ParseDuration(r.RetryPolicy.Backoff)
		retryPolicy = &domain.RetryPolicy{
			MaxRetries: r.RetryPolicy.MaxRetries,
			Backoff:    backoff,
		}
	}

	// Normalize action based on type
	action := domain.ActionSpec{}
	executorType := domain.ExecutorType(r.ExecutorType)
	switch executorType {
	case domain.ExecutorTypeHTTP:
		action.URL = r.Executor.URL
		action.Method = r.Executor.Method
		if action.Method == "" {
			action.Method = "GET"
		}
	case domain.ExecutorTypeShell:
		action.Command = r.Executor.Command
	}

	return &domain.TaskSpec{
		Name:         r.Name,
		Dispatcher:   dispatcher,
		Delay:        delay,
		CronExpr:     r.CronExpr,
		ExecutorType: executorType,
		Action:       action,
		RetryPolicy:  retryPolicy,
	}
}
