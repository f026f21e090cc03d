package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics represents aggregated metrics queried back from
// Prometheus after sessions complete.
type SessionMetrics struct {
	RawTokens        int64   `json:"raw_tokens"`
	OptimizedTokens  int64   `json:"optimized_tokens"`
	TasksSucceeded   int64   `json:"tasks_succeeded"`
	RecoveryAttempts int64   `json:"recovery_attempts"`
	RecoveryRate     float64 `json:"recovery_rate"`
}

// QueryService queries aggregated engine metrics from a Prometheus
// server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus
// base URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSessionMetrics aggregates token, task, and recovery counters across
// all recorded sessions.
func (q *QueryService) GetSessionMetrics(ctx context.Context) (*SessionMetrics, error) {
	out := &SessionMetrics{}

	raw, err := q.scalar(ctx, `sum(conductor_context_tokens_total{type="raw"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw tokens: %w", err)
	}
	out.RawTokens = int64(raw)

	optimized, err := q.scalar(ctx, `sum(conductor_context_tokens_total{type="optimized"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query optimized tokens: %w", err)
	}
	out.OptimizedTokens = int64(optimized)

	succeeded, err := q.scalar(ctx, `sum(conductor_tasks_total{status="succeeded"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query succeeded tasks: %w", err)
	}
	out.TasksSucceeded = int64(succeeded)

	attempts, err := q.scalar(ctx, `sum(conductor_recovery_attempts_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery attempts: %w", err)
	}
	out.RecoveryAttempts = int64(attempts)

	if attempts > 0 {
		successes, err := q.scalar(ctx, `sum(conductor_recovery_attempts_total{success="true"})`)
		if err != nil {
			return nil, fmt.Errorf("failed to query recovery successes: %w", err)
		}
		out.RecoveryRate = successes / attempts
	}

	return out, nil
}

// scalar runs an instant query and returns the first sample value, or 0
// when the result is empty.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
