package usecase

import (
	"context"

	"github.com/example/face-relay/internal/repository"
)

// MetricsSummary represents aggregated relay insights.
type MetricsSummary struct {
	TotalRequests    int64            `json:"total_requests"`
	Forwarded        int64            `json:"forwarded"`
	ForwardRate      float64          `json:"forward_rate"`
	ByOutcome        map[string]int64 `json:"by_outcome"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates relay metrics from persisted logs.
func (uc *RegistrationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrRecordingDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:    aggregation.TotalCount,
		ByOutcome:        make(map[string]int64, len(aggregation.ByOutcome)),
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}
	for _, oc := range aggregation.ByOutcome {
		summary.ByOutcome[oc.Outcome] = oc.Count
	}
	summary.Forwarded = summary.ByOutcome[repository.OutcomeForwarded]

	if aggregation.TotalCount > 0 {
		summary.ForwardRate = float64(summary.Forwarded) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
