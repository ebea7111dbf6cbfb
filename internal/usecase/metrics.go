package usecase

import "context"

// MetricsSummary represents aggregated recognition insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	TotalFaces                 int64   `json:"total_faces"`
	IdentifiedFaces            int64   `json:"identified_faces"`
	IdentificationRate         float64 `json:"identification_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates recognition metrics from persisted logs.
func (uc *RecognitionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		TotalFaces:                 aggregation.FaceCount,
		IdentifiedFaces:            aggregation.IdentifiedCount,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.FaceCount > 0 {
		summary.IdentificationRate = float64(aggregation.IdentifiedCount) / float64(aggregation.FaceCount)
	}

	return summary, nil
}
