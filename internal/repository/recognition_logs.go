package repository

import (
	"context"

	"github.com/example/face-id/internal/logging"
)

// MetricsAggregation holds raw totals computed from recognition logs.
type MetricsAggregation struct {
	TotalCount                 int64
	FaceCount                  int64
	IdentifiedCount            int64
	AverageProcessingLatencyMs float64
}

// SaveLog persists a recognition log entry.
func (r *Repository) SaveLog(ctx context.Context, log *RecognitionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndOperator retrieves a recognition log owned by the operator.
func (r *Repository) FindByRequestIDAndOperator(ctx context.Context, requestID, operatorID string) (*RecognitionLog, error) {
	var log RecognitionLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ? AND operator_id = ?", requestID, operatorID).Error; err != nil {
		return nil, logging.NewOperationError("repository.find_log", requestID, err)
	}
	return &log, nil
}

// AggregateMetrics computes totals over all recognition logs.
func (r *Repository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).
		Model(&RecognitionLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(face_count), 0) AS face_count,
			COALESCE(SUM(identified_count), 0) AS identified_count,
			COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms`).
		Scan(&agg).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	return &agg, nil
}
