package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/matcher"
)

// errStopScan ends the read transaction when the consumer stops iterating.
var errStopScan = errors.New("scan stopped by consumer")

// scanTxOptions gives every scan one consistent snapshot of the faces table.
var scanTxOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// AddFaces inserts embeddings for a person in a single transaction.
func (r *Repository) AddFaces(ctx context.Context, personID int64, vectors [][]float32) ([]FaceEmbedding, error) {
	requestID := logging.RequestIDFromContext(ctx)
	faces := make([]FaceEmbedding, len(vectors))
	for i, v := range vectors {
		faces[i] = FaceEmbedding{PersonID: personID, Features: pgvector.NewVector(v)}
	}
	if len(faces) == 0 {
		return faces, nil
	}

	err := r.executeWithRetry(ctx, "repository.add_faces", requestID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i := range faces {
				faces[i].ID = 0
			}
			return tx.Create(&faces).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return faces, nil
}

// Candidates returns the sequence of all enrolled faces in insertion order.
// Each iteration runs inside its own read-only transaction that is released
// when the loop finishes, fails, or is abandoned by the consumer.
func (r *Repository) Candidates(ctx context.Context) matcher.Candidates {
	return func(yield func(matcher.Record, error) bool) {
		stopped := false
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows, err := tx.Model(&FaceEmbedding{}).Select("person_id", "features").Order("id").Rows()
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				var (
					personID int64
					features pgvector.Vector
				)
				if err := rows.Scan(&personID, &features); err != nil {
					return err
				}
				if !yield(matcher.Record{Identity: personID, Vector: features.Slice()}, nil) {
					stopped = true
					return errStopScan
				}
			}
			return rows.Err()
		}, scanTxOptions)

		if err != nil && !stopped {
			yield(matcher.Record{}, logging.NewOperationError("repository.scan_faces", logging.RequestIDFromContext(ctx), err))
		}
	}
}

// Snapshot materialises every enrolled face, e.g. to build a band index.
func (r *Repository) Snapshot(ctx context.Context) ([]matcher.Record, error) {
	var records []matcher.Record
	for rec, err := range r.Candidates(ctx) {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CountFaces returns the number of enrolled face embeddings.
func (r *Repository) CountFaces(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&FaceEmbedding{}).Count(&count).Error; err != nil {
		return 0, logging.NewOperationError("repository.count_faces", logging.RequestIDFromContext(ctx), err)
	}
	return count, nil
}

// FaceStats identifies a state of the faces table. Faces are only ever
// appended, so any insert moves MaxID and any removal moves Count.
type FaceStats struct {
	Count int64
	MaxID int64
}

// FaceStats returns the row count and highest id of the faces table.
func (r *Repository) FaceStats(ctx context.Context) (FaceStats, error) {
	var stats FaceStats
	err := r.db.WithContext(ctx).Model(&FaceEmbedding{}).
		Select("COUNT(*) AS count, COALESCE(MAX(id), 0) AS max_id").
		Scan(&stats).Error
	if err != nil {
		return FaceStats{}, logging.NewOperationError("repository.face_stats", logging.RequestIDFromContext(ctx), err)
	}
	return stats, nil
}
