package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/matcher"
	"github.com/example/face-id/internal/metrics"
	"github.com/example/face-id/internal/repository"
)

// ValidateEmbedding checks that an embedding can be stored: it must have
// exactly dim finite components.
func ValidateEmbedding(vector []float32, dim int) error {
	if len(vector) == 0 {
		return matcher.ErrEmptyVector
	}
	if dim > 0 && len(vector) != dim {
		return &matcher.DimensionError{Want: dim, Got: len(vector)}
	}
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return matcher.ErrNonFinite
		}
	}
	return nil
}

// CreatePerson registers a new identity profile.
func (uc *RecognitionUseCase) CreatePerson(ctx context.Context, name, surname string) (*repository.Person, error) {
	name, surname = strings.TrimSpace(name), strings.TrimSpace(surname)
	if name == "" || surname == "" {
		return nil, logging.NewOperationError("usecase.create_person", logging.RequestIDFromContext(ctx),
			fmt.Errorf("%w: name and surname are required", ErrInvalidInput))
	}
	person := &repository.Person{Name: name, Surname: surname}
	if err := uc.repo.CreatePerson(ctx, person); err != nil {
		return nil, err
	}
	uc.logger.Info("person created", zap.Int64("person_id", person.ID))
	return person, nil
}

// GetPerson returns the profile of an enrolled person.
func (uc *RecognitionUseCase) GetPerson(ctx context.Context, personID int64) (*repository.Person, error) {
	return uc.lookupPerson(ctx, personID)
}

// Enroll stores one sample embedding for an existing person.
func (uc *RecognitionUseCase) Enroll(ctx context.Context, personID int64, vector []float32) (*repository.FaceEmbedding, error) {
	faces, err := uc.EnrollBatch(ctx, personID, [][]float32{vector})
	if err != nil {
		return nil, err
	}
	return &faces[0], nil
}

// EnrollBatch stores several embeddings for an existing person. Either every
// vector is stored or none is.
func (uc *RecognitionUseCase) EnrollBatch(ctx context.Context, personID int64, vectors [][]float32) ([]repository.FaceEmbedding, error) {
	requestID := logging.RequestIDFromContext(ctx)
	if len(vectors) == 0 {
		return nil, logging.NewOperationError("usecase.enroll", requestID, fmt.Errorf("%w: no embeddings", ErrInvalidInput))
	}
	for i, v := range vectors {
		if err := ValidateEmbedding(v, uc.opts.EmbeddingDim); err != nil {
			var dimErr *matcher.DimensionError
			if errors.As(err, &dimErr) {
				dimErr.Identity = personID
			}
			return nil, logging.NewOperationError("usecase.enroll", requestID, fmt.Errorf("embedding %d: %w", i, err))
		}
	}

	if _, err := uc.lookupPerson(ctx, personID); err != nil {
		return nil, err
	}

	faces, err := uc.repo.AddFaces(ctx, personID, vectors)
	if err != nil {
		return nil, err
	}
	metrics.EnrolledFaces.Add(float64(len(faces)))

	if err := uc.RefreshIndex(ctx); err != nil {
		logging.WithOperation(uc.logger, "usecase.enroll", requestID).
			Error("band index refresh failed, falling back to exhaustive scan", zap.Error(err))
	}
	return faces, nil
}
