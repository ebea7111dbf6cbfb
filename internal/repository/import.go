package repository

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/example/face-id/internal/logging"
)

// ImportEntry is one person and the embeddings to enroll for them. A zero
// PersonID creates a new person from Name and Surname.
type ImportEntry struct {
	PersonID int64
	Name     string
	Surname  string
	Vectors  [][]float32
}

// ImportResult reports what an import created.
type ImportResult struct {
	PersonsCreated int
	FacesInserted  int
}

// ImportBatch enrolls every entry in a single transaction: either the whole
// batch is stored or nothing is.
func (r *Repository) ImportBatch(ctx context.Context, entries []ImportEntry) (*ImportResult, error) {
	result := &ImportResult{}
	err := r.executeWithRetry(ctx, "repository.import_batch", logging.RequestIDFromContext(ctx), func() error {
		*result = ImportResult{}
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i, entry := range entries {
				personID := entry.PersonID
				if personID == 0 {
					person := &Person{Name: entry.Name, Surname: entry.Surname}
					if err := tx.Create(person).Error; err != nil {
						return fmt.Errorf("entry %d: %w", i, err)
					}
					personID = person.ID
					result.PersonsCreated++
				} else if err := tx.First(&Person{}, "id = ?", personID).Error; err != nil {
					return fmt.Errorf("entry %d: person %d: %w", i, personID, err)
				}

				if len(entry.Vectors) == 0 {
					continue
				}
				faces := make([]FaceEmbedding, len(entry.Vectors))
				for j, v := range entry.Vectors {
					faces[j] = FaceEmbedding{PersonID: personID, Features: pgvector.NewVector(v)}
				}
				if err := tx.Create(&faces).Error; err != nil {
					return fmt.Errorf("entry %d: %w", i, err)
				}
				result.FacesInserted += len(faces)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
