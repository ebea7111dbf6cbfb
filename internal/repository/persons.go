package repository

import (
	"context"

	"github.com/example/face-id/internal/logging"
)

// CreatePerson persists a new identity profile. A zero ID is assigned by the database.
func (r *Repository) CreatePerson(ctx context.Context, person *Person) error {
	return r.executeWithRetry(ctx, "repository.create_person", logging.RequestIDFromContext(ctx), func() error {
		return r.db.WithContext(ctx).Create(person).Error
	})
}

// FindPerson retrieves an identity profile by ID.
func (r *Repository) FindPerson(ctx context.Context, id int64) (*Person, error) {
	var person Person
	if err := r.db.WithContext(ctx).First(&person, "id = ?", id).Error; err != nil {
		return nil, logging.NewOperationError("repository.find_person", logging.RequestIDFromContext(ctx), err)
	}
	return &person, nil
}

// CountPersons returns the number of identity profiles.
func (r *Repository) CountPersons(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Person{}).Count(&count).Error; err != nil {
		return 0, logging.NewOperationError("repository.count_persons", logging.RequestIDFromContext(ctx), err)
	}
	return count, nil
}
