package repository

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/retry"
)

// ErrRecordNotFound is returned, wrapped, when a lookup matches no row.
var ErrRecordNotFound = gorm.ErrRecordNotFound

// Person is the identity profile of an enrolled person.
type Person struct {
	ID        int64     `gorm:"primaryKey"`
	Name      string    `gorm:"column:name;size:128;not null"`
	Surname   string    `gorm:"column:surname;size:128;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (Person) TableName() string {
	return "persons"
}

// FaceEmbedding is one enrolled sample embedding of a person.
// Rows are never updated after insert.
type FaceEmbedding struct {
	ID        int64           `gorm:"primaryKey"`
	PersonID  int64           `gorm:"column:person_id;index;not null"`
	Features  pgvector.Vector `gorm:"column:features;type:vector;not null"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (FaceEmbedding) TableName() string {
	return "faces"
}

// RecognitionLog represents a persisted recognition request.
type RecognitionLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	OperatorID          string    `gorm:"column:operator_id;index;size:64"`
	FaceCount           int       `gorm:"column:face_count"`
	IdentifiedCount     int       `gorm:"column:identified_count"`
	SHA1Hash            string    `gorm:"column:sha1_hash;size:40"`
	Details             string    `gorm:"column:details;type:text"`
	ProcessingLatencyMs int64     `gorm:"column:processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RecognitionLog) TableName() string {
	return "recognition_logs"
}

// Repository provides persistence APIs for persons, faces and recognition logs.
type Repository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:          db,
		logger:      logger.Named("repository"),
		retryPolicy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the pgvector extension and the schema are available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return logging.NewOperationError("repository.create_extension", "", err)
	}
	if err := db.AutoMigrate(&Person{}, &FaceEmbedding{}, &RecognitionLog{}); err != nil {
		return logging.NewOperationError("repository.auto_migrate", "", err)
	}
	return nil
}

func (r *Repository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.retryPolicy, operation, requestID, fn)
}
