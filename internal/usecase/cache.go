package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/repository"
	"github.com/example/face-id/internal/retry"
)

const (
	processingMarker = "processing"
	processingTTL    = time.Minute
	resultTTL        = 5 * time.Minute
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis. A missing key yields redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func resultKey(requestID string) string {
	return fmt.Sprintf("recognition:%s", requestID)
}

func profileKey(personID int64) string {
	return fmt.Sprintf("person:%d", personID)
}

type cachedProfile struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Surname   string    `json:"surname"`
	CreatedAt time.Time `json:"created_at"`
}

type cachedRecognition struct {
	RequestID           string       `json:"request_id"`
	OperatorID          string       `json:"operator_id"`
	Faces               []FaceResult `json:"faces"`
	Hash                string       `json:"sha1_hash"`
	ProcessingLatencyMs int64        `json:"processing_latency_ms"`
	CreatedAt           time.Time    `json:"created_at"`
}

func (uc *RecognitionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.logger, uc.retryPolicy, operation, requestID, fn)
}

// withRedisGet reads a key with retries. A miss is returned as redis.Nil
// without being retried or logged as a failure.
func (uc *RecognitionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var (
		result string
		miss   bool
	)
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return result, nil
}

// lookupPerson resolves a profile through the cache, falling back to the
// repository and repopulating the cache on a miss.
func (uc *RecognitionUseCase) lookupPerson(ctx context.Context, personID int64) (*repository.Person, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.lookup_person", requestID)
	key := profileKey(personID)

	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.profile", key); err == nil {
		var payload cachedProfile
		if err := json.Unmarshal([]byte(cached), &payload); err == nil && payload.ID == personID {
			return &repository.Person{ID: payload.ID, Name: payload.Name, Surname: payload.Surname, CreatedAt: payload.CreatedAt}, nil
		}
		opLogger.Warn("failed to decode cached profile", zap.Int64("person_id", personID))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read profile cache", zap.Error(err))
	}

	person, err := uc.repo.FindPerson(ctx, personID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, logging.NewOperationError("usecase.lookup_person", requestID, fmt.Errorf("%w: %d", ErrPersonNotFound, personID))
		}
		return nil, err
	}

	serialized, err := json.Marshal(cachedProfile{ID: person.ID, Name: person.Name, Surname: person.Surname, CreatedAt: person.CreatedAt})
	if err == nil {
		if err := uc.withRedisRetry(ctx, requestID, "cache.set.profile", func() error {
			return uc.cache.Set(ctx, key, string(serialized), uc.opts.ProfileCacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache profile", zap.Error(err))
		}
	}
	return person, nil
}
