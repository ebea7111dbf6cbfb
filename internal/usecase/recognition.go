package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-id/internal/imageprocessor"
	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/matcher"
	"github.com/example/face-id/internal/metrics"
	"github.com/example/face-id/internal/repository"
	"github.com/example/face-id/internal/retry"
)

// UnknownPlaceholder fills the name fields of an unresolved face.
const UnknownPlaceholder = "-"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrPersonNotFound = errors.New("person not found")
	ErrResultNotFound = errors.New("result not found")
	ErrResultPending  = errors.New("result is still being processed")
)

// RecognitionRepository defines the persistence operations needed by the use case.
type RecognitionRepository interface {
	Candidates(ctx context.Context) matcher.Candidates
	Snapshot(ctx context.Context) ([]matcher.Record, error)
	FaceStats(ctx context.Context) (repository.FaceStats, error)
	AddFaces(ctx context.Context, personID int64, vectors [][]float32) ([]repository.FaceEmbedding, error)
	CreatePerson(ctx context.Context, person *repository.Person) error
	FindPerson(ctx context.Context, id int64) (*repository.Person, error)
	SaveLog(ctx context.Context, log *repository.RecognitionLog) error
	FindByRequestIDAndOperator(ctx context.Context, requestID, operatorID string) (*repository.RecognitionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options tunes matching and caching behaviour.
type Options struct {
	EmbeddingDim    int
	Concurrency     int
	Prefilter       bool
	ProfileCacheTTL time.Duration
}

// FaceResult is the outcome for one detected face. PersonID is nil when the
// face could not be attributed to an enrolled person.
type FaceResult struct {
	BBox     imageprocessor.BoundingBox `json:"bbox"`
	PersonID *int64                     `json:"id"`
	Name     string                     `json:"name"`
	Surname  string                     `json:"surname"`
	Distance *float64                   `json:"distance,omitempty"`
}

// Recognition is a completed recognition request.
type Recognition struct {
	RequestID           string       `json:"request_id"`
	OperatorID          string       `json:"operator_id"`
	Faces               []FaceResult `json:"faces"`
	SHA1Hash            string       `json:"sha1_hash"`
	ProcessingLatencyMs int64        `json:"processing_latency_ms"`
	CreatedAt           time.Time    `json:"created_at"`
}

// RecognitionUseCase encapsulates business logic for the recognition flow.
type RecognitionUseCase struct {
	repo        RecognitionRepository
	cache       Cache
	processor   imageprocessor.Client
	engine      *matcher.Engine
	opts        Options
	logger      *zap.Logger
	retryPolicy retry.Policy

	// refreshMu serializes index rebuilds so an older snapshot never
	// replaces a newer one.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	band      *bandIndex
}

// bandIndex is a band index tagged with the table state it was built from.
type bandIndex struct {
	index *matcher.BandIndex
	stats repository.FaceStats
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(repo RecognitionRepository, cache Cache, processor imageprocessor.Client, engine *matcher.Engine, opts Options, logger *zap.Logger) *RecognitionUseCase {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ProfileCacheTTL <= 0 {
		opts.ProfileCacheTTL = 10 * time.Minute
	}
	logger = logger.Named("recognition_usecase")
	if opts.Prefilter && !engine.DefaultMetric() {
		logger.Warn("band pre-filter requires the default distance, using exhaustive scan")
		opts.Prefilter = false
	}
	return &RecognitionUseCase{
		repo:        repo,
		cache:       cache,
		processor:   processor,
		engine:      engine,
		opts:        opts,
		logger:      logger,
		retryPolicy: retry.DefaultPolicy,
	}
}

// RefreshIndex rebuilds the in-memory band index from the store. It is a
// no-op when the pre-filter is disabled.
func (uc *RecognitionUseCase) RefreshIndex(ctx context.Context) error {
	if !uc.opts.Prefilter {
		return nil
	}
	if _, err := uc.rebuildIndex(ctx); err != nil {
		uc.dropIndex()
		return logging.NewOperationError("usecase.refresh_index", logging.RequestIDFromContext(ctx), err)
	}
	return nil
}

// rebuildIndex installs an index for the current table state unless one is
// already installed. The stats are read before the snapshot, so the snapshot
// holds at least the faces they describe.
func (uc *RecognitionUseCase) rebuildIndex(ctx context.Context) (*matcher.BandIndex, error) {
	uc.refreshMu.Lock()
	defer uc.refreshMu.Unlock()

	stats, err := uc.repo.FaceStats(ctx)
	if err != nil {
		return nil, err
	}
	if current := uc.currentIndex(); current != nil && current.stats == stats {
		return current.index, nil
	}

	records, err := uc.repo.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := matcher.NewBandIndex(records)
	if err != nil {
		return nil, err
	}

	uc.mu.Lock()
	uc.band = &bandIndex{index: idx, stats: stats}
	uc.mu.Unlock()
	uc.logger.Info("band index refreshed",
		zap.Int("records", idx.Len()),
		zap.Int("dim", idx.Dim()),
		zap.Int64("max_face_id", stats.MaxID),
	)
	return idx, nil
}

func (uc *RecognitionUseCase) currentIndex() *bandIndex {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.band
}

// dropIndex makes matching fall back to the exhaustive store scan.
func (uc *RecognitionUseCase) dropIndex() {
	uc.mu.Lock()
	uc.band = nil
	uc.mu.Unlock()
}

// freshIndex returns an index matching the store, rebuilding it when faces
// were written elsewhere, e.g. by a bulk import or another instance.
func (uc *RecognitionUseCase) freshIndex(ctx context.Context) (*matcher.BandIndex, error) {
	stats, err := uc.repo.FaceStats(ctx)
	if err != nil {
		return nil, err
	}
	if current := uc.currentIndex(); current != nil && current.stats == stats {
		return current.index, nil
	}
	return uc.rebuildIndex(ctx)
}

func (uc *RecognitionUseCase) candidates(ctx context.Context, query []float32) (matcher.Candidates, string) {
	if uc.opts.Prefilter {
		idx, err := uc.freshIndex(ctx)
		if err == nil {
			return idx.Candidates(query, uc.engine.Threshold()), metrics.StrategyBand
		}
		logging.WithOperation(uc.logger, "usecase.match_face", logging.RequestIDFromContext(ctx)).
			Warn("band index unavailable, scanning store", zap.Error(err))
	}
	return uc.repo.Candidates(ctx), metrics.StrategyExhaustive
}

// Recognize detects every face in the image and attributes each one to the
// closest enrolled person within the acceptance threshold. Results keep the
// detection order.
func (uc *RecognitionUseCase) Recognize(ctx context.Context, operatorID string, image []byte) (string, []FaceResult, error) {
	started := time.Now()
	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.recognize", requestID)

	if len(image) == 0 {
		return "", nil, logging.NewOperationError("usecase.recognize", requestID, fmt.Errorf("%w: empty image", ErrInvalidInput))
	}

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	faces, err := uc.processor.Detect(ctx, image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.detect_faces", requestID, err)
		opLogger.Error("face detection failed", zap.Error(wrapped))
		return "", nil, wrapped
	}
	metrics.FacesPerImage.Observe(float64(len(faces)))

	results := make([]FaceResult, len(faces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.opts.Concurrency)
	for i, face := range faces {
		g.Go(func() error {
			res, err := uc.identify(gctx, face)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		opLogger.Error("face matching failed", zap.Error(err))
		return "", nil, err
	}

	identified := 0
	for _, r := range results {
		if r.PersonID != nil {
			identified++
		}
	}

	hash := sha1.Sum(image)
	hashHex := hex.EncodeToString(hash[:])
	details, err := json.Marshal(results)
	if err != nil {
		opLogger.Error("failed to serialize recognition result", zap.Error(err))
		return "", nil, err
	}
	log := &repository.RecognitionLog{
		RequestID:           requestID,
		OperatorID:          operatorID,
		FaceCount:           len(results),
		IdentifiedCount:     identified,
		SHA1Hash:            hashHex,
		Details:             string(details),
		ProcessingLatencyMs: time.Since(started).Milliseconds(),
		CreatedAt:           time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist recognition log", zap.Error(wrapped))
		return "", nil, wrapped
	}

	serialized, err := json.Marshal(cachedRecognition{
		RequestID:           requestID,
		OperatorID:          operatorID,
		Faces:               results,
		Hash:                hashHex,
		ProcessingLatencyMs: log.ProcessingLatencyMs,
		CreatedAt:           log.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize recognition result", zap.Error(err))
		return "", nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		// The log is already persisted, GetResult falls back to it.
		opLogger.Warn("failed to cache recognition result", zap.Error(err))
	}

	opLogger.Info("recognition completed",
		zap.String("operator_id", operatorID),
		zap.Int("faces", len(results)),
		zap.Int("identified", identified),
		zap.Int64("latency_ms", log.ProcessingLatencyMs),
	)
	return requestID, results, nil
}

// identify matches one detected face and resolves the winner's profile.
func (uc *RecognitionUseCase) identify(ctx context.Context, face imageprocessor.DetectedFace) (FaceResult, error) {
	requestID := logging.RequestIDFromContext(ctx)
	unknown := FaceResult{BBox: face.BBox, Name: UnknownPlaceholder, Surname: UnknownPlaceholder}

	if uc.opts.EmbeddingDim > 0 && len(face.Embedding) != uc.opts.EmbeddingDim {
		metrics.MatchesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return FaceResult{}, logging.NewOperationError("usecase.match_face", requestID,
			&matcher.DimensionError{Want: uc.opts.EmbeddingDim, Got: len(face.Embedding)})
	}

	candidates, strategy := uc.candidates(ctx, face.Embedding)
	started := time.Now()
	res, err := uc.engine.Match(face.Embedding, candidates)
	metrics.MatchDuration.WithLabelValues(strategy).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.MatchesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return FaceResult{}, logging.NewOperationError("usecase.match_face", requestID, err)
	}

	if !res.Matched {
		metrics.MatchesTotal.WithLabelValues(metrics.OutcomeUnknown).Inc()
		if !res.NoCandidates() {
			d := res.Distance
			unknown.Distance = &d
		}
		return unknown, nil
	}
	metrics.MatchesTotal.WithLabelValues(metrics.OutcomeIdentified).Inc()

	id, d := res.Identity, res.Distance
	result := FaceResult{BBox: face.BBox, PersonID: &id, Name: UnknownPlaceholder, Surname: UnknownPlaceholder, Distance: &d}
	person, err := uc.lookupPerson(ctx, id)
	switch {
	case err == nil:
		result.Name, result.Surname = person.Name, person.Surname
	case errors.Is(err, ErrPersonNotFound):
		logging.WithOperation(uc.logger, "usecase.match_face", requestID).
			Warn("matched face has no profile", zap.Int64("person_id", id))
	default:
		return FaceResult{}, err
	}
	return result, nil
}

// GetResult retrieves a cached recognition outcome or loads it from persistence.
// Results are only visible to the operator that submitted them.
func (uc *RecognitionUseCase) GetResult(ctx context.Context, operatorID, requestID string) (*Recognition, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultPending)
	case err == nil:
		var payload cachedRecognition
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.OperatorID == operatorID {
			return &Recognition{
				RequestID:           requestID,
				OperatorID:          payload.OperatorID,
				Faces:               payload.Faces,
				SHA1Hash:            payload.Hash,
				ProcessingLatencyMs: payload.ProcessingLatencyMs,
				CreatedAt:           payload.CreatedAt,
			}, nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndOperator(ctx, requestID, operatorID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
		}
		return nil, err
	}

	var faces []FaceResult
	if log.Details != "" {
		if err := json.Unmarshal([]byte(log.Details), &faces); err != nil {
			return nil, logging.NewOperationError("usecase.decode_log", requestID, err)
		}
	}
	return &Recognition{
		RequestID:           log.RequestID,
		OperatorID:          log.OperatorID,
		Faces:               faces,
		SHA1Hash:            log.SHA1Hash,
		ProcessingLatencyMs: log.ProcessingLatencyMs,
		CreatedAt:           log.CreatedAt,
	}, nil
}
