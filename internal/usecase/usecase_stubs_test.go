package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/example/face-id/internal/imageprocessor"
	"github.com/example/face-id/internal/matcher"
	"github.com/example/face-id/internal/repository"
	"github.com/example/face-id/internal/retry"
)

type stubRepository struct {
	mu sync.Mutex

	records        []matcher.Record
	persons        map[int64]*repository.Person
	nextPersonID   int64
	savedLogs      []*repository.RecognitionLog
	saveErr        error
	findLog        *repository.RecognitionLog
	findErr        error
	findLogCalls   int
	findPersonHits int
	candidateCalls int
	addFacesCalls  int
	snapshotCalls  int
	statsErr       error
	aggregation    *repository.MetricsAggregation

	// afterSnapshot runs once the snapshot is copied, outside the lock.
	afterSnapshot func(call int)
}

func newStubRepository(records ...matcher.Record) *stubRepository {
	return &stubRepository{records: records, persons: map[int64]*repository.Person{}, nextPersonID: 100}
}

func (s *stubRepository) addPerson(id int64, name, surname string) {
	s.persons[id] = &repository.Person{ID: id, Name: name, Surname: surname}
}

func (s *stubRepository) Candidates(ctx context.Context) matcher.Candidates {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidateCalls++
	return matcher.Slice(append([]matcher.Record(nil), s.records...))
}

func (s *stubRepository) Snapshot(ctx context.Context) ([]matcher.Record, error) {
	s.mu.Lock()
	s.snapshotCalls++
	call := s.snapshotCalls
	records := append([]matcher.Record(nil), s.records...)
	hook := s.afterSnapshot
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return records, nil
}

// FaceStats treats the record position as the face id.
func (s *stubRepository) FaceStats(ctx context.Context) (repository.FaceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsErr != nil {
		return repository.FaceStats{}, s.statsErr
	}
	n := int64(len(s.records))
	return repository.FaceStats{Count: n, MaxID: n}, nil
}

// appendExternal adds faces without going through the use case.
func (s *stubRepository) appendExternal(records ...matcher.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

func (s *stubRepository) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *stubRepository) AddFaces(ctx context.Context, personID int64, vectors [][]float32) ([]repository.FaceEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFacesCalls++
	faces := make([]repository.FaceEmbedding, 0, len(vectors))
	for _, v := range vectors {
		s.records = append(s.records, matcher.Record{Identity: personID, Vector: v})
		faces = append(faces, repository.FaceEmbedding{ID: int64(len(s.records)), PersonID: personID, Features: pgvector.NewVector(v)})
	}
	return faces, nil
}

func (s *stubRepository) CreatePerson(ctx context.Context, person *repository.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPersonID++
	person.ID = s.nextPersonID
	s.persons[person.ID] = person
	return nil
}

func (s *stubRepository) FindPerson(ctx context.Context, id int64) (*repository.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findPersonHits++
	if p, ok := s.persons[id]; ok {
		return p, nil
	}
	return nil, repository.ErrRecordNotFound
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.RecognitionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndOperator(ctx context.Context, requestID, operatorID string) (*repository.RecognitionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findLogCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil && s.findLog.RequestID == requestID && s.findLog.OperatorID == operatorID {
		return s.findLog, nil
	}
	return nil, repository.ErrRecordNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation == nil {
		return nil, errors.New("aggregation failed")
	}
	return s.aggregation, nil
}

type stubCache struct {
	mu sync.Mutex

	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type stubProcessor struct {
	faces []imageprocessor.DetectedFace
	err   error
}

func (s *stubProcessor) Detect(ctx context.Context, image []byte) ([]imageprocessor.DetectedFace, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.faces, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(repo RecognitionRepository, cache Cache, processor imageprocessor.Client, threshold float64, opts Options) *RecognitionUseCase {
	engine, err := matcher.New(threshold)
	if err != nil {
		panic(err)
	}
	uc := NewRecognitionUseCase(repo, cache, processor, engine, opts, zap.NewNop())
	uc.retryPolicy = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	return uc
}

func face(bbox imageprocessor.BoundingBox, embedding ...float32) imageprocessor.DetectedFace {
	return imageprocessor.DetectedFace{BBox: bbox, Embedding: embedding}
}
