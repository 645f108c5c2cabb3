package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/config"
	"github.com/sekolabs/examroom-backend/internal/model"
	"github.com/sekolabs/examroom-backend/internal/repository"
	"github.com/sekolabs/examroom-backend/internal/response"
)

// Domain Errors
var (
	ErrNotExamAuthor    = errors.New("not the author of this exam")
	ErrNoQuestions      = errors.New("exam has no questions, cannot publish")
	ErrExamNotDraft     = errors.New("exam status is not DRAFT")
	ErrExamNotPublished = errors.New("exam status is not PUBLISHED")
)

// ExamService handles exam authoring, publication and the Redis paper cache.
type ExamService struct {
	examRepo     *repository.ExamRepository
	questionRepo *repository.QuestionRepository
	rdb          *redis.Client
	log          zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	examRepo *repository.ExamRepository,
	questionRepo *repository.QuestionRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamService {
	return &ExamService{
		examRepo:     examRepo,
		questionRepo: questionRepo,
		rdb:          rdb,
		log:          log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// Create inserts a new draft exam.
func (s *ExamService) Create(ctx context.Context, exam *model.Exam) error {
	return s.examRepo.Create(ctx, exam)
}

// Update persists changes to an exam owned by authorID.
func (s *ExamService) Update(ctx context.Context, authorID int, exam *model.Exam) error {
	existing, err := s.examRepo.GetByID(ctx, exam.ID)
	if err != nil {
		return err
	}
	if existing.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	return s.examRepo.Update(ctx, exam)
}

// Delete removes an exam owned by authorID.
func (s *ExamService) Delete(ctx context.Context, id uuid.UUID, authorID int) error {
	existing, err := s.examRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	return s.examRepo.Delete(ctx, id)
}

// ListByAuthor retrieves an author's exams with pagination.
func (s *ExamService) ListByAuthor(ctx context.Context, authorID, page, perPage int) ([]model.Exam, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}

	exams, total, err := s.examRepo.ListByAuthorPaginated(ctx, authorID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	if exams == nil {
		exams = []model.Exam{}
	}

	return exams, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

// ReplaceQuestions swaps an exam's question set. Only DRAFT exams are
// editable; published papers are immutable for running sessions.
func (s *ExamService) ReplaceQuestions(ctx context.Context, examID uuid.UUID, authorID int, questions []model.Question) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}
	return s.questionRepo.ReplaceForExam(ctx, examID, questions)
}

// ListQuestions retrieves an exam's full questions (answer keys included) for
// its author.
func (s *ExamService) ListQuestions(ctx context.Context, examID uuid.UUID, authorID int) ([]model.Question, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.AuthorID != authorID {
		return nil, ErrNotExamAuthor
	}
	return s.questionRepo.ListByExam(ctx, examID)
}

// Publish moves a DRAFT exam to PUBLISHED and warms the Redis caches so exam
// start never races a cold cache.
func (s *ExamService) Publish(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}

	questions, err := s.questionRepo.ListByExam(ctx, examID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusPublished); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	exam.Status = model.ExamStatusPublished

	if err := s.warmCache(ctx, exam, questions); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	return nil
}

// PrewarmAllCaches loads every published exam into Redis. Called before the
// server accepts traffic to avoid thundering-herd lazy loads.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published: %w", err)
	}

	for i := range exams {
		exam := &exams[i]
		questions, err := s.questionRepo.ListByExam(ctx, exam.ID)
		if err != nil {
			s.log.Error().Err(err).Str("exam_id", exam.ID.String()).Msg("Prewarm: load questions failed")
			continue
		}
		if err := s.warmCache(ctx, exam, questions); err != nil {
			s.log.Error().Err(err).Str("exam_id", exam.ID.String()).Msg("Prewarm: warm failed")
			continue
		}
	}

	s.log.Info().Int("exams", len(exams)).Msg("Exam caches prewarmed")
	return nil
}

// warmCache writes the student paper, duration and answer key to Redis.
// Cached entries have no TTL; republish or restart refreshes them.
func (s *ExamService) warmCache(ctx context.Context, exam *model.Exam, questions []model.Question) error {
	payload := model.ExamPayload{
		ExamID:    exam.ID,
		Title:     exam.Title,
		Duration:  exam.DurationMinutes,
		Questions: make([]model.QuestionForStudent, 0, len(questions)),
	}
	answerKey := make(map[string]json.RawMessage, len(questions))
	for i := range questions {
		payload.Questions = append(payload.Questions, questions[i].ForStudent())
		if len(questions[i].AnswerKey) > 0 {
			answerKey[questions[i].ID.String()] = questions[i].AnswerKey
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	keyJSON, err := json.Marshal(answerKey)
	if err != nil {
		return fmt.Errorf("encode answer key: %w", err)
	}

	id := exam.ID.String()
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.ExamPayloadKey(id), payloadJSON, 0)
	pipe.Set(ctx, config.CacheKey.ExamDurationKey(id), exam.DurationMinutes, 0)
	pipe.Set(ctx, config.CacheKey.ExamAnswerKeyKey(id), keyJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// GetExamPayload returns the student-facing paper from Redis.
func (s *ExamService) GetExamPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(examID.String())).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExamNotPublished
		}
		return nil, fmt.Errorf("get payload: %w", err)
	}

	var payload model.ExamPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &payload, nil
}

// GetAnswerKey returns the per-question answer key, cache first with a
// self-healing PostgreSQL fallback.
func (s *ExamService) GetAnswerKey(ctx context.Context, examID uuid.UUID) (map[string]json.RawMessage, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamAnswerKeyKey(examID.String())).Result()
	if err == nil {
		key := make(map[string]json.RawMessage)
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return nil, fmt.Errorf("decode answer key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get answer key: %w", err)
	}

	// Cache miss: rebuild from the source of truth and put it back.
	questions, err := s.questionRepo.ListByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	key := make(map[string]json.RawMessage, len(questions))
	for i := range questions {
		if len(questions[i].AnswerKey) > 0 {
			key[questions[i].ID.String()] = questions[i].AnswerKey
		}
	}
	if keyJSON, err := json.Marshal(key); err == nil {
		_ = s.rdb.Set(ctx, config.CacheKey.ExamAnswerKeyKey(examID.String()), keyJSON, 0)
	}
	return key, nil
}

