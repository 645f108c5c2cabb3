package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/config"
	"github.com/sekolabs/examroom-backend/internal/repository"
)

// ProctorFeedService serves the live monitoring view: a point-in-time
// snapshot of every session in an exam plus the Pub/Sub stream of feed
// events pushed to connected proctors.
type ProctorFeedService struct {
	sessionRepo   *repository.ExamSessionRepository
	violationRepo *repository.ViolationRepository
	rdb           *redis.Client
	log           zerolog.Logger
}

// NewProctorFeedService creates a new ProctorFeedService.
func NewProctorFeedService(
	sessionRepo *repository.ExamSessionRepository,
	violationRepo *repository.ViolationRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *ProctorFeedService {
	return &ProctorFeedService{
		sessionRepo:   sessionRepo,
		violationRepo: violationRepo,
		rdb:           rdb,
		log:           log.With().Str("component", "proctor_feed_service").Logger(),
	}
}

// ExamSnapshot holds the monitoring view of one exam at a point in time.
type ExamSnapshot struct {
	Results         []repository.ExamResult `json:"results"`
	ViolationCounts map[int]int64           `json:"violation_counts"` // student_id → persisted violations
	TotalViolations int64                   `json:"total_violations"`
}

// GetSnapshot returns the session list and per-student violation counts. The
// two fetches run concurrently; violation counts are best-effort since the
// live feed corrects them moments later.
func (s *ProctorFeedService) GetSnapshot(ctx context.Context, examID uuid.UUID) (*ExamSnapshot, error) {
	snapshot := &ExamSnapshot{
		ViolationCounts: make(map[int]int64),
	}

	var (
		results       []repository.ExamResult
		counts        map[int]int64
		resultsErr    error
		violationsErr error
		wg            sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results, _, resultsErr = s.sessionRepo.ListByExam(ctx, examID, 1, 500)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		counts, violationsErr = s.violationRepo.CountsByStudent(ctx, examID)
	}()

	wg.Wait()

	if resultsErr != nil {
		return nil, resultsErr
	}
	snapshot.Results = results
	if snapshot.Results == nil {
		snapshot.Results = []repository.ExamResult{}
	}

	if violationsErr == nil && counts != nil {
		snapshot.ViolationCounts = counts
		for _, count := range counts {
			snapshot.TotalViolations += count
		}
	}

	return snapshot, nil
}

// Subscribe opens the exam's feed channel. Messages are the JSON-encoded
// FeedEvent values published by SessionService. The caller owns the
// subscription and must Close it when the proctor disconnects.
func (s *ProctorFeedService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.ProctorFeedChannel(examID.String()))
}
