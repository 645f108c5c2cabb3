package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/config"
	"github.com/sekolabs/examroom-backend/internal/model"
	"github.com/sekolabs/examroom-backend/internal/repository"
	"github.com/sekolabs/examroom-backend/internal/session"
)

var (
	ErrWrongEntryToken  = errors.New("entry token does not match")
	ErrSessionCompleted = errors.New("exam session already completed")
	ErrNoActiveSession  = errors.New("no active exam session")
)

// FeedEvent is one message on an exam's proctor Pub/Sub channel.
type FeedEvent struct {
	Type           string    `json:"type"` // "joined", "violation", "submitted"
	ExamID         uuid.UUID `json:"exam_id"`
	StudentID      int       `json:"student_id"`
	Kind           string    `json:"kind,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	ViolationCount int64     `json:"violation_count,omitempty"`
	Score          float64   `json:"score,omitempty"`
	At             time.Time `json:"at"`
}

// LobbyItem pairs a published exam with the student's session against it, if
// any.
type LobbyItem struct {
	Exam    model.Exam         `json:"exam"`
	Session *model.ExamSession `json:"session,omitempty"`
}

// SessionService bridges the in-memory session engine to Redis and
// PostgreSQL: joining, reload recovery, answer autosave, violation capture
// and final submission.
type SessionService struct {
	examService    *ExamService
	sessionRepo    *repository.ExamSessionRepository
	submissionRepo *repository.SubmissionRepository
	rdb            *redis.Client
	log            zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	examService *ExamService,
	sessionRepo *repository.ExamSessionRepository,
	submissionRepo *repository.SubmissionRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		examService:    examService,
		sessionRepo:    sessionRepo,
		submissionRepo: submissionRepo,
		rdb:            rdb,
		log:            log.With().Str("component", "session_service").Logger(),
	}
}

// GetLobby lists every published exam with the student's own session state
// attached. Entry tokens are stripped before the list leaves the service.
func (s *SessionService) GetLobby(ctx context.Context, studentID int) ([]LobbyItem, error) {
	exams, err := s.examService.examRepo.ListPublished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	sessions, err := s.sessionRepo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	byExam := make(map[uuid.UUID]*model.ExamSession, len(sessions))
	for i := range sessions {
		byExam[sessions[i].ExamID] = &sessions[i]
	}

	items := make([]LobbyItem, 0, len(exams))
	for _, exam := range exams {
		exam.EntryToken = ""
		items = append(items, LobbyItem{Exam: exam, Session: byExam[exam.ID]})
	}
	return items, nil
}

// JoinExam admits a student into a published exam. Joining is idempotent: a
// second join of an in-progress session resumes it without resetting the
// clock, a join after completion is rejected.
func (s *SessionService) JoinExam(ctx context.Context, exam *model.Exam, studentID int, entryToken string) (*model.ExamSession, error) {
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotPublished
	}
	if exam.EntryToken != "" && exam.EntryToken != entryToken {
		return nil, ErrWrongEntryToken
	}

	existing, err := s.sessionRepo.GetByExamAndStudent(ctx, exam.ID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if existing != nil {
		if existing.Status == model.SessionStatusCompleted {
			return nil, ErrSessionCompleted
		}
		if err := s.cacheSessionStart(ctx, exam.ID, studentID, existing.StartedAt); err != nil {
			s.log.Warn().Err(err).Msg("Recache session start failed")
		}
		return existing, nil
	}

	sess := &model.ExamSession{
		ExamID:    exam.ID,
		StudentID: studentID,
		Status:    model.SessionStatusInProgress,
	}
	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// Lost a concurrent join race; the other insert won, reuse its row.
		sess, err = s.sessionRepo.GetByExamAndStudent(ctx, exam.ID, studentID)
		if err != nil {
			return nil, fmt.Errorf("lookup session after race: %w", err)
		}
	}
	if err := s.cacheSessionStart(ctx, exam.ID, studentID, sess.StartedAt); err != nil {
		s.log.Warn().Err(err).Msg("Cache session start failed")
	}

	s.publishFeed(ctx, FeedEvent{
		Type:      "joined",
		ExamID:    exam.ID,
		StudentID: studentID,
		At:        sess.StartedAt,
	})
	return sess, nil
}

// VerifyActiveSession returns the student's in-progress session or
// ErrNoActiveSession / ErrSessionCompleted.
func (s *SessionService) VerifyActiveSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess.Status == model.SessionStatusCompleted {
		return nil, ErrSessionCompleted
	}
	return sess, nil
}

// RemainingSeconds derives the countdown for an in-progress session from the
// cached start timestamp, falling back to the session row and re-healing the
// cache on a miss. Never negative.
func (s *SessionService) RemainingSeconds(ctx context.Context, exam *model.Exam, studentID int) (int, error) {
	key := config.CacheKey.SessionStartKey(exam.ID.String(), studentID)
	var startedAt time.Time

	unix, err := s.rdb.Get(ctx, key).Int64()
	switch {
	case err == nil:
		startedAt = time.Unix(unix, 0)
	case errors.Is(err, redis.Nil):
		sess, err := s.VerifyActiveSession(ctx, exam.ID, studentID)
		if err != nil {
			return 0, err
		}
		startedAt = sess.StartedAt
		if err := s.cacheSessionStart(ctx, exam.ID, studentID, startedAt); err != nil {
			s.log.Warn().Err(err).Msg("Heal session start cache failed")
		}
	default:
		return 0, fmt.Errorf("get session start: %w", err)
	}

	elapsed := int(time.Since(startedAt).Seconds())
	remaining := exam.DurationMinutes*60 - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// GetExamState builds the reload-recovery snapshot: autosaved answers, the
// live violation counter and the remaining seconds.
func (s *SessionService) GetExamState(ctx context.Context, exam *model.Exam, studentID int) (*model.ExamSessionState, error) {
	remaining, err := s.RemainingSeconds(ctx, exam, studentID)
	if err != nil {
		return nil, err
	}

	id := exam.ID.String()
	saved, err := s.rdb.HGetAll(ctx, config.CacheKey.AutosavedAnswersKey(id, studentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get autosaved answers: %w", err)
	}
	violations, err := s.rdb.Get(ctx, config.CacheKey.ViolationCountKey(id, studentID)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get violation count: %w", err)
	}

	return &model.ExamSessionState{
		ExamID:           exam.ID,
		StudentID:        studentID,
		AutosavedAnswers: saved,
		RemainingSeconds: remaining,
		ViolationCount:   violations,
	}, nil
}

// AutosaveAnswer writes one answer value into the session's Redis hash so a
// reload or reconnect can restore it.
func (s *SessionService) AutosaveAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, value session.AnswerValue) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	key := config.CacheKey.AutosavedAnswersKey(examID.String(), studentID)
	if err := s.rdb.HSet(ctx, key, questionID.String(), encoded).Err(); err != nil {
		return fmt.Errorf("autosave answer: %w", err)
	}
	return nil
}

// GetAutosavedAnswers returns the raw autosave hash for one session.
func (s *SessionService) GetAutosavedAnswers(ctx context.Context, examID uuid.UUID, studentID int) (map[string]string, error) {
	key := config.CacheKey.AutosavedAnswersKey(examID.String(), studentID)
	saved, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get autosaved answers: %w", err)
	}
	return saved, nil
}

// DecodeAutosavedAnswers turns the Redis hash fields back into an AnswerMap.
// Fields that fail to parse are dropped; the engine re-validates the rest.
func DecodeAutosavedAnswers(saved map[string]string) session.AnswerMap {
	out := make(session.AnswerMap, len(saved))
	for field, raw := range saved {
		id, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		var val session.AnswerValue
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			continue
		}
		out[id] = val
	}
	return out
}

// RecordViolation bumps the live counter, enqueues the event for durable
// persistence and notifies the proctor feed. Returns the cumulative count.
func (s *SessionService) RecordViolation(ctx context.Context, examID uuid.UUID, studentID int, kind session.ViolationKind, detail string) (int64, error) {
	id := examID.String()
	count, err := s.rdb.Incr(ctx, config.CacheKey.ViolationCountKey(id, studentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr violation count: %w", err)
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(model.Violation{
		ExamID:     examID,
		StudentID:  studentID,
		Kind:       string(kind),
		Detail:     detail,
		RecordedAt: now,
	})
	if err != nil {
		return count, fmt.Errorf("encode violation: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		return count, fmt.Errorf("enqueue violation: %w", err)
	}

	s.publishFeed(ctx, FeedEvent{
		Type:           "violation",
		ExamID:         examID,
		StudentID:      studentID,
		Kind:           string(kind),
		Detail:         detail,
		ViolationCount: count,
		At:             now,
	})
	return count, nil
}

// SubmissionSink builds the session.Sink that finalizes one student's
// attempt: auto-score against the answer key, persist the submission,
// complete the session row with the cumulative violation count, drop the
// session's Redis state and notify the proctor feed. An error from any
// durable step surfaces to the engine, which returns the session to
// IN_PROGRESS for a retry. onScore, when non-nil, receives the final score
// after the durable steps succeed.
func (s *SessionService) SubmissionSink(studentID int, questions []model.QuestionForStudent, onScore func(float64)) session.Sink {
	return session.SinkFunc(func(ctx context.Context, rec session.SubmissionRecord) error {
		answerKey, err := s.examService.GetAnswerKey(ctx, rec.ExamID)
		if err != nil {
			return fmt.Errorf("load answer key: %w", err)
		}
		score := scoreAnswers(questions, answerKey, rec.Answers)

		answersJSON, err := json.Marshal(rec.Answers)
		if err != nil {
			return fmt.Errorf("encode answers: %w", err)
		}
		if err := s.submissionRepo.Insert(ctx, rec.ExamID, studentID, rec.ExamTitle, answersJSON, rec.SubmittedAt, rec.TimeSpentSeconds, score); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}

		id := rec.ExamID.String()
		violations, err := s.rdb.Get(ctx, config.CacheKey.ViolationCountKey(id, studentID)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Read violation count failed, completing with zero")
			violations = 0
		}
		if err := s.sessionRepo.Complete(ctx, rec.ExamID, studentID, score, rec.TimeSpentSeconds, violations); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}

		if err := s.rdb.Del(ctx,
			config.CacheKey.SessionStartKey(id, studentID),
			config.CacheKey.AutosavedAnswersKey(id, studentID),
			config.CacheKey.ViolationCountKey(id, studentID),
		).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Clear session cache failed")
		}

		s.publishFeed(ctx, FeedEvent{
			Type:      "submitted",
			ExamID:    rec.ExamID,
			StudentID: studentID,
			Score:     score,
			At:        rec.SubmittedAt,
		})

		s.log.Info().
			Str("exam_id", id).
			Int("student_id", studentID).
			Float64("score", score).
			Int("violations", violations).
			Msg("Submission finalized")

		if onScore != nil {
			onScore(score)
		}
		return nil
	})
}

// GetExamResults lists completed and running sessions for one exam.
func (s *SessionService) GetExamResults(ctx context.Context, examID uuid.UUID, page, perPage int) ([]repository.ExamResult, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}
	return s.sessionRepo.ListByExam(ctx, examID, page, perPage)
}

// ListStudentSessions returns all of one student's sessions, newest first.
func (s *SessionService) ListStudentSessions(ctx context.Context, studentID int) ([]model.ExamSession, error) {
	sessions, err := s.sessionRepo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []model.ExamSession{}
	}
	return sessions, nil
}

// GetSubmittedAnswers returns a student's stored submission payload.
func (s *SessionService) GetSubmittedAnswers(ctx context.Context, examID uuid.UUID, studentID int) ([]byte, error) {
	return s.submissionRepo.GetAnswers(ctx, examID, studentID)
}

func (s *SessionService) cacheSessionStart(ctx context.Context, examID uuid.UUID, studentID int, startedAt time.Time) error {
	key := config.CacheKey.SessionStartKey(examID.String(), studentID)
	return s.rdb.Set(ctx, key, startedAt.Unix(), 0).Err()
}

func (s *SessionService) publishFeed(ctx context.Context, ev FeedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := config.CacheKey.ProctorFeedChannel(ev.ExamID.String())
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("Publish feed event failed")
	}
}

// scoreAnswers grades the auto-gradable questions and scales to a 0-100
// score. SHORT_ANSWER questions and any question without an answer key are
// excluded from the scale. Free-text FILL_BLANK comparison ignores case and
// surrounding whitespace; choice comparison is exact, with MULTIPLE_CHOICE
// graded as set equality.
func scoreAnswers(questions []model.QuestionForStudent, answerKey map[string]json.RawMessage, answers session.AnswerMap) float64 {
	var total, earned float64
	for _, q := range questions {
		keyRaw, ok := answerKey[q.ID.String()]
		if !ok || len(keyRaw) == 0 {
			continue
		}
		total += q.Points

		ans, answered := answers[q.ID]
		if !answered {
			continue
		}

		switch session.KindForQuestionType(q.Type) {
		case session.AnswerSingle:
			var want string
			if err := json.Unmarshal(keyRaw, &want); err != nil {
				continue
			}
			got := ans.Text
			if q.Type == model.QuestionTypeFillBlank {
				want = strings.ToLower(strings.TrimSpace(want))
				got = strings.ToLower(strings.TrimSpace(got))
			}
			if got == want {
				earned += q.Points
			}
		case session.AnswerMulti:
			var want []string
			if err := json.Unmarshal(keyRaw, &want); err != nil {
				continue
			}
			if sameOptionSet(want, ans.Selected) {
				earned += q.Points
			}
		}
	}
	if total == 0 {
		return 0
	}
	return earned / total * 100
}

func sameOptionSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
