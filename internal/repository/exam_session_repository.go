package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sekolabs/examroom-backend/internal/model"
)

// ExamResult combines student identity with their session outcome for the
// proctor-facing results listing.
type ExamResult struct {
	StudentID        int                 `json:"student_id"`
	Username         string              `json:"username"`
	Name             string              `json:"name"`
	FinalScore       *float64            `json:"score"`
	Status           model.SessionStatus `json:"status"`
	ViolationCount   int                 `json:"violation_count"`
	TimeSpentSeconds *int                `json:"time_spent_seconds"`
	StartedAt        *time.Time          `json:"started_at"`
	FinishedAt       *time.Time          `json:"finished_at"`
}

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, exam_id, student_id, started_at, finished_at, status, final_score, time_spent_seconds, violation_count`

// GetByExamAndStudent retrieves a session for a specific exam-student combination.
func (r *ExamSessionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID,
	).Scan(&s.ID, &s.ExamID, &s.StudentID, &s.StartedAt, &s.FinishedAt, &s.Status,
		&s.FinalScore, &s.TimeSpentSeconds, &s.ViolationCount)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new exam session (student joins the exam). The conflict
// target makes concurrent joins from two devices resolve to a single row.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		s.ExamID, s.StudentID, model.SessionStatusInProgress,
	).Scan(&s.ID, &s.StartedAt)
}

// Complete marks a session finished with its score, elapsed time and final
// violation count.
func (r *ExamSessionRepository) Complete(ctx context.Context, examID uuid.UUID, studentID int, score float64, timeSpentSeconds, violationCount int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, final_score = $2, time_spent_seconds = $3,
		     violation_count = $4, finished_at = NOW()
		 WHERE exam_id = $5 AND student_id = $6`,
		model.SessionStatusCompleted, score, timeSpentSeconds, violationCount, examID, studentID)
	return err
}

// ListByStudent retrieves all sessions for a given student, newest first.
func (r *ExamSessionRepository) ListByStudent(ctx context.Context, studentID int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE student_id = $1
		 ORDER BY started_at DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		var s model.ExamSession
		if err := rows.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.StartedAt, &s.FinishedAt,
			&s.Status, &s.FinalScore, &s.TimeSpentSeconds, &s.ViolationCount); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListByExam retrieves paginated student results for one exam.
func (r *ExamSessionRepository) ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int) ([]ExamResult, int64, error) {
	offset := (page - 1) * perPage

	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions WHERE exam_id = $1`, examID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.username, s.name,
		        es.final_score, es.status, es.violation_count,
		        es.time_spent_seconds, es.started_at, es.finished_at
		 FROM exam_sessions es
		 JOIN students s ON es.student_id = s.id
		 WHERE es.exam_id = $1
		 ORDER BY s.name ASC
		 LIMIT $2 OFFSET $3`, examID, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []ExamResult
	for rows.Next() {
		var res ExamResult
		if err := rows.Scan(&res.StudentID, &res.Username, &res.Name,
			&res.FinalScore, &res.Status, &res.ViolationCount,
			&res.TimeSpentSeconds, &res.StartedAt, &res.FinishedAt); err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}
	return results, total, rows.Err()
}
