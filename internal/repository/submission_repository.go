package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubmissionRepository persists the finalized submission record handed over
// by the session engine on submit.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Insert stores one submission. answers is the JSON-encoded answer map; the
// unique (exam_id, student_id) constraint makes a duplicated handoff after a
// reported-failed-but-actually-persisted submit harmless.
func (r *SubmissionRepository) Insert(ctx context.Context, examID uuid.UUID, studentID int, examTitle string, answers []byte, submittedAt time.Time, timeSpentSeconds int, autoScore float64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO submissions (exam_id, student_id, exam_title, answers, submitted_at, time_spent_seconds, auto_score)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		 ON CONFLICT (exam_id, student_id) DO UPDATE
		 SET answers = EXCLUDED.answers,
		     submitted_at = EXCLUDED.submitted_at,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     auto_score = EXCLUDED.auto_score`,
		examID, studentID, examTitle, answers, submittedAt, timeSpentSeconds, autoScore)
	return err
}

// GetAnswers retrieves the stored answer map JSON for one submission.
func (r *SubmissionRepository) GetAnswers(ctx context.Context, examID uuid.UUID, studentID int) ([]byte, error) {
	var answers []byte
	err := r.pool.QueryRow(ctx,
		`SELECT answers FROM submissions WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	).Scan(&answers)
	if err != nil {
		return nil, err
	}
	return answers, nil
}
