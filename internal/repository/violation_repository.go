package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sekolabs/examroom-backend/internal/model"
)

// ViolationRepository reads persisted anti-cheating events for proctor views.
// Writes go through the violation worker's batched path, not this type.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// CountsByStudent returns violation totals per student for one exam.
func (r *ViolationRepository) CountsByStudent(ctx context.Context, examID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, COUNT(*)
		 FROM violations
		 WHERE exam_id = $1
		 GROUP BY student_id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var studentID int
		var count int64
		if err := rows.Scan(&studentID, &count); err != nil {
			return nil, err
		}
		counts[studentID] = count
	}
	return counts, rows.Err()
}

// ListRecent returns the latest persisted violations for one exam.
func (r *ViolationRepository) ListRecent(ctx context.Context, examID uuid.UUID, limit int) ([]model.Violation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, kind, detail, recorded_at
		 FROM violations
		 WHERE exam_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2`, examID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []model.Violation
	for rows.Next() {
		var v model.Violation
		if err := rows.Scan(&v.ID, &v.ExamID, &v.StudentID, &v.Kind, &v.Detail, &v.RecordedAt); err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}
