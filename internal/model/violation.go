package model

import (
	"time"

	"github.com/google/uuid"
)

// Violation is a persisted anti-cheating event captured during an active
// exam session.
type Violation struct {
	ID         int64     `json:"id"`
	ExamID     uuid.UUID `json:"exam_id"`
	StudentID  int       `json:"student_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
