package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates persisted exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
)

// ExamSession represents a student's exam attempt as stored in PostgreSQL.
// The live lifecycle (cursor, countdown, violation counter) is owned by the
// in-memory session engine; this row records the durable facts.
type ExamSession struct {
	ID               uuid.UUID     `json:"id"`
	ExamID           uuid.UUID     `json:"exam_id"`
	StudentID        int           `json:"student_id"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	Status           SessionStatus `json:"status"`
	FinalScore       *float64      `json:"final_score,omitempty"`
	TimeSpentSeconds *int          `json:"time_spent_seconds,omitempty"`
	ViolationCount   int           `json:"violation_count"`
}

// JoinExamRequest is the payload for a student joining an exam.
type JoinExamRequest struct {
	EntryToken string `json:"entry_token" binding:"required,min=4,max=20"`
}

// ExamSessionState is the reload-recovery snapshot returned to a student who
// reopens an in-progress exam: autosaved answers plus remaining seconds
// derived from the cached session start.
type ExamSessionState struct {
	ExamID           uuid.UUID         `json:"exam_id"`
	StudentID        int               `json:"student_id"`
	AutosavedAnswers map[string]string `json:"autosaved_answers"`
	RemainingSeconds int               `json:"remaining_seconds"`
	ViolationCount   int               `json:"violation_count"`
}
