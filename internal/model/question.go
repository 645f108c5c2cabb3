package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionType enumerates the supported question kinds. The type tag decides
// the shape of the stored answer: a single string for SINGLE_CHOICE,
// FILL_BLANK and SHORT_ANSWER, an ordered option list for MULTIPLE_CHOICE.
type QuestionType string

const (
	QuestionTypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeFillBlank      QuestionType = "FILL_BLANK"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
)

// Valid reports whether t is one of the four supported question types.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeSingleChoice, QuestionTypeMultipleChoice,
		QuestionTypeFillBlank, QuestionTypeShortAnswer:
		return true
	}
	return false
}

// Question represents a single exam question.
type Question struct {
	ID       uuid.UUID    `json:"id"`
	ExamID   uuid.UUID    `json:"exam_id"`
	Type     QuestionType `json:"type"`
	Prompt   string       `json:"prompt"`
	Options  []string     `json:"options,omitempty"`
	Points   float64      `json:"points"`
	OrderNum int          `json:"order_num"`
	// AnswerKey holds the correct answer in the same shape as a student
	// answer: a JSON string for single-value types, a JSON string array for
	// MULTIPLE_CHOICE. Empty for SHORT_ANSWER (manually graded).
	AnswerKey json.RawMessage `json:"answer_key,omitempty"`
}

// QuestionForStudent is a question stripped of its answer key, safe to send
// to exam takers.
type QuestionForStudent struct {
	ID       uuid.UUID    `json:"id"`
	Type     QuestionType `json:"type"`
	Prompt   string       `json:"prompt"`
	Options  []string     `json:"options,omitempty"`
	Points   float64      `json:"points"`
	OrderNum int          `json:"order_num"`
}

// ForStudent strips the answer key from a question.
func (q *Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Type:     q.Type,
		Prompt:   q.Prompt,
		Options:  q.Options,
		Points:   q.Points,
		OrderNum: q.OrderNum,
	}
}

// AddQuestionRequest is the payload for adding a question to an exam.
type AddQuestionRequest struct {
	Type      string          `json:"type" binding:"required,oneof=SINGLE_CHOICE MULTIPLE_CHOICE FILL_BLANK SHORT_ANSWER"`
	Prompt    string          `json:"prompt" binding:"required,min=1,max=4000"`
	Options   []string        `json:"options" binding:"omitempty,dive,min=1,max=500"`
	Points    float64         `json:"points" binding:"required,gt=0"`
	OrderNum  int             `json:"order_num" binding:"min=0"`
	AnswerKey json.RawMessage `json:"answer_key" binding:"omitempty"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing an exam's questions.
type ReplaceQuestionsRequest struct {
	Questions []AddQuestionRequest `json:"questions" binding:"dive"`
}
