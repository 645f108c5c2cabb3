package session

import (
	"github.com/google/uuid"

	"github.com/sekolabs/examroom-backend/internal/model"
)

// AnswerKind tags the shape of an answer value. The kind is derived from the
// question type: MULTIPLE_CHOICE answers are ordered option lists, everything
// else is a single string.
type AnswerKind string

const (
	AnswerSingle AnswerKind = "single"
	AnswerMulti  AnswerKind = "multi"
)

// KindForQuestionType maps a question type to its answer shape.
func KindForQuestionType(t model.QuestionType) AnswerKind {
	if t == model.QuestionTypeMultipleChoice {
		return AnswerMulti
	}
	return AnswerSingle
}

// AnswerValue holds a student's response to one question. Exactly one of
// Text/Selected is meaningful, decided by Kind.
type AnswerValue struct {
	Kind     AnswerKind `json:"kind"`
	Text     string     `json:"text,omitempty"`
	Selected []string   `json:"selected,omitempty"`
}

// AnswerMap accumulates responses keyed by question ID. It is mutated only by
// the engine's edit operations and cleared on every session start.
type AnswerMap map[uuid.UUID]AnswerValue

// Clone returns a deep copy safe to hand outside the engine.
func (m AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(m))
	for id, v := range m {
		if v.Selected != nil {
			selected := make([]string, len(v.Selected))
			copy(selected, v.Selected)
			v.Selected = selected
		}
		out[id] = v
	}
	return out
}

// toggleOption returns the selection list with opt appended if absent or
// filtered out if present. Order of the remaining entries is preserved.
func toggleOption(selected []string, opt string) []string {
	for i, s := range selected {
		if s == opt {
			out := make([]string, 0, len(selected)-1)
			out = append(out, selected[:i]...)
			return append(out, selected[i+1:]...)
		}
	}
	out := make([]string, len(selected), len(selected)+1)
	copy(out, selected)
	return append(out, opt)
}
