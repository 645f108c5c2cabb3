package session

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/sekolabs/examroom-backend/internal/model"
)

func TestKindForQuestionType(t *testing.T) {
	tests := []struct {
		qt   model.QuestionType
		want AnswerKind
	}{
		{model.QuestionTypeSingleChoice, AnswerSingle},
		{model.QuestionTypeMultipleChoice, AnswerMulti},
		{model.QuestionTypeFillBlank, AnswerSingle},
		{model.QuestionTypeShortAnswer, AnswerSingle},
	}
	for _, tt := range tests {
		if got := KindForQuestionType(tt.qt); got != tt.want {
			t.Errorf("KindForQuestionType(%s) = %s, want %s", tt.qt, got, tt.want)
		}
	}
}

func TestToggleOption(t *testing.T) {
	tests := []struct {
		name     string
		selected []string
		opt      string
		want     []string
	}{
		{"append to empty", nil, "A", []string{"A"}},
		{"append keeps order", []string{"C", "A"}, "B", []string{"C", "A", "B"}},
		{"remove first", []string{"A", "B"}, "A", []string{"B"}},
		{"remove middle", []string{"A", "B", "C"}, "B", []string{"A", "C"}},
		{"remove last leaves empty", []string{"A"}, "A", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toggleOption(tt.selected, tt.opt)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("toggleOption(%v, %q) = %v, want %v", tt.selected, tt.opt, got, tt.want)
			}
		})
	}
}

func TestToggleOptionDoesNotMutateInput(t *testing.T) {
	in := []string{"A", "B"}
	_ = toggleOption(in, "C")
	if !reflect.DeepEqual(in, []string{"A", "B"}) {
		t.Errorf("input mutated: %v", in)
	}
}

func TestAnswerMapCloneIsDeep(t *testing.T) {
	id := uuid.New()
	orig := AnswerMap{id: {Kind: AnswerMulti, Selected: []string{"A", "B"}}}

	clone := orig.Clone()
	clone[id].Selected[0] = "Z"

	if orig[id].Selected[0] != "A" {
		t.Error("clone shares backing array with original")
	}
}
