package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/config"
	"github.com/sekolabs/examroom-backend/internal/model"
	"github.com/sekolabs/examroom-backend/internal/session"
)

// newRedisTestService wires a SessionService against an embedded Redis. The
// SQL repositories stay nil; tests touching them belong in the e2e suite.
func newRedisTestService(t *testing.T) (*SessionService, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSessionService(nil, nil, nil, rdb, zerolog.Nop()), rdb
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestScoreAnswers(t *testing.T) {
	single := uuid.New()
	multi := uuid.New()
	blank := uuid.New()
	short := uuid.New()

	questions := []model.QuestionForStudent{
		{ID: single, Type: model.QuestionTypeSingleChoice, Options: []string{"A", "B"}, Points: 10},
		{ID: multi, Type: model.QuestionTypeMultipleChoice, Options: []string{"A", "B", "C"}, Points: 20},
		{ID: blank, Type: model.QuestionTypeFillBlank, Points: 10},
		{ID: short, Type: model.QuestionTypeShortAnswer, Points: 50}, // never keyed
	}
	key := map[string]json.RawMessage{
		single.String(): mustRaw(t, "B"),
		multi.String():  mustRaw(t, []string{"A", "C"}),
		blank.String():  mustRaw(t, "Paris"),
	}

	tests := []struct {
		name    string
		answers session.AnswerMap
		want    float64
	}{
		{
			name: "all correct",
			answers: session.AnswerMap{
				single: {Kind: session.AnswerSingle, Text: "B"},
				multi:  {Kind: session.AnswerMulti, Selected: []string{"C", "A"}},
				blank:  {Kind: session.AnswerSingle, Text: "  paris "},
			},
			want: 100,
		},
		{
			name: "partial credit by points",
			answers: session.AnswerMap{
				single: {Kind: session.AnswerSingle, Text: "A"},
				multi:  {Kind: session.AnswerMulti, Selected: []string{"A", "C"}},
			},
			want: 50,
		},
		{
			name: "multi choice is set equality, not subset",
			answers: session.AnswerMap{
				multi: {Kind: session.AnswerMulti, Selected: []string{"A"}},
			},
			want: 0,
		},
		{
			name: "short answer never affects the scale",
			answers: session.AnswerMap{
				single: {Kind: session.AnswerSingle, Text: "B"},
				multi:  {Kind: session.AnswerMulti, Selected: []string{"A", "C"}},
				blank:  {Kind: session.AnswerSingle, Text: "Paris"},
				short:  {Kind: session.AnswerSingle, Text: "long essay"},
			},
			want: 100,
		},
		{
			name:    "nothing answered",
			answers: session.AnswerMap{},
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreAnswers(questions, key, tt.answers)
			if got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreAnswersEmptyKeyScoresZero(t *testing.T) {
	q := uuid.New()
	questions := []model.QuestionForStudent{
		{ID: q, Type: model.QuestionTypeShortAnswer, Points: 100},
	}
	answers := session.AnswerMap{q: {Kind: session.AnswerSingle, Text: "anything"}}
	if got := scoreAnswers(questions, map[string]json.RawMessage{}, answers); got != 0 {
		t.Errorf("score = %v, want 0", got)
	}
}

func TestDecodeAutosavedAnswers(t *testing.T) {
	q1 := uuid.New()
	q2 := uuid.New()
	saved := map[string]string{
		q1.String():  `{"kind":"single","text":"B"}`,
		q2.String():  `{"kind":"multi","selected":["A","C"]}`,
		"not-a-uuid": `{"kind":"single","text":"X"}`,
		uuid.NewString(): `{broken json`,
	}

	got := DecodeAutosavedAnswers(saved)
	if len(got) != 2 {
		t.Fatalf("decoded = %d entries, want 2: %v", len(got), got)
	}
	if got[q1].Kind != session.AnswerSingle || got[q1].Text != "B" {
		t.Errorf("q1 = %+v, want single B", got[q1])
	}
	if got[q2].Kind != session.AnswerMulti || len(got[q2].Selected) != 2 {
		t.Errorf("q2 = %+v, want multi [A C]", got[q2])
	}
}

func TestAutosaveAnswerRoundTrip(t *testing.T) {
	svc, _ := newRedisTestService(t)
	ctx := context.Background()
	examID := uuid.New()
	questionID := uuid.New()

	val := session.AnswerValue{Kind: session.AnswerMulti, Selected: []string{"B", "C"}}
	if err := svc.AutosaveAnswer(ctx, examID, 7, questionID, val); err != nil {
		t.Fatalf("autosave: %v", err)
	}

	saved, err := svc.GetAutosavedAnswers(ctx, examID, 7)
	if err != nil {
		t.Fatalf("get autosaved: %v", err)
	}
	decoded := DecodeAutosavedAnswers(saved)
	got, ok := decoded[questionID]
	if !ok {
		t.Fatalf("question missing from decoded map: %v", decoded)
	}
	if got.Kind != session.AnswerMulti || len(got.Selected) != 2 || got.Selected[0] != "B" {
		t.Errorf("decoded = %+v, want %+v", got, val)
	}
}

func TestRecordViolationCountsAndQueues(t *testing.T) {
	svc, rdb := newRedisTestService(t)
	ctx := context.Background()
	examID := uuid.New()

	count, err := svc.RecordViolation(ctx, examID, 3, session.ViolationVisibility, "tab hidden")
	if err != nil {
		t.Fatalf("record violation: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	count, err = svc.RecordViolation(ctx, examID, 3, session.ViolationShortcut, "ctrl+c")
	if err != nil {
		t.Fatalf("record violation: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// Both events must be queued for the persistence worker, oldest first.
	items, err := rdb.LRange(ctx, config.WorkerKey.PersistViolationsQueue, 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("queue length = %d, want 2", len(items))
	}
	var v model.Violation
	if err := json.Unmarshal([]byte(items[0]), &v); err != nil {
		t.Fatalf("unmarshal queued violation: %v", err)
	}
	if v.ExamID != examID || v.StudentID != 3 || v.Kind != string(session.ViolationVisibility) {
		t.Errorf("queued violation = %+v", v)
	}
}

func TestRemainingSecondsFromCachedStart(t *testing.T) {
	svc, rdb := newRedisTestService(t)
	ctx := context.Background()
	exam := &model.Exam{ID: uuid.New(), DurationMinutes: 2}

	startedAt := time.Now().Add(-30 * time.Second)
	key := config.CacheKey.SessionStartKey(exam.ID.String(), 5)
	if err := rdb.Set(ctx, key, startedAt.Unix(), 0).Err(); err != nil {
		t.Fatalf("seed start: %v", err)
	}

	got, err := svc.RemainingSeconds(ctx, exam, 5)
	if err != nil {
		t.Fatalf("remaining seconds: %v", err)
	}
	if got < 88 || got > 90 {
		t.Errorf("remaining = %d, want about 90", got)
	}
}

func TestRemainingSecondsClampsAtZero(t *testing.T) {
	svc, rdb := newRedisTestService(t)
	ctx := context.Background()
	exam := &model.Exam{ID: uuid.New(), DurationMinutes: 1}

	startedAt := time.Now().Add(-time.Hour)
	key := config.CacheKey.SessionStartKey(exam.ID.String(), 5)
	if err := rdb.Set(ctx, key, startedAt.Unix(), 0).Err(); err != nil {
		t.Fatalf("seed start: %v", err)
	}

	got, err := svc.RemainingSeconds(ctx, exam, 5)
	if err != nil {
		t.Fatalf("remaining seconds: %v", err)
	}
	if got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}

func TestGetExamStateAssemblesSnapshot(t *testing.T) {
	svc, rdb := newRedisTestService(t)
	ctx := context.Background()
	exam := &model.Exam{ID: uuid.New(), DurationMinutes: 10}
	id := exam.ID.String()
	questionID := uuid.NewString()

	if err := rdb.Set(ctx, config.CacheKey.SessionStartKey(id, 9), time.Now().Unix(), 0).Err(); err != nil {
		t.Fatalf("seed start: %v", err)
	}
	if err := rdb.HSet(ctx, config.CacheKey.AutosavedAnswersKey(id, 9), questionID, `{"kind":"single","text":"A"}`).Err(); err != nil {
		t.Fatalf("seed autosave: %v", err)
	}
	if err := rdb.Set(ctx, config.CacheKey.ViolationCountKey(id, 9), 4, 0).Err(); err != nil {
		t.Fatalf("seed violations: %v", err)
	}

	state, err := svc.GetExamState(ctx, exam, 9)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ViolationCount != 4 {
		t.Errorf("violations = %d, want 4", state.ViolationCount)
	}
	if len(state.AutosavedAnswers) != 1 {
		t.Errorf("autosaved = %d entries, want 1", len(state.AutosavedAnswers))
	}
	if state.RemainingSeconds <= 0 || state.RemainingSeconds > 600 {
		t.Errorf("remaining = %d, out of range", state.RemainingSeconds)
	}
}

func TestGetExamStateNoViolationsIsZero(t *testing.T) {
	svc, rdb := newRedisTestService(t)
	ctx := context.Background()
	exam := &model.Exam{ID: uuid.New(), DurationMinutes: 10}

	if err := rdb.Set(ctx, config.CacheKey.SessionStartKey(exam.ID.String(), 9), time.Now().Unix(), 0).Err(); err != nil {
		t.Fatalf("seed start: %v", err)
	}

	state, err := svc.GetExamState(ctx, exam, 9)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ViolationCount != 0 {
		t.Errorf("violations = %d, want 0", state.ViolationCount)
	}
	if len(state.AutosavedAnswers) != 0 {
		t.Errorf("autosaved = %d entries, want 0", len(state.AutosavedAnswers))
	}
}
