package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sekolabs/examroom-backend/internal/model"
)

// manualClock never fires its tickers; tests drive the countdown with
// explicit Tick calls.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) NewTicker(time.Duration) Ticker { return &manualTicker{} }

type manualTicker struct{}

func (manualTicker) C() <-chan time.Time { return nil }
func (manualTicker) Stop()               {}

// recordingSink captures submissions and answers with a configurable error.
type recordingSink struct {
	mu      sync.Mutex
	records []SubmissionRecord
	err     error
}

func (s *recordingSink) Submit(_ context.Context, rec SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *recordingSink) last() SubmissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

var (
	q1 = uuid.New()
	q2 = uuid.New()
	q3 = uuid.New()
)

func testQuestions() []model.QuestionForStudent {
	return []model.QuestionForStudent{
		{ID: q1, Type: model.QuestionTypeSingleChoice, Prompt: "Q1", Options: []string{"A", "B", "C", "D"}, Points: 10, OrderNum: 0},
		{ID: q2, Type: model.QuestionTypeSingleChoice, Prompt: "Q2", Options: []string{"A", "B", "C", "D"}, Points: 10, OrderNum: 1},
		{ID: q3, Type: model.QuestionTypeMultipleChoice, Prompt: "Q3", Options: []string{"A", "B", "C"}, Points: 20, OrderNum: 2},
	}
}

func newTestEngine(t *testing.T, sink Sink) *Engine {
	t.Helper()
	exam := Exam{ID: uuid.New(), Title: "Unit Exam", DurationMinutes: 1}
	return New(exam, testQuestions(), sink, WithClock(&manualClock{now: time.Now()}))
}

// waitEvent drains the event channel until kind arrives or the deadline hits.
func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestStartResetsState(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, sink)

	if got := e.Snapshot().Phase; got != PhaseNotStarted {
		t.Fatalf("fresh engine phase = %s, want %s", got, PhaseNotStarted)
	}

	e.Start()
	snap := e.Snapshot()
	if snap.Phase != PhaseInProgress {
		t.Errorf("phase = %s, want %s", snap.Phase, PhaseInProgress)
	}
	if snap.SecondsRemaining != 60 {
		t.Errorf("seconds remaining = %d, want 60", snap.SecondsRemaining)
	}
	if snap.Cursor != 0 || snap.ViolationCount != 0 || len(snap.Answers) != 0 {
		t.Errorf("start did not reset: cursor=%d violations=%d answers=%d",
			snap.Cursor, snap.ViolationCount, len(snap.Answers))
	}
	if !snap.Focused {
		t.Error("fresh session should be focused")
	}
}

func TestStartIsGuardedWhileActive(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()
	e.EditAnswer(q1, "B")
	e.Tick()

	// Starting again mid-session must be a no-op, not a reset.
	e.Start()
	snap := e.Snapshot()
	if snap.SecondsRemaining != 59 {
		t.Errorf("seconds remaining = %d, want 59", snap.SecondsRemaining)
	}
	if len(snap.Answers) != 1 {
		t.Errorf("answers = %d, want 1", len(snap.Answers))
	}
}

func TestRestartAfterCloseResets(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, sink)
	e.Start()
	e.EditAnswer(q1, "C")
	e.ReportViolation(ViolationShortcut)
	e.Next()
	e.Submit()
	waitEvent(t, e, EventSubmitted)

	e.Start()
	snap := e.Snapshot()
	if snap.SecondsRemaining != 60 || snap.ViolationCount != 0 || snap.Cursor != 0 || len(snap.Answers) != 0 {
		t.Errorf("restart left state behind: %+v", snap)
	}
}

func TestCursorClamping(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	moves := []struct {
		op   func()
		want int
	}{
		{e.Previous, 0}, // below zero: no-op
		{e.Next, 1},
		{e.Next, 2},
		{e.Next, 2}, // past last index: no-op
		{e.Next, 2},
		{e.Previous, 1},
		{e.Previous, 0},
		{e.Previous, 0},
	}
	for i, m := range moves {
		m.op()
		if got := e.Snapshot().Cursor; got != m.want {
			t.Fatalf("move %d: cursor = %d, want %d", i, got, m.want)
		}
	}
}

func TestEditAnswerLastWriteWins(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	e.EditAnswer(q1, "A")
	e.EditAnswer(q1, "B")
	if got := e.Snapshot().Answers[q1]; got.Text != "B" {
		t.Errorf("answer = %q, want B", got.Text)
	}
}

func TestEditAnswerIgnoresUnknownQuestion(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	e.EditAnswer(uuid.New(), "A")
	if got := len(e.Snapshot().Answers); got != 0 {
		t.Errorf("answers = %d, want 0", got)
	}
}

func TestEditAnswerRejectsOptionOutsideList(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	e.EditAnswer(q1, "Z")
	if got := len(e.Snapshot().Answers); got != 0 {
		t.Errorf("answers = %d, want 0", got)
	}
}

func TestToggleOptionSetSemantics(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	// Toggle A, toggle B, toggle A again: only B stays selected.
	e.ToggleOption(q3, "A")
	e.ToggleOption(q3, "B")
	e.ToggleOption(q3, "A")

	got := e.Snapshot().Answers[q3]
	if got.Kind != AnswerMulti {
		t.Fatalf("kind = %s, want %s", got.Kind, AnswerMulti)
	}
	if len(got.Selected) != 1 || got.Selected[0] != "B" {
		t.Errorf("selected = %v, want [B]", got.Selected)
	}
}

func TestToggleOptionOrderStable(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	e.ToggleOption(q3, "C")
	e.ToggleOption(q3, "A")
	e.ToggleOption(q3, "B")

	got := e.Snapshot().Answers[q3].Selected
	want := []string{"C", "A", "B"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selected = %v, want %v", got, want)
		}
	}
}

func TestToggleOptionIgnoresSingleChoiceAndUnknownOption(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	e.ToggleOption(q1, "A") // wrong question type
	e.ToggleOption(q3, "Z") // option not offered
	if got := len(e.Snapshot().Answers); got != 0 {
		t.Errorf("answers = %d, want 0", got)
	}
}

func TestCountdownNeverNegative(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, sink)
	e.Start()

	for i := 0; i < 120; i++ {
		e.Tick()
	}
	waitEvent(t, e, EventSubmitted)
	if got := e.Snapshot().SecondsRemaining; got != 0 {
		t.Errorf("seconds remaining = %d, want 0", got)
	}
	if got := sink.calls(); got != 1 {
		t.Errorf("sink calls = %d, want exactly 1", got)
	}
}

func TestAutoSubmitScenario(t *testing.T) {
	// 1-minute exam: answer q1=B, advance, answer q2=D, let the timer
	// expire.
	sink := &recordingSink{}
	e := newTestEngine(t, sink)
	e.Start()

	e.EditAnswer(q1, "B")
	e.Next()
	e.EditAnswer(q2, "D")

	for i := 0; i < 60; i++ {
		e.Tick()
	}
	waitEvent(t, e, EventSubmitted)

	if got := sink.calls(); got != 1 {
		t.Fatalf("sink calls = %d, want 1", got)
	}
	rec := sink.last()
	if rec.TimeSpentSeconds != 60 {
		t.Errorf("time spent = %d, want 60", rec.TimeSpentSeconds)
	}
	if rec.Answers[q1].Text != "B" || rec.Answers[q2].Text != "D" {
		t.Errorf("answers = %v, want q1=B q2=D", rec.Answers)
	}
	if got := e.Snapshot().Phase; got != PhaseClosed {
		t.Errorf("phase = %s, want %s", got, PhaseClosed)
	}
}

func TestDoubleSubmitIssuesOneSinkCall(t *testing.T) {
	block := make(chan struct{})
	var calls int
	var mu sync.Mutex
	sink := SinkFunc(func(ctx context.Context, rec SubmissionRecord) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
		return nil
	})

	e := newTestEngine(t, sink)
	e.Start()
	e.Submit()
	e.Submit() // double-click: already SUBMITTING, must be ignored
	e.Submit()
	close(block)
	waitEvent(t, e, EventSubmitted)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("sink calls = %d, want 1", calls)
	}
}

func TestSubmitIgnoredBeforeStart(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, sink)
	e.Submit()
	time.Sleep(20 * time.Millisecond)
	if got := sink.calls(); got != 0 {
		t.Errorf("sink calls = %d, want 0", got)
	}
	if got := e.Snapshot().Phase; got != PhaseNotStarted {
		t.Errorf("phase = %s, want %s", got, PhaseNotStarted)
	}
}

func TestSubmitFailureIsRecoverable(t *testing.T) {
	sink := &recordingSink{err: errors.New("backend down")}
	e := newTestEngine(t, sink)
	e.Start()
	e.EditAnswer(q1, "A")

	e.Submit()
	ev := waitEvent(t, e, EventSubmitFailed)
	if ev.Err == nil {
		t.Error("submit_failed event should carry the error")
	}

	snap := e.Snapshot()
	if snap.Phase != PhaseInProgress {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseInProgress)
	}
	if snap.Answers[q1].Text != "A" {
		t.Error("answers must be untouched after a failed submit")
	}

	// Retry with the collaborator healthy succeeds with the same data.
	sink.setErr(nil)
	e.Submit()
	waitEvent(t, e, EventSubmitted)
	if got := sink.calls(); got != 2 {
		t.Fatalf("sink calls = %d, want 2", got)
	}
	if sink.last().Answers[q1].Text != "A" {
		t.Error("retried submission lost the answer map")
	}
}

func TestSubmitTimeout(t *testing.T) {
	sink := SinkFunc(func(ctx context.Context, rec SubmissionRecord) error {
		<-ctx.Done() // hang until the engine's deadline fires
		return ctx.Err()
	})
	exam := Exam{ID: uuid.New(), Title: "Unit Exam", DurationMinutes: 1}
	e := New(exam, testQuestions(), sink,
		WithClock(&manualClock{now: time.Now()}),
		WithSubmitTimeout(30*time.Millisecond))

	e.Start()
	e.Submit()
	waitEvent(t, e, EventSubmitFailed)
	if got := e.Snapshot().Phase; got != PhaseInProgress {
		t.Errorf("phase after timeout = %s, want %s", got, PhaseInProgress)
	}
}

func TestViolationScenario(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	// Two visibility losses plus one forbidden shortcut.
	if !e.ReportViolation(ViolationVisibility) {
		t.Fatal("first visibility loss not counted")
	}
	e.ReportFocusRestored()
	e.ReportViolation(ViolationVisibility)
	e.ReportViolation(ViolationShortcut)

	snap := e.Snapshot()
	if snap.ViolationCount != 3 {
		t.Errorf("violation count = %d, want 3", snap.ViolationCount)
	}
	if snap.Focused {
		t.Error("focus flag should be false after the second loss")
	}

	e.ReportFocusRestored()
	if !e.Snapshot().Focused {
		t.Error("focus flag should be true after restore")
	}
	if got := e.Snapshot().ViolationCount; got != 3 {
		t.Errorf("focus restore must not count: got %d, want 3", got)
	}
}

func TestAllViolationKindsCount(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	kinds := []ViolationKind{
		ViolationVisibility,
		ViolationNavigation,
		ViolationShortcut,
		ViolationContextMenu,
	}
	for _, k := range kinds {
		if !e.ReportViolation(k) {
			t.Errorf("kind %s not counted", k)
		}
	}
	if got := e.Snapshot().ViolationCount; got != len(kinds) {
		t.Errorf("violation count = %d, want %d", got, len(kinds))
	}

	if e.ReportViolation(ViolationKind("telepathy")) {
		t.Error("unknown kind must not count")
	}
}

func TestViolationsIgnoredOutsideInProgress(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	if e.ReportViolation(ViolationShortcut) {
		t.Error("violation before start must not count")
	}

	e.Start()
	e.Submit()
	waitEvent(t, e, EventSubmitted)
	if e.ReportViolation(ViolationShortcut) {
		t.Error("violation after close must not count")
	}
}

func TestCloseStopsTicks(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()
	e.Close()

	before := e.Snapshot().SecondsRemaining
	e.Tick() // stale callback after teardown must be inert
	if got := e.Snapshot().SecondsRemaining; got != before {
		t.Errorf("tick after close mutated countdown: %d then %d", before, got)
	}
	if got := e.Snapshot().Phase; got != PhaseClosed {
		t.Errorf("phase = %s, want %s", got, PhaseClosed)
	}
}

func TestCloseDropsInFlightSubmitOutcome(t *testing.T) {
	block := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, rec SubmissionRecord) error {
		<-block
		return nil
	})
	e := newTestEngine(t, sink)
	e.Start()
	e.Submit()
	e.Close()
	close(block)

	time.Sleep(20 * time.Millisecond)
	if got := e.Snapshot().Phase; got != PhaseClosed {
		t.Errorf("phase = %s, want %s", got, PhaseClosed)
	}
}

func TestInitialSecondsShortensFirstStart(t *testing.T) {
	exam := Exam{ID: uuid.New(), Title: "Unit Exam", DurationMinutes: 1}
	e := New(exam, testQuestions(), &recordingSink{},
		WithClock(&manualClock{now: time.Now()}),
		WithInitialSeconds(25))

	e.Start()
	if got := e.Snapshot().SecondsRemaining; got != 25 {
		t.Fatalf("seconds remaining = %d, want 25", got)
	}

	// A re-sit on the same engine gets the full duration back.
	e.Submit()
	waitEvent(t, e, EventSubmitted)
	e.Start()
	if got := e.Snapshot().SecondsRemaining; got != 60 {
		t.Errorf("re-sit seconds remaining = %d, want 60", got)
	}
}

func TestInitialSecondsOutOfRangeIgnored(t *testing.T) {
	exam := Exam{ID: uuid.New(), Title: "Unit Exam", DurationMinutes: 1}
	for _, n := range []int{0, -5, 61, 600} {
		e := New(exam, testQuestions(), &recordingSink{},
			WithClock(&manualClock{now: time.Now()}),
			WithInitialSeconds(n))
		e.Start()
		if got := e.Snapshot().SecondsRemaining; got != 60 {
			t.Errorf("WithInitialSeconds(%d): seconds remaining = %d, want 60", n, got)
		}
		e.Close()
	}
}

func TestRestoreAnswersValidatesLikeLiveEdits(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	saved := AnswerMap{
		q1:         {Kind: AnswerSingle, Text: "B"},
		q2:         {Kind: AnswerSingle, Text: "Z"},          // option not offered
		q3:         {Kind: AnswerMulti, Selected: []string{"A", "Z", "C"}},
		uuid.New(): {Kind: AnswerSingle, Text: "A"},          // unknown question
	}
	e.RestoreAnswers(saved)

	answers := e.Snapshot().Answers
	if len(answers) != 2 {
		t.Fatalf("answers = %d, want 2: %v", len(answers), answers)
	}
	if answers[q1].Text != "B" {
		t.Errorf("q1 = %q, want B", answers[q1].Text)
	}
	got := answers[q3].Selected
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("q3 selected = %v, want [A C]", got)
	}
}

func TestRestoreAnswersDropsWrongKind(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()

	e.RestoreAnswers(AnswerMap{
		q1: {Kind: AnswerMulti, Selected: []string{"A"}}, // single-choice question
		q3: {Kind: AnswerSingle, Text: "A"},              // multi-choice question
	})
	if got := len(e.Snapshot().Answers); got != 0 {
		t.Errorf("answers = %d, want 0", got)
	}
}

func TestRestoreAnswersIgnoredBeforeStart(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.RestoreAnswers(AnswerMap{q1: {Kind: AnswerSingle, Text: "A"}})
	if got := len(e.Snapshot().Answers); got != 0 {
		t.Errorf("answers = %d, want 0", got)
	}
}

func TestTickEmitsTimerEvents(t *testing.T) {
	e := newTestEngine(t, &recordingSink{})
	e.Start()
	waitEvent(t, e, EventStarted)
	e.Tick()
	ev := waitEvent(t, e, EventTimer)
	if ev.Snapshot.SecondsRemaining != 59 {
		t.Errorf("timer event seconds = %d, want 59", ev.Snapshot.SecondsRemaining)
	}
}
