// Package session implements the server-authoritative exam-taking engine:
// a per-student state machine owning the session lifecycle, the question
// cursor, the answer map, the one-second countdown and the anti-cheating
// violation counter. The engine performs no I/O of its own; submission is
// delegated to a Sink and side effects are surfaced on the Events channel.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/model"
)

// Phase is the discrete lifecycle state of a session.
type Phase string

const (
	PhaseNotStarted Phase = "NOT_STARTED"
	PhaseInProgress Phase = "IN_PROGRESS"
	PhaseSubmitting Phase = "SUBMITTING"
	PhaseClosed     Phase = "CLOSED"
)

// DefaultSubmitTimeout bounds the sink call so a hung backend cannot leave a
// session stuck in SUBMITTING.
const DefaultSubmitTimeout = 10 * time.Second

// Exam is the immutable definition the engine runs against.
type Exam struct {
	ID              uuid.UUID
	Title           string
	DurationMinutes int
}

// SubmissionRecord is constructed once per successful submit transition and
// handed to the Sink exactly once per attempt.
type SubmissionRecord struct {
	ExamID           uuid.UUID `json:"exam_id"`
	ExamTitle        string    `json:"exam_title"`
	Answers          AnswerMap `json:"answers"`
	SubmittedAt      time.Time `json:"submitted_at"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
}

// Sink receives the finalized submission. An error puts the session back in
// IN_PROGRESS with the answer map intact so the student can retry.
type Sink interface {
	Submit(ctx context.Context, rec SubmissionRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec SubmissionRecord) error

func (f SinkFunc) Submit(ctx context.Context, rec SubmissionRecord) error { return f(ctx, rec) }

// EventKind classifies engine notifications.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventTimer        EventKind = "timer"
	EventViolation    EventKind = "violation"
	EventSubmitted    EventKind = "submitted"
	EventSubmitFailed EventKind = "submit_failed"
)

// Event is an engine notification delivered on Events().
type Event struct {
	Kind      EventKind
	Violation ViolationKind // set for EventViolation
	Err       error         // set for EventSubmitFailed
	Snapshot  Snapshot
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Phase            Phase     `json:"phase"`
	Cursor           int       `json:"cursor"`
	SecondsRemaining int       `json:"seconds_remaining"`
	ViolationCount   int       `json:"violation_count"`
	Focused          bool      `json:"focused"`
	QuestionCount    int       `json:"question_count"`
	Answers          AnswerMap `json:"answers"`
}

// Engine is one exam-taking session. Instances are single-use per open of the
// exam view; a reconnect builds a fresh engine. All methods are safe for
// concurrent use, though in practice a single connection goroutine drives it.
type Engine struct {
	exam      Exam
	questions []model.QuestionForStudent
	byID      map[uuid.UUID]model.QuestionForStudent
	optionSet map[uuid.UUID]map[string]struct{}

	sink          Sink
	clock         Clock
	submitTimeout time.Duration
	log           zerolog.Logger

	initialSeconds int

	mu               sync.Mutex
	phase            Phase
	cursor           int
	secondsRemaining int
	violationCount   int
	focused          bool
	answers          AnswerMap
	tickerStop       chan struct{}

	events chan Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, letting tests drive ticks manually.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithSubmitTimeout overrides the bound on the sink call.
func WithSubmitTimeout(d time.Duration) Option { return func(e *Engine) { e.submitTimeout = d } }

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log.With().Str("component", "session_engine").Logger() }
}

// WithInitialSeconds overrides the countdown of the first Start. Used when a
// reconnecting student resumes a running session with less than the full
// duration left. Consumed by the first Start; later re-sits get the full
// duration again. Values above duration*60 or at or below zero are ignored.
func WithInitialSeconds(n int) Option {
	return func(e *Engine) { e.initialSeconds = n }
}

// New builds a dormant engine in NOT_STARTED. Questions must be in
// presentation order; their IDs bound the cursor and gate answer edits.
func New(exam Exam, questions []model.QuestionForStudent, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		exam:          exam,
		questions:     questions,
		byID:          make(map[uuid.UUID]model.QuestionForStudent, len(questions)),
		optionSet:     make(map[uuid.UUID]map[string]struct{}, len(questions)),
		sink:          sink,
		clock:         realClock{},
		submitTimeout: DefaultSubmitTimeout,
		log:           zerolog.Nop(),
		phase:         PhaseNotStarted,
		focused:       true,
		answers:       make(AnswerMap),
		events:        make(chan Event, 64),
	}
	for _, q := range questions {
		e.byID[q.ID] = q
		if len(q.Options) > 0 {
			set := make(map[string]struct{}, len(q.Options))
			for _, opt := range q.Options {
				set[opt] = struct{}{}
			}
			e.optionSet[q.ID] = set
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DurationSeconds returns the exam's full duration in seconds.
func (e *Engine) DurationSeconds() int { return e.exam.DurationMinutes * 60 }

// Events delivers engine notifications: timer ticks, counted violations and
// submit outcomes. The channel is buffered; a consumer that stops reading
// loses notifications rather than blocking the engine.
func (e *Engine) Events() <-chan Event { return e.events }

// Start transitions NOT_STARTED (or CLOSED, for a re-sit on the same engine)
// to IN_PROGRESS. Every start resets the countdown to duration*60, clears the
// answer map, zeroes the cursor and violation counter and activates the
// ticker. A start while IN_PROGRESS or SUBMITTING is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.phase == PhaseInProgress || e.phase == PhaseSubmitting {
		e.mu.Unlock()
		return
	}
	e.phase = PhaseInProgress
	e.cursor = 0
	e.secondsRemaining = e.exam.DurationMinutes * 60
	if e.initialSeconds > 0 && e.initialSeconds < e.secondsRemaining {
		e.secondsRemaining = e.initialSeconds
	}
	e.initialSeconds = 0
	e.violationCount = 0
	e.focused = true
	e.answers = make(AnswerMap)
	e.startTickerLocked()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.log.Info().Str("exam_id", e.exam.ID.String()).Int("seconds", snap.SecondsRemaining).Msg("Session started")
	e.emit(Event{Kind: EventStarted, Snapshot: snap})
}

// EditAnswer records a single-value answer (SINGLE_CHOICE, FILL_BLANK,
// SHORT_ANSWER), replacing any prior entry. Unknown question IDs and
// MULTIPLE_CHOICE questions are ignored. Free text is stored verbatim.
func (e *Engine) EditAnswer(questionID uuid.UUID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseInProgress {
		return
	}
	q, ok := e.byID[questionID]
	if !ok || KindForQuestionType(q.Type) != AnswerSingle {
		return
	}
	if q.Type == model.QuestionTypeSingleChoice {
		if _, allowed := e.optionSet[questionID][text]; !allowed {
			return
		}
	}
	e.answers[questionID] = AnswerValue{Kind: AnswerSingle, Text: text}
}

// ToggleOption flips one option of a MULTIPLE_CHOICE question: appended when
// absent, filtered out when present. Toggling twice restores the prior state.
func (e *Engine) ToggleOption(questionID uuid.UUID, option string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseInProgress {
		return
	}
	q, ok := e.byID[questionID]
	if !ok || q.Type != model.QuestionTypeMultipleChoice {
		return
	}
	if _, allowed := e.optionSet[questionID][option]; !allowed {
		return
	}
	cur := e.answers[questionID]
	e.answers[questionID] = AnswerValue{
		Kind:     AnswerMulti,
		Selected: toggleOption(cur.Selected, option),
	}
}

// RestoreAnswers seeds the answer map from autosaved state after a reconnect.
// Must be called after Start, which clears the map. Entries for unknown
// questions or with the wrong value shape are dropped; restored values go
// through the same option-membership checks as live edits.
func (e *Engine) RestoreAnswers(saved AnswerMap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseInProgress {
		return
	}
	for id, val := range saved {
		q, ok := e.byID[id]
		if !ok || KindForQuestionType(q.Type) != val.Kind {
			continue
		}
		switch val.Kind {
		case AnswerSingle:
			if q.Type == model.QuestionTypeSingleChoice {
				if _, allowed := e.optionSet[id][val.Text]; !allowed {
					continue
				}
			}
			e.answers[id] = AnswerValue{Kind: AnswerSingle, Text: val.Text}
		case AnswerMulti:
			kept := make([]string, 0, len(val.Selected))
			for _, opt := range val.Selected {
				if _, allowed := e.optionSet[id][opt]; allowed {
					kept = append(kept, opt)
				}
			}
			if len(kept) > 0 {
				e.answers[id] = AnswerValue{Kind: AnswerMulti, Selected: kept}
			}
		}
	}
}

// Next advances the cursor by one, clamped at the last question.
func (e *Engine) Next() { e.moveCursor(1) }

// Previous moves the cursor back by one, clamped at zero.
func (e *Engine) Previous() { e.moveCursor(-1) }

func (e *Engine) moveCursor(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseInProgress {
		return
	}
	next := e.cursor + delta
	if next < 0 || next >= len(e.questions) {
		return
	}
	e.cursor = next
}

// Tick consumes one second of the countdown. Active only while IN_PROGRESS;
// reaching zero fires exactly one auto-submit with whatever answers exist.
func (e *Engine) Tick() {
	e.mu.Lock()
	if e.phase != PhaseInProgress || e.secondsRemaining <= 0 {
		e.mu.Unlock()
		return
	}
	e.secondsRemaining--
	if e.secondsRemaining == 0 {
		e.log.Info().Str("exam_id", e.exam.ID.String()).Msg("Countdown expired, auto-submitting")
		e.beginSubmitLocked()
		return // beginSubmitLocked released the lock
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.emit(Event{Kind: EventTimer, Snapshot: snap})
}

// ReportViolation counts one anti-cheating signal. Every known kind counts
// exactly once per occurrence; a visibility loss also drops the focus flag
// until ReportFocusRestored. Signals outside IN_PROGRESS or of unknown kind
// are discarded. Returns whether the signal was counted.
func (e *Engine) ReportViolation(kind ViolationKind) bool {
	e.mu.Lock()
	if e.phase != PhaseInProgress || !KnownViolationKind(kind) {
		e.mu.Unlock()
		return false
	}
	e.violationCount++
	if kind == ViolationVisibility {
		e.focused = false
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.log.Warn().
		Str("exam_id", e.exam.ID.String()).
		Str("kind", string(kind)).
		Int("count", snap.ViolationCount).
		Msg("Violation detected")
	e.emit(Event{Kind: EventViolation, Violation: kind, Snapshot: snap})
	return true
}

// ReportFocusRestored flips the focus flag back without counting a violation.
func (e *Engine) ReportFocusRestored() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseInProgress {
		return
	}
	e.focused = true
}

// Submit finalizes the session manually. Guarded: only IN_PROGRESS submits;
// a second call while SUBMITTING is ignored, so at most one sink call is in
// flight per attempt.
func (e *Engine) Submit() {
	e.mu.Lock()
	if e.phase != PhaseInProgress {
		e.mu.Unlock()
		return
	}
	e.beginSubmitLocked()
}

// beginSubmitLocked flips to SUBMITTING, stops the ticker, builds the record
// and dispatches the sink call. Caller must hold mu; the lock is released
// here so the sink never runs under it.
func (e *Engine) beginSubmitLocked() {
	e.phase = PhaseSubmitting
	e.stopTickerLocked()
	rec := SubmissionRecord{
		ExamID:           e.exam.ID,
		ExamTitle:        e.exam.Title,
		Answers:          e.answers.Clone(),
		SubmittedAt:      e.clock.Now(),
		TimeSpentSeconds: e.exam.DurationMinutes*60 - e.secondsRemaining,
	}
	e.mu.Unlock()

	go e.deliver(rec)
}

func (e *Engine) deliver(rec SubmissionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), e.submitTimeout)
	defer cancel()

	err := e.sink.Submit(ctx, rec)

	e.mu.Lock()
	if e.phase != PhaseSubmitting {
		// Closed while the sink call was in flight; drop the outcome.
		e.mu.Unlock()
		return
	}
	if err != nil {
		// Recoverable: back to IN_PROGRESS, answers untouched, ticker resumed.
		e.phase = PhaseInProgress
		e.startTickerLocked()
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.log.Error().Err(err).Str("exam_id", e.exam.ID.String()).Msg("Submit failed")
		e.emit(Event{Kind: EventSubmitFailed, Err: err, Snapshot: snap})
		return
	}
	e.phase = PhaseClosed
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.log.Info().
		Str("exam_id", e.exam.ID.String()).
		Int("time_spent", rec.TimeSpentSeconds).
		Msg("Submission accepted, session closed")
	e.emit(Event{Kind: EventSubmitted, Snapshot: snap})
}

// Close tears the session down from any phase: the ticker is cancelled and no
// further ticks or violation reports are accepted. Used on disconnect and
// host shutdown; a submit already in flight has its outcome dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == PhaseClosed {
		return
	}
	e.phase = PhaseClosed
	e.stopTickerLocked()
}

// Snapshot returns a copy of the current state for display.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:            e.phase,
		Cursor:           e.cursor,
		SecondsRemaining: e.secondsRemaining,
		ViolationCount:   e.violationCount,
		Focused:          e.focused,
		QuestionCount:    len(e.questions),
		Answers:          e.answers.Clone(),
	}
}

// startTickerLocked launches the countdown goroutine. Caller holds mu.
func (e *Engine) startTickerLocked() {
	stop := make(chan struct{})
	e.tickerStop = stop
	ticker := e.clock.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				e.Tick()
			case <-stop:
				return
			}
		}
	}()
}

// stopTickerLocked cancels the countdown goroutine. Caller holds mu. Safe to
// call when no ticker is running.
func (e *Engine) stopTickerLocked() {
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerStop = nil
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Consumer fell behind; timer frames are droppable and terminal
		// events fit in the buffer headroom.
		e.log.Debug().Str("kind", string(ev.Kind)).Msg("Event dropped, consumer lagging")
	}
}
