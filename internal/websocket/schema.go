// Package websocket defines the wire schema and helpers for the exam stream:
// the single full-duplex connection over which a student drives their exam
// session and receives timer, violation and submission frames back.
package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	// ActionStart begins the session: countdown armed, monitor attached.
	ActionStart Action = "start"
	// ActionAnswer records a single-value answer (single-choice, fill-blank,
	// short-answer).
	ActionAnswer Action = "answer"
	// ActionToggle flips one option of a multiple-choice question.
	ActionToggle Action = "toggle"
	// ActionNav moves the question cursor ("next"/"prev").
	ActionNav Action = "nav"
	// ActionViolation reports an anti-cheating signal observed in the browser.
	ActionViolation Action = "violation"
	// ActionFocusRestored reports that document visibility came back.
	ActionFocusRestored Action = "focus_restored"
	// ActionSubmit finalizes the session manually.
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// Request is the envelope for every client frame. Fields beyond Action are
// populated per action kind.
type Request struct {
	Action Action `json:"action"`
	// ActionAnswer / ActionToggle
	QID    string `json:"q_id,omitempty"`
	Answer string `json:"ans,omitempty"`
	Option string `json:"opt,omitempty"`
	// ActionNav: "next" or "prev"
	Direction string `json:"dir,omitempty"`
	// ActionViolation
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState        Event = "state"
	EventTimer        Event = "timer"
	EventSaved        Event = "saved"
	EventViolation    Event = "violation"
	EventSubmitted    Event = "submitted"
	EventSubmitFailed Event = "submit_failed"
	EventError        Event = "error"
	EventPong         Event = "pong"
)

// StateResponse carries a full session snapshot (sent after start and on
// demand).
type StateResponse struct {
	Event            Event  `json:"event"`
	Phase            string `json:"phase"`
	Cursor           int    `json:"cursor"`
	SecondsRemaining int    `json:"seconds_remaining"`
	ViolationCount   int    `json:"violation_count"`
	Focused          bool   `json:"focused"`
	QuestionCount    int    `json:"question_count"`
}

// TimerResponse is the once-per-second countdown sync.
type TimerResponse struct {
	Event            Event  `json:"event"`
	SecondsRemaining int    `json:"seconds_remaining"`
	Display          string `json:"display"` // "m:ss"
}

// SavedResponse acknowledges an accepted answer edit.
type SavedResponse struct {
	Event Event  `json:"event"`
	QID   string `json:"q_id"`
}

// ViolationResponse acknowledges a counted violation.
type ViolationResponse struct {
	Event Event  `json:"event"`
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// SubmittedResponse closes the session with the final outcome.
type SubmittedResponse struct {
	Event            Event   `json:"event"`
	Score            float64 `json:"score"`
	TimeSpentSeconds int     `json:"time_spent_seconds"`
}

// SubmitFailedResponse reports a recoverable submit failure; the session is
// editable again and a retry is expected.
type SubmitFailedResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
