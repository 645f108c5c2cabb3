package handler

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/middleware"
	"github.com/sekolabs/examroom-backend/internal/model"
	"github.com/sekolabs/examroom-backend/internal/service"
	"github.com/sekolabs/examroom-backend/internal/session"
	ws "github.com/sekolabs/examroom-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty origins slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler runs the exam stream: one WebSocket connection per student per
// exam, hosting the in-memory session engine that owns the countdown, the
// answer map and the violation counter.
type WSHandler struct {
	examService    *service.ExamService
	sessionService *service.SessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
	submitTimeout  time.Duration
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	examService *service.ExamService,
	sessionService *service.SessionService,
	log zerolog.Logger,
	allowedOrigins []string,
	submitTimeout time.Duration,
) *WSHandler {
	return &WSHandler{
		examService:    examService,
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
		submitTimeout:  submitTimeout,
	}
}

// ExamStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket and drives the session engine from client actions.
func (h *WSHandler) ExamStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID
	ctx := c.Request.Context()

	if _, err := h.sessionService.VerifyActiveSession(ctx, examID, studentID); err != nil {
		ws.WriteError(conn, "no active session for this exam")
		return
	}

	payload, err := h.examService.GetExamPayload(ctx, examID)
	if err != nil {
		ws.WriteError(conn, "exam is not available")
		return
	}

	exam := &model.Exam{ID: payload.ExamID, Title: payload.Title, DurationMinutes: payload.Duration}
	remaining, err := h.sessionService.RemainingSeconds(ctx, exam, studentID)
	if err != nil {
		ws.WriteError(conn, "session clock unavailable")
		return
	}
	// An expired clock still gets one tick so the engine auto-submits.
	if remaining < 1 {
		remaining = 1
	}

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Logger()

	// Writes come from two goroutines (action acks and engine events), and
	// gorilla allows one concurrent writer.
	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.WriteTyped(conn, v)
	}
	sendErr := func(msg string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.WriteError(conn, msg)
	}

	scoreCh := make(chan float64, 1)
	sink := h.sessionService.SubmissionSink(studentID, payload.Questions, func(score float64) {
		select {
		case scoreCh <- score:
		default:
		}
	})

	engine := session.New(
		session.Exam{ID: payload.ExamID, Title: payload.Title, DurationMinutes: payload.Duration},
		payload.Questions,
		sink,
		session.WithLogger(wsLog),
		session.WithInitialSeconds(remaining),
		session.WithSubmitTimeout(h.submitTimeout),
	)
	defer engine.Close()

	done := make(chan struct{})
	defer close(done)
	go h.forwardEvents(engine, send, scoreCh, done)

	wsLog.Info().Int("remaining", remaining).Msg("Student connected to exam stream")

	for {
		var msg ws.Request
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionStart:
			h.handleStart(ctx, engine, examID, studentID, wsLog)
		case ws.ActionAnswer:
			h.handleAnswer(ctx, engine, examID, studentID, &msg, send, sendErr)
		case ws.ActionToggle:
			h.handleToggle(ctx, engine, examID, studentID, &msg, send, sendErr)
		case ws.ActionNav:
			if msg.Direction == "prev" {
				engine.Previous()
			} else {
				engine.Next()
			}
		case ws.ActionViolation:
			h.handleViolation(ctx, engine, examID, studentID, &msg, sendErr, wsLog)
		case ws.ActionFocusRestored:
			engine.ReportFocusRestored()
		case ws.ActionSubmit:
			engine.Submit()
		case ws.ActionPing:
			send(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			sendErr("unknown action: " + string(msg.Action))
		}
	}
}

// forwardEvents translates engine notifications into wire frames until the
// connection goroutine signals done.
func (h *WSHandler) forwardEvents(engine *session.Engine, send func(interface{}), scoreCh <-chan float64, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-engine.Events():
			switch ev.Kind {
			case session.EventStarted:
				send(stateFrame(ev.Snapshot))
			case session.EventTimer:
				send(ws.TimerResponse{
					Event:            ws.EventTimer,
					SecondsRemaining: ev.Snapshot.SecondsRemaining,
					Display:          session.FormatRemaining(ev.Snapshot.SecondsRemaining),
				})
			case session.EventViolation:
				send(ws.ViolationResponse{
					Event: ws.EventViolation,
					Kind:  string(ev.Violation),
					Count: ev.Snapshot.ViolationCount,
				})
			case session.EventSubmitted:
				var score float64
				select {
				case score = <-scoreCh:
				default:
				}
				send(ws.SubmittedResponse{
					Event:            ws.EventSubmitted,
					Score:            score,
					TimeSpentSeconds: timeSpent(engine, ev.Snapshot),
				})
			case session.EventSubmitFailed:
				errMsg := "submission failed"
				if ev.Err != nil {
					errMsg = ev.Err.Error()
				}
				send(ws.SubmitFailedResponse{Event: ws.EventSubmitFailed, Error: errMsg})
			}
		}
	}
}

func (h *WSHandler) handleStart(ctx context.Context, engine *session.Engine, examID uuid.UUID, studentID int, wsLog zerolog.Logger) {
	engine.Start()

	saved, err := h.sessionService.GetAutosavedAnswers(ctx, examID, studentID)
	if err != nil {
		wsLog.Warn().Err(err).Msg("Restore autosaved answers failed")
		return
	}
	if len(saved) > 0 {
		engine.RestoreAnswers(service.DecodeAutosavedAnswers(saved))
		wsLog.Info().Int("count", len(saved)).Msg("Autosaved answers restored")
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, engine *session.Engine, examID uuid.UUID, studentID int, msg *ws.Request, send func(interface{}), sendErr func(string)) {
	qid, err := uuid.Parse(msg.QID)
	if err != nil {
		sendErr("invalid q_id format")
		return
	}

	engine.EditAnswer(qid, msg.Answer)
	h.ackIfAccepted(ctx, engine, examID, studentID, qid, send, sendErr)
}

func (h *WSHandler) handleToggle(ctx context.Context, engine *session.Engine, examID uuid.UUID, studentID int, msg *ws.Request, send func(interface{}), sendErr func(string)) {
	qid, err := uuid.Parse(msg.QID)
	if err != nil {
		sendErr("invalid q_id format")
		return
	}

	engine.ToggleOption(qid, msg.Option)
	h.ackIfAccepted(ctx, engine, examID, studentID, qid, send, sendErr)
}

// ackIfAccepted autosaves the engine's current value for qid and acknowledges
// the edit. The engine silently drops invalid edits; without a stored value
// the client gets an error frame instead of a saved ack.
func (h *WSHandler) ackIfAccepted(ctx context.Context, engine *session.Engine, examID uuid.UUID, studentID int, qid uuid.UUID, send func(interface{}), sendErr func(string)) {
	snap := engine.Snapshot()
	val, ok := snap.Answers[qid]
	if !ok {
		sendErr("answer rejected")
		return
	}

	if err := h.sessionService.AutosaveAnswer(ctx, examID, studentID, qid, val); err != nil {
		h.log.Error().Err(err).Int("student_id", studentID).Msg("Autosave Redis error")
		sendErr("save failed")
		return
	}

	send(ws.SavedResponse{Event: ws.EventSaved, QID: qid.String()})
}

func (h *WSHandler) handleViolation(ctx context.Context, engine *session.Engine, examID uuid.UUID, studentID int, msg *ws.Request, sendErr func(string), wsLog zerolog.Logger) {
	kind := session.ViolationKind(msg.Kind)
	if !session.KnownViolationKind(kind) {
		sendErr("unknown violation kind: " + msg.Kind)
		return
	}

	if !engine.ReportViolation(kind) {
		return
	}

	if _, err := h.sessionService.RecordViolation(ctx, examID, studentID, kind, msg.Detail); err != nil {
		wsLog.Error().Err(err).Str("kind", msg.Kind).Msg("Record violation failed")
	}
}

func stateFrame(snap session.Snapshot) ws.StateResponse {
	return ws.StateResponse{
		Event:            ws.EventState,
		Phase:            string(snap.Phase),
		Cursor:           snap.Cursor,
		SecondsRemaining: snap.SecondsRemaining,
		ViolationCount:   snap.ViolationCount,
		Focused:          snap.Focused,
		QuestionCount:    snap.QuestionCount,
	}
}

func timeSpent(engine *session.Engine, snap session.Snapshot) int {
	return engine.DurationSeconds() - snap.SecondsRemaining
}
