package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/middleware"
	"github.com/sekolabs/examroom-backend/internal/response"
	"github.com/sekolabs/examroom-backend/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams the live proctor view of a running exam over SSE.
type MonitorHandler struct {
	examService *service.ExamService
	feedService *service.ProctorFeedService
	log         zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	examService *service.ExamService,
	feedService *service.ProctorFeedService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		examService: examService,
		feedService: feedService,
		log:         log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:id/monitor
// Sends an initial snapshot, then forwards every feed event (joins,
// violations, submissions) the moment students produce them.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.examService.GetByID(c.Request.Context(), examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if exam.AuthorID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrNotExamAuthor)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, examID, exam.Title, exam.QuestionCount)

	pubsub := h.feedService.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip periodic DB refreshes until a feed event proves someone is in.
	hasStudents := false

	h.log.Info().Str("exam_id", examID.String()).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg := <-ch:
			// Feed events are already JSON; forward them untouched.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			hasStudents = true

		case <-refreshTicker.C:
			if !hasStudents {
				continue
			}
			h.sendRefresh(c, reqCtx, examID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the first SSE event: exam header, per-student session
// rows and the persisted violation tallies.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, examID uuid.UUID, title string, questionCount int) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snapshot, err := h.feedService.GetSnapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Initial monitor snapshot failed")
		return
	}

	totalInProgress := 0
	totalCompleted := 0
	for _, res := range snapshot.Results {
		switch res.Status {
		case "IN_PROGRESS":
			totalInProgress++
		case "COMPLETED":
			totalCompleted++
		}
	}

	c.SSEvent("message", map[string]interface{}{
		"type": "snapshot",
		"data": map[string]interface{}{
			"exam": map[string]interface{}{
				"id":              examID.String(),
				"title":           title,
				"total_questions": questionCount,
			},
			"stats": map[string]interface{}{
				"total_joined":      len(snapshot.Results),
				"total_in_progress": totalInProgress,
				"total_completed":   totalCompleted,
				"total_violations":  snapshot.TotalViolations,
			},
			"students":         snapshot.Results,
			"violation_counts": snapshot.ViolationCounts,
		},
	})
	c.Writer.Flush()
}

// sendRefresh re-polls the snapshot so counters drift back in sync even if a
// feed event was missed.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snapshot, err := h.feedService.GetSnapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Monitor refresh failed")
		return
	}

	c.SSEvent("message", map[string]interface{}{
		"type":             "refresh",
		"students":         snapshot.Results,
		"violation_counts": snapshot.ViolationCounts,
		"total_violations": snapshot.TotalViolations,
	})
	c.Writer.Flush()
}
