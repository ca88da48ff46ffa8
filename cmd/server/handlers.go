package main

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/apierr"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/scheduler"
)

// apiError/errorEnvelope mirror the teacher's handlers.RespondError shape:
// a flat {"error": {"message", "code"}} body, here keyed off apierr.Kind
// instead of the teacher's ad hoc string codes (spec.md §7).
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, errorEnvelope{Error: apiError{Message: msg, Code: code}})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondEngineError maps an apierr.Kind returned from the scheduler to an
// HTTP status, the only place in the codebase that performs this
// translation (spec.md §7: internal code returns/wraps *apierr.Error
// directly; only the transport boundary maps Kind -> status).
func respondEngineError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apierr.KindCapacity:
		status = http.StatusServiceUnavailable
	case apierr.KindInvalidInput, apierr.KindWrongStage:
		status = http.StatusBadRequest
	case apierr.KindStageClosed, apierr.KindNotAwaiting:
		status = http.StatusConflict
	case apierr.KindContentPolicy:
		status = http.StatusUnprocessableEntity
	case apierr.KindPersistence:
		status = http.StatusInternalServerError
	}
	respondError(c, status, string(kind), err)
}

func healthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// sessionHandler is the thin translation layer between HTTP and
// scheduler.Engine's four public operations (spec.md §4.1) plus a
// persistence fallback for a session Status can no longer see once it has
// reached a terminal state and been cleaned up from the engine's
// in-process map.
type sessionHandler struct {
	log     *logger.Logger
	engine  *scheduler.Engine
	persist persistence.Store
}

type createSessionRequest struct {
	OwnerID        string `json:"owner_id" binding:"required"`
	SubmissionText string `json:"submission_text" binding:"required"`
	Quality        string `json:"quality"`
	HITLEnabled    bool   `json:"hitl_enabled"`
	ClientToken    string `json:"client_token"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// POST /sessions
func (h *sessionHandler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}
	owner, err := uuid.Parse(req.OwnerID)
	if err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}
	opts := domain.SubmitOptions{
		Quality:     domain.Quality(req.Quality),
		HITLEnabled: req.HITLEnabled,
		ClientToken: req.ClientToken,
	}
	if opts.Quality == "" {
		opts.Quality = domain.QualityMedium
	}

	sessionID, err := h.engine.Submit(c.Request.Context(), owner, req.SubmissionText, opts)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{SessionID: sessionID.String()})
}

// DELETE /sessions/:id
func (h *sessionHandler) cancelSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}
	if err := h.engine.Cancel(id); err != nil {
		respondEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionStatusResponse struct {
	Stages []stageStatusView `json:"stages"`
}

type stageStatusView struct {
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// GET /sessions/:id — an in-flight session's per-stage status, grounded on
// the teacher's JobsHandler.GetJobByID. A terminal session no longer has a
// running-session handle, so this falls back to persistence's snapshot.
func (h *sessionHandler) getSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}

	if snap, ok := h.engine.Status(id); ok {
		out := make([]stageStatusView, 0, domain.StageCount)
		for s := domain.StageConcept; s <= domain.StageFinal; s++ {
			st := snap[s]
			out = append(out, stageStatusView{
				Stage:     st.Stage.String(),
				Status:    string(st.Status),
				Attempts:  st.Attempts,
				LastError: st.LastError,
			})
		}
		respondOK(c, sessionStatusResponse{Stages: out})
		return
	}

	session, err := h.persist.SessionSnapshot(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusNotFound, string(apierr.KindInvalidInput), err)
		return
	}
	respondOK(c, gin.H{
		"session_id":    session.ID,
		"status":        session.Status,
		"current_stage": session.CurrentStage,
		"last_error":    session.LastError,
	})
}

type submitFeedbackRequest struct {
	Stage   int    `json:"stage" binding:"required"`
	Type    string `json:"type" binding:"required"`
	Content string `json:"content"`
}

// POST /sessions/:id/feedback
func (h *sessionHandler) submitFeedback(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}
	var req submitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}
	env := domain.FeedbackEnvelope{
		SessionID: id,
		Stage:     domain.StageIndex(req.Stage),
		Type:      domain.FeedbackType(req.Type),
		Content:   req.Content,
	}
	if err := h.engine.SubmitFeedback(c.Request.Context(), id, env); err != nil {
		respondEngineError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// POST /sessions/:id/override — arms an admin override for the session's
// currently evaluating stage (spec.md §9). Authorization is this
// handler's responsibility, not the engine's; this thin demonstration
// transport performs none, matching spec.md's non-goal on auth.
func (h *sessionHandler) overrideSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}
	if err := h.engine.Override(id); err != nil {
		respondEngineError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// GET /sessions/:id/events — server-sent events, one per bus.Publish call
// for this session (spec.md §4.7), replaying history first via
// bus.Hub.Subscribe so a client that connects mid-stage still sees every
// earlier event.
func (h *sessionHandler) streamEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, string(apierr.KindInvalidInput), err)
		return
	}

	sub := h.engine.Subscribe(id)
	defer h.engine.Unsubscribe(id, sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Kind), sseEventPayload(evt))
			return true
		case <-sub.TooSlow:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}

// sseEventPayload is the wire projection of a domain.Event, trimming the
// replay-only Sequence bookkeeping field a client has no use for.
func sseEventPayload(evt domain.Event) gin.H {
	payload := gin.H{
		"session_id": evt.SessionID,
		"sequence":   evt.Sequence,
		"kind":       evt.Kind,
		"stage":      evt.Stage.String(),
		"message":    evt.Message,
	}
	if evt.Kind == domain.EventStageProgress {
		payload["progress"] = evt.Progress
	}
	if evt.Deadline != nil {
		payload["deadline"] = evt.Deadline
	}
	if evt.StageResultRef != nil {
		payload["stage_result_ref"] = evt.StageResultRef
	}
	if evt.Preview != nil {
		payload["preview"] = gin.H{
			"mime_type": evt.Preview.MimeType,
			"url":       evt.Preview.URL,
			"synthetic": evt.Preview.Synthetic,
		}
	}
	return payload
}
