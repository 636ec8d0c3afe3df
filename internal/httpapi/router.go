// Package httpapi is the thin Gin binding over the Session Controller: it
// decodes JSON, calls StartCAT/AnswerCAT, and maps the result or error kind
// to an HTTP response. It owns no business logic of its own.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cat-engine/internal/apperr"
	"cat-engine/internal/logger"
	"cat-engine/internal/metrics"
	"cat-engine/internal/session"
)

// NewRouter builds the Gin engine: recovery + request-id + metrics
// middleware, the two CAT endpoints, and health/metrics.
func NewRouter(ctrl *session.Controller, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(metrics.GinMiddleware())

	h := &handler{ctrl: ctrl, log: log}

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1/cat")
	v1.POST("/start", h.start)
	v1.POST("/answer", h.answer)

	return r
}

type handler struct {
	ctrl *session.Controller
	log  *logger.Logger
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// startRequest is StartCAT's HTTP DTO. TopicID is optional: a session
// locked to a topic only serves items tagged with it.
type startRequest struct {
	LearnerID   uuid.UUID  `json:"learner_id" binding:"required"`
	SubjectID   uuid.UUID  `json:"subject_id" binding:"required"`
	TargetItems int        `json:"target_items" binding:"required,min=3"`
	TopicID     *uuid.UUID `json:"topic_id,omitempty"`
}

func (h *handler) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	res, err := h.ctrl.StartCAT(c.Request.Context(), req.LearnerID, req.SubjectID, req.TargetItems, req.TopicID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":       res.SessionID,
		"ability_vector":   res.AbilityVector,
		"first_item":       res.FirstItem,
		"target_items":     res.TargetItems,
		"current_position": res.CurrentPosition,
		"stop":             res.Stop,
	})
}

// answerRequest is AnswerCAT's HTTP DTO.
type answerRequest struct {
	SessionID uuid.UUID `json:"session_id" binding:"required"`
	ItemID    uuid.UUID `json:"item_id" binding:"required"`
	OptionID  uuid.UUID `json:"option_id" binding:"required"`
	LatencyMs *int      `json:"latency_ms,omitempty"`
}

func (h *handler) answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	res, err := h.ctrl.AnswerCAT(c.Request.Context(), req.SessionID, req.ItemID, req.OptionID, req.LatencyMs)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_correct":       res.IsCorrect,
		"ability_vector":   res.AbilityVector,
		"next_item":        res.NextItem,
		"stop":             res.Stop,
		"current_position": res.CurrentPosition,
		"target_items":     res.TargetItems,
	})
}

// writeError maps an apperr.Kind to the HTTP status spec §7 implies for it.
// Anything not an *apperr.Error (a programmer error reaching the handler)
// is reported as a 500 without leaking its message.
func writeError(c *gin.Context, err error) {
	e, ok := err.(*apperr.Error)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "unexpected error"})
		return
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case apperr.KindBadRequest, apperr.KindTopicNotInSubject:
		status = http.StatusBadRequest
	case apperr.KindSessionNotOngoing, apperr.KindItemNotServed, apperr.KindOptionMismatch:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindNoEligibleItem:
		status = http.StatusUnprocessableEntity
	case apperr.KindTransientStorage, apperr.KindInternal:
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{"error": string(e.Kind), "message": e.Message})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}
