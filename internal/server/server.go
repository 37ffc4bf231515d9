package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptofolio/syncd/internal/dispatch"
	"github.com/cryptofolio/syncd/libs/health"
	"github.com/cryptofolio/syncd/libs/httpmiddleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Server exposes the internal sync API consumed by the portfolio
// backend. It is not meant to face end users directly.
type Server struct {
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
}

func New(dispatcher dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatcher: dispatcher, logger: logger}
}

// Router builds the gin engine with middleware, health endpoints and
// the sync API mounted under /internal.
func (s *Server) Router(healthMgr *health.Manager, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(s.logger))
	router.Use(httpmiddleware.Recovery(s.logger))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(healthMgr))
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := router.Group("/internal/users/:id")
	api.POST("/sync", s.submitSync)
	api.GET("/sync/status", s.syncStatus)
	api.GET("/sync/job", s.syncJob)

	return router
}

type submitRequest struct {
	SkipCooldown bool `json:"skip_cooldown"`
}

type submitResponse struct {
	Accepted bool   `json:"accepted"`
	Mode     string `json:"mode"`
	JobID    string `json:"job_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) submitSync(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req submitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	sub, err := s.dispatcher.Submit(c.Request.Context(), userID, req.SkipCooldown)
	if err != nil {
		s.logger.Error("sync submit failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync submission failed"})
		return
	}

	body := submitResponse{
		Accepted: sub.Accepted,
		Mode:     sub.Mode,
		JobID:    sub.JobID,
		Reason:   sub.Reason,
	}
	if sub.Accepted {
		c.JSON(http.StatusAccepted, body)
		return
	}
	// Cooldown and in-flight rejections are both throttling outcomes.
	if sub.Reason == dispatch.ReasonCooldown {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(sub.RetryAfter)))
	}
	c.JSON(http.StatusTooManyRequests, body)
}

type statusResponse struct {
	LastRun        *lastRunView `json:"last_run"`
	CanRun         bool         `json:"can_run"`
	NextEligibleAt *time.Time   `json:"next_eligible_at,omitempty"`
	CooldownSecs   int          `json:"cooldown_seconds"`
}

type lastRunView struct {
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status"`
	SucceededCount int        `json:"succeeded_count"`
	FailedCount    int        `json:"failed_count"`
}

func (s *Server) syncStatus(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	status, err := s.dispatcher.Status(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("sync status failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}

	resp := statusResponse{
		CanRun:         status.CanRun,
		NextEligibleAt: status.NextEligibleAt,
		CooldownSecs:   int(status.CooldownWindow.Seconds()),
	}
	if status.LastRun != nil {
		resp.LastRun = &lastRunView{
			StartedAt:      status.LastRun.StartedAt,
			FinishedAt:     status.LastRun.FinishedAt,
			Status:         status.LastRun.Status,
			SucceededCount: status.LastRun.SucceededCount,
			FailedCount:    status.LastRun.FailedCount,
		}
	}
	c.JSON(http.StatusOK, resp)
}

type jobResponse struct {
	JobID string  `json:"job_id"`
	State *string `json:"state"`
}

func (s *Server) syncJob(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	state, err := s.dispatcher.JobState(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("sync job lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job lookup failed"})
		return
	}

	resp := jobResponse{JobID: dispatch.JobID(userID)}
	switch state {
	case dispatch.JobStateWaiting, dispatch.JobStateDelayed:
		// Both map to a single externally visible queued state.
		queued := "queued"
		resp.State = &queued
	case dispatch.JobStateActive:
		active := "active"
		resp.State = &active
	}
	c.JSON(http.StatusOK, resp)
}

func parseUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
