package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/internal/streaming"
	"github.com/reportflow/reportflow/pkg/schema"
)

func (s *Server) submitRun(c *gin.Context) {
	var plan schema.ExecutionPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code": schema.ErrCodeValidation, "message": "request body is not a valid execution plan",
		})
		return
	}

	run, err := s.controller.Submit(c.Request.Context(), &plan)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.controller.Launch(run.ID); err != nil {
		s.respondError(c, err)
		return
	}

	snap, err := s.status.GetRun(c.Request.Context(), run.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) getRun(c *gin.Context) {
	snap, err := s.status.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listRuns(c *gin.Context) {
	filter := store.RunFilter{WorkflowName: c.Query("workflow")}
	if v := c.Query("state"); v != "" {
		state := schema.RunState(v)
		filter.State = &state
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code": schema.ErrCodeValidation, "message": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = n
	}

	snaps, err := s.status.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": snaps, "count": len(snaps)})
}

func (s *Server) getEvents(c *gin.Context) {
	var since int64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code": schema.ErrCodeValidation, "message": "since must be a non-negative sequence number",
			})
			return
		}
		since = n
	}

	// 404 for unknown runs rather than an empty log.
	if _, err := s.status.GetRun(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}

	events, err := s.status.GetEvents(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.controller.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) pauseRun(c *gin.Context) {
	if err := s.controller.Pause(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pausing"})
}

func (s *Server) resumeRun(c *gin.Context) {
	if err := s.controller.Resume(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

// createScheduleRequest is the POST /api/schedules body.
type createScheduleRequest struct {
	Name           string               `json:"name" binding:"required"`
	CronExpression string               `json:"cron_expression" binding:"required"`
	Plan           schema.ExecutionPlan `json:"plan" binding:"required"`
	Enabled        *bool                `json:"enabled,omitempty"`
}

func (s *Server) createSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code": schema.ErrCodeValidation, "message": "request body is not a valid schedule",
		})
		return
	}

	now := time.Now().UTC()
	next, err := s.cron.NextRun(req.CronExpression, now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code": schema.ErrCodeValidation, "message": err.Error(),
		})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	report := &store.ScheduledReport{
		ID:             uuid.New().String(),
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Plan:           req.Plan,
		Enabled:        enabled,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.schedules.CreateScheduledReport(c.Request.Context(), report); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (s *Server) getSchedule(c *gin.Context) {
	report, err := s.schedules.GetScheduledReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listSchedules(c *gin.Context) {
	reports, err := s.schedules.ListScheduledReports(c.Request.Context(), store.ScheduledReportFilter{})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": reports, "count": len(reports)})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.schedules.DeleteScheduledReport(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// streamEvents tails the run's transition log over Server-Sent Events.
// Clients catch up from GET /runs/:id/events, then follow the stream.
func (s *Server) streamEvents(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code": "UNAVAILABLE", "message": "event streaming is not enabled",
		})
		return
	}

	runID := c.Param("id")
	if _, err := s.status.GetRun(c.Request.Context(), runID); err != nil {
		s.respondError(c, err)
		return
	}

	sub, err := s.hub.Subscribe(c.Request.Context(), streaming.EventFilter{RunID: runID})
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		}
	})

	if n := sub.Dropped(); n > 0 {
		s.logger.Warn("event stream dropped events; client should re-sync from the event log",
			slog.String("run_id", runID), slog.Uint64("dropped", n))
	}
}

type putSecretRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) putSecret(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code": schema.ErrCodeVault, "message": "vault is not configured",
		})
		return
	}

	var req putSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code": schema.ErrCodeValidation, "message": "request body must carry a value",
		})
		return
	}

	if err := s.vault.Store(c.Request.Context(), c.Param("key"), []byte(req.Value)); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSecrets(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code": schema.ErrCodeVault, "message": "vault is not configured",
		})
		return
	}

	keys, err := s.vault.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	// Names only; values never leave the vault.
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (s *Server) deleteSecret(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code": schema.ErrCodeVault, "message": "vault is not configured",
		})
		return
	}

	if err := s.vault.Delete(c.Request.Context(), c.Param("key")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
