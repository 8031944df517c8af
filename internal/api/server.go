// Package api exposes the HTTP surface: run submission and control, status
// polling, the event log, and scheduled report management.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reportflow/reportflow/internal/secrets"
	"github.com/reportflow/reportflow/internal/status"
	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/internal/streaming"
	"github.com/reportflow/reportflow/pkg/schema"
)

// RunController is the slice of the orchestrator the API drives.
type RunController interface {
	Submit(ctx context.Context, plan *schema.ExecutionPlan) (*store.RunRecord, error)
	Launch(runID string) error
	Cancel(ctx context.Context, runID string) error
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
}

// ScheduleStore is the slice of the store the schedule endpoints use.
type ScheduleStore interface {
	CreateScheduledReport(ctx context.Context, sr *store.ScheduledReport) error
	GetScheduledReport(ctx context.Context, id string) (*store.ScheduledReport, error)
	ListScheduledReports(ctx context.Context, filter store.ScheduledReportFilter) ([]*store.ScheduledReport, error)
	DeleteScheduledReport(ctx context.Context, id string) error
}

// CronCalculator computes the next fire time for a cron expression.
// Satisfied by the scheduler.
type CronCalculator interface {
	NextRun(cronExpr string, from time.Time) (time.Time, error)
}

// Server wires the HTTP handlers to their collaborators. Hub and Vault are
// optional; their endpoints report the feature as unavailable when nil.
type Server struct {
	controller RunController
	status     *status.Service
	schedules  ScheduleStore
	cron       CronCalculator
	hub        streaming.Hub
	vault      secrets.Vault
	logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(controller RunController, statusSvc *status.Service, schedules ScheduleStore, cron CronCalculator, logger *slog.Logger) *Server {
	return &Server{
		controller: controller,
		status:     statusSvc,
		schedules:  schedules,
		cron:       cron,
		logger:     logger,
	}
}

// WithHub enables the live event stream endpoint.
func (s *Server) WithHub(hub streaming.Hub) *Server {
	s.hub = hub
	return s
}

// WithVault enables the secret management endpoints.
func (s *Server) WithVault(vault secrets.Vault) *Server {
	s.vault = vault
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/runs", s.submitRun)
		api.GET("/runs", s.listRuns)
		api.GET("/runs/:id", s.getRun)
		api.GET("/runs/:id/events", s.getEvents)
		api.GET("/runs/:id/stream", s.streamEvents)
		api.POST("/runs/:id/cancel", s.cancelRun)
		api.POST("/runs/:id/pause", s.pauseRun)
		api.POST("/runs/:id/resume", s.resumeRun)

		api.POST("/schedules", s.createSchedule)
		api.GET("/schedules", s.listSchedules)
		api.GET("/schedules/:id", s.getSchedule)
		api.DELETE("/schedules/:id", s.deleteSchedule)

		api.PUT("/secrets/:key", s.putSecret)
		api.GET("/secrets", s.listSecrets)
		api.DELETE("/secrets/:key", s.deleteSecret)
	}

	return r
}

// respondError maps WorkflowError codes onto HTTP statuses. Unknown errors
// are 500s with the message withheld.
func (s *Server) respondError(c *gin.Context, err error) {
	var wfErr *schema.WorkflowError
	if !errors.As(err, &wfErr) {
		s.logger.Error("internal error", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}

	httpStatus := http.StatusInternalServerError
	switch wfErr.Code {
	case schema.ErrCodeValidation:
		httpStatus = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		httpStatus = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		httpStatus = http.StatusConflict
	}

	body := gin.H{"code": wfErr.Code, "message": wfErr.Message}
	if len(wfErr.Details) > 0 {
		body["details"] = wfErr.Details
	}
	c.JSON(httpStatus, body)
}
