// Package api provides the REST and streaming API for the coordinator.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/errors"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/coordinator"
	v1 "github.com/ralphd/ralphd/pkg/api/v1"
)

// Handler contains HTTP handlers for the run API
type Handler struct {
	service *coordinator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *coordinator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "coordinator-api")),
	}
}

// StartRun launches a run across the requested providers and waits for their
// preparations to settle
// POST /api/v1/run
func (h *Handler) StartRun(c *gin.Context) {
	var req v1.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	params := coordinator.StartParams{
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		Task:      req.Task,
		Providers: req.Providers,
		UserID:    req.UserID,
	}
	if req.Config != nil {
		params.Loop = coordinator.LoopOverrides{
			MaxIterations: req.Config.MaxIterations,
			IdleTimeoutMs: req.Config.IdleTimeoutMs,
			UseSSE:        req.Config.UseSSE,
		}
	}

	result, err := h.service.StartRun(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("failed to start run", zap.Error(err))
		appErr := errors.Wrap(err, "failed to start run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	providers := make([]v1.ProviderStartResult, 0, len(result.Providers))
	for _, p := range result.Providers {
		providers = append(providers, v1.ProviderStartResult{
			Provider:  string(p.Provider),
			SandboxID: p.SandboxID,
			Success:   p.Success,
			Error:     p.Error,
		})
	}
	c.JSON(http.StatusOK, v1.StartRunResponse{
		RunID:     result.RunID,
		Providers: providers,
	})
}

// GetRun returns the current snapshot of a run
// GET /api/v1/run/:runId
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		appErr := errors.BadRequest("runId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	snap, err := h.service.GetRun(runID)
	if err != nil {
		appErr := errors.Wrap(err, "failed to get run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListRuns returns snapshots of every registered run, newest first
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	snaps := h.service.ListRuns()
	c.JSON(http.StatusOK, gin.H{
		"runs":  snaps,
		"total": len(snaps),
	})
}

// StopRun cancels a run's iteration loops and destroys its sandboxes
// POST /api/v1/run/:runId/stop
func (h *Handler) StopRun(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		appErr := errors.BadRequest("runId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.service.StopRun(c.Request.Context(), runID)
	if err != nil {
		h.logger.Error("failed to stop run", zap.String("run_id", runID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to stop run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	providers := make([]v1.ProviderStopResult, 0, len(result.Providers))
	for _, p := range result.Providers {
		providers = append(providers, v1.ProviderStopResult{
			Provider:  string(p.Provider),
			SandboxID: p.SandboxID,
			Destroyed: p.Destroyed,
			Error:     p.Error,
		})
	}
	c.JSON(http.StatusOK, v1.StopRunResponse{
		RunID:     result.RunID,
		Success:   result.Success,
		Providers: providers,
	})
}

// ListProviders returns every known provider and whether a driver is wired
// GET /api/v1/providers
func (h *Handler) ListProviders(c *gin.Context) {
	infos := h.service.Providers()

	providers := make([]v1.ProviderInfo, 0, len(infos))
	for _, info := range infos {
		providers = append(providers, v1.ProviderInfo{
			Name:       string(info.Provider),
			Configured: info.Configured,
		})
	}
	c.JSON(http.StatusOK, v1.ProvidersResponse{Providers: providers})
}
