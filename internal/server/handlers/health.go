package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

const readinessTimeout = 3 * time.Second

// ReadinessCheck reports whether one dependency of the engine can serve.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type monitorSummary struct {
	Active  int `json:"active"`
	Paused  int `json:"paused"`
	Failing int `json:"failing"`
}

type HealthHandler struct {
	verificationSvc verificationservice.IVerificationService
	checks          []ReadinessCheck
	version         string
	startedAt       time.Time
}

func NewHealthHandler(verificationSvc verificationservice.IVerificationService, checks []ReadinessCheck, version string) *HealthHandler {
	return &HealthHandler{
		verificationSvc: verificationSvc,
		checks:          checks,
		version:         version,
		startedAt:       time.Now(),
	}
}

// Health is liveness only: the process is up and serving HTTP.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Ready runs every readiness check and summarises the payment monitors.
// Any failing check turns the response into a 503.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	ready := true
	results := make(map[string]checkResult, len(h.checks))
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			ready = false
			results[chk.Name] = checkResult{Status: "down", Error: err.Error()}
			continue
		}
		results[chk.Name] = checkResult{Status: "up"}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"version":  h.version,
		"checks":   results,
		"monitors": summarize(h.verificationSvc.Diagnostics(ctx).ActiveLoops),
	})
}

func summarize(loops []domain.LoopState) monitorSummary {
	s := monitorSummary{Active: len(loops)}
	for _, l := range loops {
		if l.Paused {
			s.Paused++
		}
		if l.ConsecutiveFailures > 0 {
			s.Failing++
		}
	}
	return s
}
