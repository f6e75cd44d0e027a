package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/websocket"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
)

type Handlers struct {
	VerificationSvc verificationservice.IVerificationService
	Logger          zerolog.Logger
	Config          *config.Config
	WsHub           *websocket.WsHub
	ReadyChecks     []ReadinessCheck
	Version         string
}

func New(verificationSvc verificationservice.IVerificationService, logger zerolog.Logger, config *config.Config, wsHub *websocket.WsHub) *Handlers {
	return &Handlers{
		VerificationSvc: verificationSvc,
		Logger:          logger,
		Config:          config,
		WsHub:           wsHub,
	}
}

// AddReadinessCheck registers a dependency that GET /ready must reach.
func (h *Handlers) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	h.ReadyChecks = append(h.ReadyChecks, ReadinessCheck{Name: name, Check: check})
}

// SetupHandlers mounts every route. adminAuth guards the operator endpoints.
func (h *Handlers) SetupHandlers(router *gin.Engine, adminAuth gin.HandlerFunc) {
	paymentHandler := NewPaymentHandler(h.VerificationSvc, h.Logger)
	infoHandler := NewInfoHandler(h.VerificationSvc)
	wsHandler := NewWebSocketHandler(h.VerificationSvc, h.WsHub, h.Config.WebSocket, h.Logger)
	healthHandler := NewHealthHandler(h.VerificationSvc, h.ReadyChecks, h.Version)

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/v1")
	{
		payments := v1.Group("/payments")
		{
			payments.POST("", paymentHandler.CreatePayment)
			payments.GET("", paymentHandler.ListPayments)
			payments.GET("/:id", paymentHandler.GetPayment)
			payments.GET("/:id/ws", wsHandler.HandleConnection)

			payments.POST("/:id/pause", adminAuth, paymentHandler.PausePayment)
			payments.POST("/:id/resume", adminAuth, paymentHandler.ResumePayment)
			payments.POST("/:id/cancel", adminAuth, paymentHandler.CancelPayment)
			payments.DELETE("/:id", adminAuth, paymentHandler.PurgePayment)
		}

		v1.GET("/tokens", infoHandler.Tokens)
		v1.GET("/stats", infoHandler.Stats)
		v1.GET("/diagnostics", adminAuth, infoHandler.Diagnostics)
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrChainUnavailable):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, domain.ApiResponse{
		Message: err.Error(),
		Success: false,
		Status:  status,
	})
}

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, domain.ApiResponse{
		Message: message,
		Success: true,
		Status:  status,
		Data:    data,
	})
}
