package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

type PaymentHandler struct {
	verificationService verificationservice.IVerificationService
	logger              zerolog.Logger
	now                 func() time.Time
}

func NewPaymentHandler(verificationService verificationservice.IVerificationService, logger zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		verificationService: verificationService,
		logger:              logger,
		now:                 time.Now,
	}
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req domain.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	session, err := h.verificationService.CreatePayment(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("token", req.TokenSymbol).Msg("Rejected payment request")
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, "Payment created", session.View(h.now()))
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	session, err := h.verificationService.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "Payment retrieved", session.View(h.now()))
}

func (h *PaymentHandler) ListPayments(c *gin.Context) {
	filter, err := parseStatusFilter(c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}

	now := h.now()
	sessions := h.verificationService.ListPayments(c.Request.Context(), filter)
	views := make([]domain.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View(now))
	}
	respondOK(c, http.StatusOK, fmt.Sprintf("%d payments", len(views)), views)
}

func (h *PaymentHandler) PausePayment(c *gin.Context) {
	id := c.Param("id")
	if err := h.verificationService.PausePayment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "Monitoring paused", gin.H{"id": id})
}

func (h *PaymentHandler) ResumePayment(c *gin.Context) {
	id := c.Param("id")
	if err := h.verificationService.ResumePayment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "Monitoring resumed", gin.H{"id": id})
}

func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	session, err := h.verificationService.CancelPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "Payment cancelled", session.View(h.now()))
}

func (h *PaymentHandler) PurgePayment(c *gin.Context) {
	id := c.Param("id")
	if err := h.verificationService.PurgePayment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "Payment purged", gin.H{"id": id})
}

// parseStatusFilter reads a comma separated status list such as "pending,monitoring".
func parseStatusFilter(raw string) (domain.SessionFilter, error) {
	var filter domain.SessionFilter
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status, err := domain.ParseSessionStatus(strings.ToLower(part))
		if err != nil {
			return domain.SessionFilter{}, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}
