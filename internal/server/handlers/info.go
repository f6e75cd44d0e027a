package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
)

type InfoHandler struct {
	verificationService verificationservice.IVerificationService
}

func NewInfoHandler(verificationService verificationservice.IVerificationService) *InfoHandler {
	return &InfoHandler{verificationService: verificationService}
}

func (h *InfoHandler) Tokens(c *gin.Context) {
	respondOK(c, http.StatusOK, "Supported tokens", h.verificationService.Tokens())
}

func (h *InfoHandler) Stats(c *gin.Context) {
	respondOK(c, http.StatusOK, "Payment statistics", h.verificationService.Stats(c.Request.Context()))
}

// Diagnostics exports sessions, recent errors and loop state in one document.
func (h *InfoHandler) Diagnostics(c *gin.Context) {
	respondOK(c, http.StatusOK, "Diagnostics export", h.verificationService.Diagnostics(c.Request.Context()))
}
