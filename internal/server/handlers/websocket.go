package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/websocket"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
)

// WebSocketHandler streams status updates for one payment.
type WebSocketHandler struct {
	verificationService verificationservice.IVerificationService
	wsHub               *websocket.WsHub
	upgrader            gws.Upgrader
	pingPeriod          time.Duration
	logger              zerolog.Logger
}

func NewWebSocketHandler(verificationService verificationservice.IVerificationService, wsHub *websocket.WsHub, cfg config.WebSocketConfig, logger zerolog.Logger) *WebSocketHandler {
	upgrader := gws.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}
	if !cfg.CheckOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return &WebSocketHandler{
		verificationService: verificationService,
		wsHub:               wsHub,
		upgrader:            upgrader,
		pingPeriod:          cfg.PingPeriod,
		logger:              logger,
	}
}

func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.verificationService.GetPayment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Error().Err(err).Str("payment_id", id).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := websocket.NewClient(conn, id, h.pingPeriod, h.logger)
	h.wsHub.Register(client)

	// Snapshot after registering so no update between the two is lost.
	if session, err := h.verificationService.GetPayment(c.Request.Context(), id); err == nil {
		client.Send(websocket.WsMessage{Type: websocket.MessageTypePaymentStatus, Payment: session.View(time.Now())})
	}

	h.logger.Info().Str("payment_id", id).Str("client_id", client.ID()).Msg("WebSocket client connected")

	go client.WritePump()
	client.ReadPump()

	h.wsHub.Unregister(client)
	h.logger.Info().Str("payment_id", id).Str("client_id", client.ID()).Msg("WebSocket client disconnected")
}
