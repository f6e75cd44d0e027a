package websocket

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

const MessageTypePaymentStatus = "payment_status"

type WsMessage struct {
	Type    string             `json:"type"`
	Payment domain.SessionView `json:"payment"`
}

// WsHub fans session updates out to the clients watching each payment.
type WsHub struct {
	clients    map[string]map[*Client]bool
	broadcast  chan domain.PaymentSession
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	stopped    chan struct{}
	logger     zerolog.Logger
	now        func() time.Time
}

func NewWsHub(logger zerolog.Logger) *WsHub {
	return &WsHub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan domain.PaymentSession, 100),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		count:      make(chan chan int),
		stopped:    make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

// Run owns the client registry until ctx is cancelled.
func (h *WsHub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					client.Close()
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.paymentID] == nil {
				h.clients[client.paymentID] = make(map[*Client]bool)
			}
			h.clients[client.paymentID][client] = true
			h.logger.Info().
				Str("payment_id", client.paymentID).
				Str("client_id", client.id).
				Int("connection_count", len(h.clients[client.paymentID])).
				Msg("WebSocket client registered")

		case client := <-h.unregister:
			h.remove(client)

		case session := <-h.broadcast:
			clients, ok := h.clients[session.ID]
			if !ok {
				continue
			}
			msg := WsMessage{Type: MessageTypePaymentStatus, Payment: session.View(h.now())}
			for client := range clients {
				if !client.Send(msg) {
					h.logger.Warn().
						Str("payment_id", session.ID).
						Str("client_id", client.id).
						Msg("Dropping slow WebSocket client")
					h.remove(client)
				}
			}

		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

func (h *WsHub) remove(client *Client) {
	clients, ok := h.clients[client.paymentID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	client.Close()
	if len(clients) == 0 {
		delete(h.clients, client.paymentID)
	}
	h.logger.Info().
		Str("payment_id", client.paymentID).
		Str("client_id", client.id).
		Msg("WebSocket client unregistered")
}

func (h *WsHub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		client.Close()
	}
}

func (h *WsHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// NotifySession queues a session update. It never blocks the caller; when the
// queue is full the update is dropped and clients catch up on the next one.
func (h *WsHub) NotifySession(session domain.PaymentSession) {
	select {
	case h.broadcast <- session.Clone():
	default:
		h.logger.Warn().
			Str("payment_id", session.ID).
			Str("status", string(session.Status)).
			Msg("WebSocket broadcast queue full, dropping update")
	}
}

// ClientCount reports connected clients. It needs Run to be active.
func (h *WsHub) ClientCount(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.stopped:
		return 0
	case <-ctx.Done():
		return 0
	}
}
