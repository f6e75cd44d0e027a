package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

// SessionEvent is the message published on every committed session change.
type SessionEvent struct {
	EventID         string               `json:"event_id"`
	PaymentID       string               `json:"payment_id"`
	Status          domain.SessionStatus `json:"status"`
	TokenSymbol     string               `json:"token_symbol"`
	ExpectedAmount  string               `json:"expected_amount"`
	TransactionHash string               `json:"transaction_hash,omitempty"`
	Confirmations   uint64               `json:"confirmations"`
	FailureReason   string               `json:"failure_reason,omitempty"`
	OccurredAt      time.Time            `json:"occurred_at"`
}

func NewSessionEvent(s domain.PaymentSession) SessionEvent {
	ev := SessionEvent{
		EventID:        uuid.NewString(),
		PaymentID:      s.ID,
		Status:         s.Status,
		TokenSymbol:    s.TokenSymbol,
		ExpectedAmount: s.ExpectedAmount.String(),
		Confirmations:  s.Confirmations,
		FailureReason:  s.FailureReason,
		OccurredAt:     s.UpdatedAt,
	}
	if s.MatchedTransfer != nil {
		ev.TransactionHash = s.MatchedTransfer.TransactionHash
	}
	return ev
}

func RoutingKey(status domain.SessionStatus) string {
	return "payment." + string(status)
}

type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   zerolog.Logger
}

func NewAMQPPublisher(rawURL, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p := &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) declare() error {
	return p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
}

func (p *AMQPPublisher) PublishSessionEvent(ctx context.Context, s domain.PaymentSession) error {
	ev := NewSessionEvent(s)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(s.Status), false, false, msg)
	if err == nil {
		return nil
	}

	// one retry on a fresh channel
	p.logger.Warn().Err(err).Str("payment_id", s.ID).Msg("Publish failed, reopening channel")
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("publish session event: %w", errors.Join(err, chErr))
	}
	p.channel = ch
	if err := p.declare(); err != nil {
		return fmt.Errorf("redeclare exchange: %w", err)
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(s.Status), false, false, msg); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopPublisher is used when no broker is configured or it was unreachable at startup.
type NoopPublisher struct {
	logger zerolog.Logger
}

func NewNoopPublisher(logger zerolog.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) PublishSessionEvent(ctx context.Context, s domain.PaymentSession) error {
	p.logger.Debug().
		Str("payment_id", s.ID).
		Str("routing_key", RoutingKey(s.Status)).
		Msg("Event publish skipped, no broker")
	return nil
}

func (p *NoopPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
