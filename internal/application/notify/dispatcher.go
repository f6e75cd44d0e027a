// Package notify fans committed session changes out to UI clients and the broker.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain/interfaces"
)

const publishTimeout = 5 * time.Second

type Dispatcher struct {
	notifiers []interfaces.SessionNotifier
	publisher interfaces.EventPublisher
	logger    zerolog.Logger
}

// New builds a dispatcher. publisher may be nil.
func New(publisher interfaces.EventPublisher, logger zerolog.Logger, notifiers ...interfaces.SessionNotifier) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		publisher: publisher,
		logger:    logger,
	}
}

func (d *Dispatcher) NotifySession(session domain.PaymentSession) {
	for _, n := range d.notifiers {
		n.NotifySession(session.Clone())
	}

	if d.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := d.publisher.PublishSessionEvent(ctx, session); err != nil {
		d.logger.Warn().
			Err(err).
			Str("payment_id", session.ID).
			Str("status", string(session.Status)).
			Msg("Failed to publish session event")
	}
}
