package sessionrepo

import (
	"context"
	"errors"
	"time"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

// ErrNoChange returned from an Update callback leaves the record untouched
// without reporting a failure.
var ErrNoChange = errors.New("no change")

type ISessionRepository interface {
	Create(ctx context.Context, req domain.CreateSessionRequest) (domain.PaymentSession, error)
	Get(ctx context.Context, id string) (domain.PaymentSession, bool)
	Update(ctx context.Context, id string, fn func(*domain.PaymentSession) error) (domain.PaymentSession, error)
	UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, update domain.SessionUpdate) (domain.PaymentSession, error)
	Expire(ctx context.Context, id string, now time.Time) (domain.PaymentSession, bool, error)
	SweepExpired(ctx context.Context, now time.Time) ([]domain.PaymentSession, error)
	List(ctx context.Context, filter domain.SessionFilter) []domain.PaymentSession
	Export(ctx context.Context) domain.SessionSnapshot
	Purge(ctx context.Context, id string) error
	Restore(ctx context.Context) ([]domain.PaymentSession, error)
}

// Archive persists session records outside the process.
type Archive interface {
	EnsureSchema(ctx context.Context) error
	Save(ctx context.Context, session domain.PaymentSession) error
	LoadActive(ctx context.Context) ([]domain.PaymentSession, error)
	Delete(ctx context.Context, id string) error
}
