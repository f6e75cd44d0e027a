package verificationservice

import (
	"context"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

type IVerificationService interface {
	CreatePayment(ctx context.Context, req domain.CreateSessionRequest) (domain.PaymentSession, error)
	GetPayment(ctx context.Context, id string) (domain.PaymentSession, error)
	ListPayments(ctx context.Context, filter domain.SessionFilter) []domain.PaymentSession
	PausePayment(ctx context.Context, id string) error
	ResumePayment(ctx context.Context, id string) error
	CancelPayment(ctx context.Context, id string) (domain.PaymentSession, error)
	PurgePayment(ctx context.Context, id string) error
	RestoreSessions(ctx context.Context) (int, error)
	Tokens() []domain.Token
	Stats(ctx context.Context) domain.PaymentStats
	Diagnostics(ctx context.Context) domain.Diagnostics
	Shutdown(ctx context.Context) error
}

// Monitor is the per-session loop runner the service drives.
type Monitor interface {
	Watch(id string) error
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Active() []domain.LoopState
	Shutdown(ctx context.Context) error
}
