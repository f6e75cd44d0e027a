package interfaces

import (
	"context"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

// ChainClient is the read-only view of an EVM chain the verification engine needs.
// Both calls are idempotent and safe to retry.
type ChainClient interface {
	// CurrentBlockNumber returns the latest block height known to the node.
	CurrentBlockNumber(ctx context.Context) (uint64, error)

	// TokenTransfersTo returns Transfer events of the given token to receiver
	// within [fromBlock, toBlock], both inclusive.
	TokenTransfersTo(ctx context.Context, tokenSymbol, receiver string, fromBlock, toBlock uint64) ([]domain.TransferObservation, error)
}

// SessionNotifier receives every committed session change.
type SessionNotifier interface {
	NotifySession(session domain.PaymentSession)
}

// EventPublisher forwards session status changes to an external broker.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, session domain.PaymentSession) error
	Close()
}

// ErrorRecorder is the sink the engine reports failures into.
type ErrorRecorder interface {
	Record(source, paymentID string, err any) domain.NormalizedError
}
