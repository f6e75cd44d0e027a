package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusMonitoring SessionStatus = "monitoring"
	SessionStatusConfirming SessionStatus = "confirming"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusFailed     SessionStatus = "failed"
)

// transitions is the session state graph. Terminal states have no outgoing edges.
var transitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:    {SessionStatusMonitoring, SessionStatusExpired, SessionStatusFailed},
	SessionStatusMonitoring: {SessionStatusConfirming, SessionStatusExpired, SessionStatusFailed},
	SessionStatusConfirming: {SessionStatusCompleted, SessionStatusExpired, SessionStatusFailed},
}

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(s); st {
	case SessionStatusPending, SessionStatusMonitoring, SessionStatusConfirming,
		SessionStatusCompleted, SessionStatusExpired, SessionStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown session status %q", ErrValidation, s)
	}
}

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MatchedTransfer is the on-chain transfer recorded as the candidate for a session.
type MatchedTransfer struct {
	TransactionHash string          `json:"transaction_hash"`
	LogIndex        uint            `json:"log_index"`
	BlockNumber     uint64          `json:"block_number"`
	ObservedAmount  decimal.Decimal `json:"observed_amount"`
	FromAddress     string          `json:"from_address,omitempty"`
}

type PaymentSession struct {
	ID               string           `json:"id"`
	ExpectedAmount   decimal.Decimal  `json:"expected_amount"`
	TokenSymbol      string           `json:"token_symbol"`
	ReceiverAddress  string           `json:"receiver_address"`
	PayerAddress     string           `json:"payer_address,omitempty"`
	Status           SessionStatus    `json:"status"`
	MatchedTransfer  *MatchedTransfer `json:"matched_transfer,omitempty"`
	Confirmations    uint64           `json:"confirmations"`
	LastCheckedBlock uint64           `json:"last_checked_block"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int64            `json:"version"`
}

// IsExpiredAt reports whether a non-terminal session has outlived its deadline.
func (s PaymentSession) IsExpiredAt(now time.Time) bool {
	return !s.Status.IsTerminal() && !now.Before(s.ExpiresAt)
}

// EffectiveStatus is the status a reader should act on: a session past its deadline
// that has not been swept yet is already expired.
func (s PaymentSession) EffectiveStatus(now time.Time) SessionStatus {
	if s.IsExpiredAt(now) {
		return SessionStatusExpired
	}
	return s.Status
}

// Transition moves the session one edge along the state graph and maintains the
// fields tied to the target state.
func (s *PaymentSession) Transition(to SessionStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	switch to {
	case SessionStatusConfirming:
		if s.MatchedTransfer == nil {
			return fmt.Errorf("%w: confirming requires a matched transfer", ErrInvalidTransition)
		}
	case SessionStatusCompleted:
		if s.MatchedTransfer == nil {
			return fmt.Errorf("%w: completed requires a matched transfer", ErrInvalidTransition)
		}
		if s.CompletedAt == nil {
			t := now
			s.CompletedAt = &t
		}
	}
	s.Status = to
	return nil
}

// RecordMatch stores the candidate transfer. A session matches at most once.
func (s *PaymentSession) RecordMatch(m MatchedTransfer) error {
	if s.MatchedTransfer != nil {
		if s.MatchedTransfer.TransactionHash == m.TransactionHash && s.MatchedTransfer.LogIndex == m.LogIndex {
			return nil
		}
		return fmt.Errorf("%w: session %s already matched %s", ErrInvalidTransition, s.ID, s.MatchedTransfer.TransactionHash)
	}
	mt := m
	s.MatchedTransfer = &mt
	return nil
}

// AdvanceWatermark raises LastCheckedBlock. Lower values are ignored.
func (s *PaymentSession) AdvanceWatermark(block uint64) {
	if block > s.LastCheckedBlock {
		s.LastCheckedBlock = block
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (s PaymentSession) Clone() PaymentSession {
	out := s
	if s.MatchedTransfer != nil {
		mt := *s.MatchedTransfer
		out.MatchedTransfer = &mt
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// SessionView is the read model handed to UI / QR consumers.
type SessionView struct {
	ID              string           `json:"id"`
	Status          SessionStatus    `json:"status"`
	TokenSymbol     string           `json:"token_symbol"`
	ExpectedAmount  string           `json:"expected_amount"`
	ReceiverAddress string           `json:"receiver_address"`
	Confirmations   uint64           `json:"confirmations"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	MatchedTransfer *MatchedTransfer `json:"matched_transfer,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

func (s PaymentSession) View(now time.Time) SessionView {
	c := s.Clone()
	return SessionView{
		ID:              c.ID,
		Status:          c.EffectiveStatus(now),
		TokenSymbol:     c.TokenSymbol,
		ExpectedAmount:  c.ExpectedAmount.String(),
		ReceiverAddress: c.ReceiverAddress,
		Confirmations:   c.Confirmations,
		CreatedAt:       c.CreatedAt,
		ExpiresAt:       c.ExpiresAt,
		MatchedTransfer: c.MatchedTransfer,
		CompletedAt:     c.CompletedAt,
	}
}

type CreateSessionRequest struct {
	Amount       string `json:"amount" binding:"required"`
	TokenSymbol  string `json:"token_symbol" binding:"required"`
	PayerAddress string `json:"payer_address"`
}

// SessionUpdate carries the optional fields applied together with a status change.
type SessionUpdate struct {
	MatchedTransfer  *MatchedTransfer
	Confirmations    *uint64
	LastCheckedBlock *uint64
	FailureReason    string
}

type SessionFilter struct {
	Statuses []SessionStatus
}

func (f SessionFilter) Matches(s SessionStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if st == s {
			return true
		}
	}
	return false
}
