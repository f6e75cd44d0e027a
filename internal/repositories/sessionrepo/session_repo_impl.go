package sessionrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/currency"
)

type Config struct {
	ReceiverAddress string
	Timeout         time.Duration
	Tokens          domain.TokenRegistry
	// Now defaults to time.Now.
	Now func() time.Time
}

type sessionRepositoryImpl struct {
	mu       sync.Mutex
	sessions map[string]*domain.PaymentSession
	order    []string

	config        Config
	archive       Archive
	currencyUtils *currency.CurrencyUtils
	logger        zerolog.Logger
}

// New returns the in-memory session store. archive may be nil.
func New(cfg Config, archive Archive, logger zerolog.Logger) ISessionRepository {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &sessionRepositoryImpl{
		sessions:      make(map[string]*domain.PaymentSession),
		config:        cfg,
		archive:       archive,
		currencyUtils: currency.NewCurrencyUtils(),
		logger:        logger,
	}
}

func (r *sessionRepositoryImpl) Create(ctx context.Context, req domain.CreateSessionRequest) (domain.PaymentSession, error) {
	amount, err := r.currencyUtils.ParseAmount(req.Amount)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !amount.IsPositive() {
		return domain.PaymentSession{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	token, ok := r.config.Tokens.Lookup(req.TokenSymbol)
	if !ok {
		return domain.PaymentSession{}, fmt.Errorf("%w: %s", domain.ErrUnknownToken, req.TokenSymbol)
	}
	truncated := amount.Truncate(token.Decimals)
	if !amount.Equal(truncated) {
		return domain.PaymentSession{}, fmt.Errorf("%w: %s supports at most %d decimals", domain.ErrValidation, token.Symbol, token.Decimals)
	}
	amount = truncated

	payer := strings.TrimSpace(req.PayerAddress)
	if payer != "" {
		if !common.IsHexAddress(payer) {
			return domain.PaymentSession{}, fmt.Errorf("%w: malformed payer address %q", domain.ErrValidation, payer)
		}
		payer = common.HexToAddress(payer).Hex()
	}

	now := r.config.Now()
	session := domain.PaymentSession{
		ID:              newPaymentID(),
		ExpectedAmount:  amount,
		TokenSymbol:     token.Symbol,
		ReceiverAddress: r.config.ReceiverAddress,
		PayerAddress:    payer,
		Status:          domain.SessionStatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.config.Timeout),
		UpdatedAt:       now,
		Version:         1,
	}

	r.mu.Lock()
	stored := session.Clone()
	r.sessions[session.ID] = &stored
	r.order = append(r.order, session.ID)
	r.mu.Unlock()

	r.logger.Info().
		Str("payment_id", session.ID).
		Str("token", session.TokenSymbol).
		Str("amount", session.ExpectedAmount.String()).
		Time("expires_at", session.ExpiresAt).
		Msg("Payment session created")

	r.persist(ctx, session)
	return session, nil
}

func newPaymentID() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Get reports a non-terminal session past its deadline as expired even if no
// sweep has recorded that yet.
func (r *sessionRepositoryImpl) Get(ctx context.Context, id string) (domain.PaymentSession, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return domain.PaymentSession{}, false
	}
	out := s.Clone()
	r.mu.Unlock()

	out.Status = out.EffectiveStatus(r.config.Now())
	return out, true
}

func (r *sessionRepositoryImpl) Update(ctx context.Context, id string, fn func(*domain.PaymentSession) error) (domain.PaymentSession, error) {
	out, _, err := r.update(ctx, id, fn)
	return out, err
}

// update applies fn to a copy and replaces the stored record only if fn succeeds
// and the result respects the record's invariants.
func (r *sessionRepositoryImpl) update(ctx context.Context, id string, fn func(*domain.PaymentSession) error) (domain.PaymentSession, bool, error) {
	r.mu.Lock()
	current, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return domain.PaymentSession{}, false, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		out := current.Clone()
		r.mu.Unlock()
		if errors.Is(err, ErrNoChange) {
			return out, false, nil
		}
		return out, false, err
	}
	if err := checkInvariants(*current, next); err != nil {
		out := current.Clone()
		r.mu.Unlock()
		return out, false, err
	}

	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = r.config.Now()
	stored := next.Clone()
	r.sessions[id] = &stored
	r.mu.Unlock()

	if current.Status != next.Status {
		r.logger.Info().
			Str("payment_id", id).
			Str("from", string(current.Status)).
			Str("to", string(next.Status)).
			Msg("Payment session status changed")
	}

	r.persist(ctx, next)
	return next, true, nil
}

func checkInvariants(prev, next domain.PaymentSession) error {
	switch {
	case prev.Status.IsTerminal() && next.Status != prev.Status:
		return fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, prev.Status)
	case prev.Status != domain.SessionStatusPending && next.Status == domain.SessionStatusPending:
		return fmt.Errorf("%w: %s -> pending", domain.ErrInvalidTransition, prev.Status)
	case prev.MatchedTransfer != nil && (next.MatchedTransfer == nil ||
		next.MatchedTransfer.TransactionHash != prev.MatchedTransfer.TransactionHash ||
		next.MatchedTransfer.LogIndex != prev.MatchedTransfer.LogIndex):
		return fmt.Errorf("%w: matched transfer is immutable", domain.ErrInvalidTransition)
	case prev.CompletedAt != nil && (next.CompletedAt == nil || !next.CompletedAt.Equal(*prev.CompletedAt)):
		return fmt.Errorf("%w: completion time is immutable", domain.ErrInvalidTransition)
	case next.LastCheckedBlock < prev.LastCheckedBlock:
		return fmt.Errorf("%w: watermark moved back from %d to %d", domain.ErrInvalidTransition, prev.LastCheckedBlock, next.LastCheckedBlock)
	case !next.ExpectedAmount.Equal(prev.ExpectedAmount) || next.TokenSymbol != prev.TokenSymbol || next.ReceiverAddress != prev.ReceiverAddress:
		return fmt.Errorf("%w: payment terms are immutable", domain.ErrInvalidTransition)
	}
	return nil
}

func (r *sessionRepositoryImpl) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, update domain.SessionUpdate) (domain.PaymentSession, error) {
	now := r.config.Now()
	return r.Update(ctx, id, func(s *domain.PaymentSession) error {
		if s.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, s.Status)
		}
		if update.MatchedTransfer != nil {
			if err := s.RecordMatch(*update.MatchedTransfer); err != nil {
				return err
			}
		}
		if update.Confirmations != nil {
			s.Confirmations = *update.Confirmations
		}
		if update.LastCheckedBlock != nil {
			s.AdvanceWatermark(*update.LastCheckedBlock)
		}
		if status == domain.SessionStatusFailed && update.FailureReason != "" {
			s.FailureReason = update.FailureReason
		}
		if status == s.Status {
			return nil
		}
		return s.Transition(status, now)
	})
}

// Expire moves an overdue non-terminal session to expired. Calling it again, or on
// a session still within its deadline, changes nothing.
func (r *sessionRepositoryImpl) Expire(ctx context.Context, id string, now time.Time) (domain.PaymentSession, bool, error) {
	return r.update(ctx, id, func(s *domain.PaymentSession) error {
		if !s.IsExpiredAt(now) {
			return ErrNoChange
		}
		return s.Transition(domain.SessionStatusExpired, now)
	})
}

func (r *sessionRepositoryImpl) SweepExpired(ctx context.Context, now time.Time) ([]domain.PaymentSession, error) {
	r.mu.Lock()
	var due []string
	for _, id := range r.order {
		if r.sessions[id].IsExpiredAt(now) {
			due = append(due, id)
		}
	}
	r.mu.Unlock()

	var expired []domain.PaymentSession
	var errs []error
	for _, id := range due {
		s, changed, err := r.Expire(ctx, id, now)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if changed {
			expired = append(expired, s)
		}
	}

	if len(expired) > 0 {
		r.logger.Info().Int("count", len(expired)).Msg("Expired overdue payment sessions")
	}
	return expired, errors.Join(errs...)
}

func (r *sessionRepositoryImpl) List(ctx context.Context, filter domain.SessionFilter) []domain.PaymentSession {
	now := r.config.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PaymentSession, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id].Clone()
		s.Status = s.EffectiveStatus(now)
		if filter.Matches(s.Status) {
			out = append(out, s)
		}
	}
	return out
}

func (r *sessionRepositoryImpl) Export(ctx context.Context) domain.SessionSnapshot {
	r.mu.Lock()
	sessions := make([]domain.PaymentSession, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, r.sessions[id].Clone())
	}
	r.mu.Unlock()

	return domain.SessionSnapshot{
		ExportedAt: r.config.Now(),
		Sessions:   sessions,
	}
}

func (r *sessionRepositoryImpl) Purge(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if !s.Status.IsTerminal() {
		status := s.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot purge %s session", domain.ErrInvalidTransition, status)
	}
	delete(r.sessions, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("payment_id", id).Msg("Payment session purged")

	if r.archive != nil {
		if err := r.archive.Delete(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("payment_id", id).Msg("Failed to delete archived session")
		}
	}
	return nil
}

// Restore loads non-terminal sessions from the archive that are not already in
// memory and returns them in creation order.
func (r *sessionRepositoryImpl) Restore(ctx context.Context) ([]domain.PaymentSession, error) {
	if r.archive == nil {
		return nil, nil
	}

	sessions, err := r.archive.LoadActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load archived sessions: %w", err)
	}

	var restored []domain.PaymentSession
	r.mu.Lock()
	for _, s := range sessions {
		if _, exists := r.sessions[s.ID]; exists {
			continue
		}
		stored := s.Clone()
		r.sessions[s.ID] = &stored
		r.order = append(r.order, s.ID)
		restored = append(restored, s.Clone())
	}
	r.mu.Unlock()

	r.logger.Info().Int("count", len(restored)).Msg("Restored payment sessions from archive")
	return restored, nil
}

func (r *sessionRepositoryImpl) persist(ctx context.Context, s domain.PaymentSession) {
	if r.archive == nil {
		return
	}
	if err := r.archive.Save(ctx, s); err != nil {
		r.logger.Warn().
			Err(err).
			Str("payment_id", s.ID).
			Int64("version", s.Version).
			Msg("Failed to archive payment session")
	}
}
