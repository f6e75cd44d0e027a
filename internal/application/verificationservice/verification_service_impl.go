package verificationservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/errclass"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain/interfaces"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/repositories/sessionrepo"
)

const cancelReason = "cancelled by operator"

type verificationService struct {
	sessionRepo sessionrepo.ISessionRepository
	monitor     Monitor
	classifier  *errclass.Classifier
	notifier    interfaces.SessionNotifier
	tokens      domain.TokenRegistry
	logger      zerolog.Logger
	now         func() time.Time
}

func New(
	sessionRepo sessionrepo.ISessionRepository,
	monitor Monitor,
	classifier *errclass.Classifier,
	notifier interfaces.SessionNotifier,
	tokens domain.TokenRegistry,
	logger zerolog.Logger,
) IVerificationService {
	return &verificationService{
		sessionRepo: sessionRepo,
		monitor:     monitor,
		classifier:  classifier,
		notifier:    notifier,
		tokens:      tokens,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *verificationService) CreatePayment(ctx context.Context, req domain.CreateSessionRequest) (domain.PaymentSession, error) {
	session, err := s.sessionRepo.Create(ctx, req)
	if err != nil {
		s.classifier.Record("api", "", err)
		return domain.PaymentSession{}, err
	}
	s.notify(session)

	if err := s.monitor.Watch(session.ID); err != nil {
		// the session stays pending and is expired by the sweeper
		s.classifier.Record("api", session.ID, err)
		s.logger.Error().Err(err).Str("payment_id", session.ID).Msg("Failed to start monitoring")
	}
	return session, nil
}

func (s *verificationService) GetPayment(ctx context.Context, id string) (domain.PaymentSession, error) {
	session, ok := s.sessionRepo.Get(ctx, id)
	if !ok {
		return domain.PaymentSession{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return session, nil
}

func (s *verificationService) ListPayments(ctx context.Context, filter domain.SessionFilter) []domain.PaymentSession {
	return s.sessionRepo.List(ctx, filter)
}

// PausePayment stops ticks for a monitored payment. A payment without a running
// loop cannot be paused.
func (s *verificationService) PausePayment(ctx context.Context, id string) error {
	if _, err := s.GetPayment(ctx, id); err != nil {
		return err
	}
	err := s.monitor.Pause(id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return fmt.Errorf("%w: payment %s is not monitored", domain.ErrInvalidTransition, id)
	}
	return err
}

// ResumePayment resumes a paused loop, or starts one for a non-terminal session
// that has none (for example after a restart).
func (s *verificationService) ResumePayment(ctx context.Context, id string) error {
	session, err := s.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	err = s.monitor.Resume(id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		if session.Status.IsTerminal() {
			return fmt.Errorf("%w: payment %s is %s", domain.ErrInvalidTransition, id, session.Status)
		}
		return s.monitor.Watch(id)
	}
	return err
}

func (s *verificationService) CancelPayment(ctx context.Context, id string) (domain.PaymentSession, error) {
	if _, err := s.GetPayment(ctx, id); err != nil {
		return domain.PaymentSession{}, err
	}
	if err := s.monitor.Cancel(id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return domain.PaymentSession{}, err
	}

	session, err := s.sessionRepo.UpdateStatus(ctx, id, domain.SessionStatusFailed, domain.SessionUpdate{FailureReason: cancelReason})
	if err != nil {
		s.classifier.Record("api", id, err)
		return session, err
	}
	s.logger.Info().Str("payment_id", id).Msg("Payment cancelled")
	s.notify(session)
	return session, nil
}

func (s *verificationService) PurgePayment(ctx context.Context, id string) error {
	return s.sessionRepo.Purge(ctx, id)
}

// RestoreSessions reloads archived sessions and resumes monitoring them.
func (s *verificationService) RestoreSessions(ctx context.Context) (int, error) {
	restored, err := s.sessionRepo.Restore(ctx)
	if err != nil {
		s.classifier.Record("restore", "", err)
		return 0, err
	}

	watched := 0
	for _, session := range restored {
		if err := s.monitor.Watch(session.ID); err != nil {
			s.classifier.Record("restore", session.ID, err)
			continue
		}
		watched++
	}
	return watched, nil
}

func (s *verificationService) Tokens() []domain.Token {
	out := make([]domain.Token, 0, len(s.tokens))
	for _, symbol := range s.tokens.Symbols() {
		out = append(out, s.tokens[symbol])
	}
	return out
}

func (s *verificationService) Stats(ctx context.Context) domain.PaymentStats {
	return ComputeStats(s.sessionRepo.List(ctx, domain.SessionFilter{}))
}

func (s *verificationService) Diagnostics(ctx context.Context) domain.Diagnostics {
	snapshot := s.sessionRepo.Export(ctx)
	return domain.Diagnostics{
		ExportedAt:  s.now(),
		Sessions:    snapshot,
		Errors:      s.classifier.Stats(),
		Stats:       ComputeStats(s.sessionRepo.List(ctx, domain.SessionFilter{})),
		ActiveLoops: s.monitor.Active(),
	}
}

func (s *verificationService) Shutdown(ctx context.Context) error {
	return s.monitor.Shutdown(ctx)
}

func (s *verificationService) notify(session domain.PaymentSession) {
	if s.notifier != nil {
		s.notifier.NotifySession(session)
	}
}

// ComputeStats aggregates sessions by status and token. SuccessRate is the share
// of finished sessions that completed.
func ComputeStats(sessions []domain.PaymentSession) domain.PaymentStats {
	stats := domain.PaymentStats{
		Total:    len(sessions),
		ByStatus: make(map[domain.SessionStatus]int),
		ByToken:  make(map[string]int),
	}

	var finished, completed int
	var totalSeconds float64
	for _, session := range sessions {
		stats.ByStatus[session.Status]++
		stats.ByToken[session.TokenSymbol]++
		if session.Status.IsTerminal() {
			finished++
		}
		if session.Status == domain.SessionStatusCompleted && session.CompletedAt != nil {
			completed++
			totalSeconds += session.CompletedAt.Sub(session.CreatedAt).Seconds()
		}
	}

	if finished > 0 {
		stats.SuccessRate = float64(completed) / float64(finished)
	}
	if completed > 0 {
		stats.AvgCompletionSeconds = totalSeconds / float64(completed)
	}
	return stats
}
