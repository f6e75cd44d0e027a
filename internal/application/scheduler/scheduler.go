// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain/interfaces"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/repositories/sessionrepo"
)

type Config struct {
	SweepSchedule string
	StatsSchedule string
	Now           func() time.Time
}

type Scheduler struct {
	cron     *cron.Cron
	store    sessionrepo.ISessionRepository
	notifier interfaces.SessionNotifier
	stats    func(ctx context.Context) domain.PaymentStats
	config   Config
	logger   zerolog.Logger
}

// New builds the scheduler. stats and notifier may be nil.
func New(
	store sessionrepo.ISessionRepository,
	notifier interfaces.SessionNotifier,
	stats func(ctx context.Context) domain.PaymentStats,
	cfg Config,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cronLogger := cronLogger{logger: logger}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		store:    store,
		notifier: notifier,
		stats:    stats,
		config:   cfg,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron scheduler. An empty schedule
// disables its job.
func (s *Scheduler) Start() error {
	if s.config.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(s.config.SweepSchedule, s.SweepExpired); err != nil {
			return fmt.Errorf("schedule expiry sweep %q: %w", s.config.SweepSchedule, err)
		}
		s.logger.Info().Str("schedule", s.config.SweepSchedule).Msg("Scheduled expiry sweep job")
	}

	if s.config.StatsSchedule != "" && s.stats != nil {
		if _, err := s.cron.AddFunc(s.config.StatsSchedule, s.LogStats); err != nil {
			return fmt.Errorf("schedule stats report %q: %w", s.config.StatsSchedule, err)
		}
		s.logger.Info().Str("schedule", s.config.StatsSchedule).Msg("Scheduled stats report job")
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// SweepExpired moves every overdue session to expired. Sessions are never deleted here.
func (s *Scheduler) SweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.store.SweepExpired(ctx, s.config.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Expiry sweep finished with errors")
	}
	for _, session := range expired {
		if s.notifier != nil {
			s.notifier.NotifySession(session)
		}
	}
}

func (s *Scheduler) LogStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := s.stats(ctx)
	event := s.logger.Info().
		Int("total", st.Total).
		Float64("success_rate", st.SuccessRate).
		Float64("avg_completion_seconds", st.AvgCompletionSeconds)
	for status, n := range st.ByStatus {
		event = event.Int(string(status), n)
	}
	event.Msg("Payment statistics")
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
