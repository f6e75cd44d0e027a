// Package poller runs one monitoring loop per active payment session.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/errclass"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/matcher"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain/interfaces"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/repositories/sessionrepo"
)

const source = "poller"

var ErrShutdown = errors.New("poller is shut down")

type Config struct {
	Interval time.Duration
	// MaxBlockSpan bounds a single eth_getLogs range; the rest is scanned on later ticks.
	MaxBlockSpan    uint64
	InitialLookback uint64
	RetryBudget     int
	MaxBackoff      time.Duration
	RateLimitPause  time.Duration
	Now             func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		MaxBlockSpan:    500,
		InitialLookback: 20,
		RetryBudget:     10,
		MaxBackoff:      2 * time.Minute,
		RateLimitPause:  2 * time.Minute,
	}
}

type Poller struct {
	store    sessionrepo.ISessionRepository
	chain    interfaces.ChainClient
	matcher  *matcher.TransferMatcher
	limiter  *rate.Limiter
	recorder interfaces.ErrorRecorder
	notifier interfaces.SessionNotifier
	config   Config
	logger   zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	loops  map[string]*loop
	closed bool
}

// New builds a poller. limiter, recorder and notifier may be nil.
func New(
	store sessionrepo.ISessionRepository,
	chain interfaces.ChainClient,
	m *matcher.TransferMatcher,
	limiter *rate.Limiter,
	recorder interfaces.ErrorRecorder,
	notifier interfaces.SessionNotifier,
	cfg Config,
	logger zerolog.Logger,
) *Poller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxBlockSpan == 0 {
		cfg.MaxBlockSpan = DefaultConfig().MaxBlockSpan
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if recorder == nil {
		recorder = errclass.New(errclass.DefaultCapacity, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		store:    store,
		chain:    chain,
		matcher:  m,
		limiter:  limiter,
		recorder: recorder,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		baseCtx:  ctx,
		stop:     cancel,
		loops:    make(map[string]*loop),
	}
}

// Watch starts monitoring a session. Watching an already watched session is a no-op.
func (p *Poller) Watch(id string) error {
	s, ok := p.store.Get(p.baseCtx, id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, id, s.Status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	if _, exists := p.loops[id]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	l := newLoop(id, cancel)
	p.loops[id] = l
	p.wg.Add(1)
	go p.run(ctx, l)
	return nil
}

func (p *Poller) Pause(id string) error {
	l, err := p.loop(id)
	if err != nil {
		return err
	}
	l.pause()
	p.logger.Info().Str("payment_id", id).Msg("Monitoring paused")
	return nil
}

func (p *Poller) Resume(id string) error {
	l, err := p.loop(id)
	if err != nil {
		return err
	}
	l.resume()
	p.logger.Info().Str("payment_id", id).Msg("Monitoring resumed")
	return nil
}

// Cancel stops the loop before its next tick. Results of a tick in flight are discarded.
func (p *Poller) Cancel(id string) error {
	l, err := p.loop(id)
	if err != nil {
		return err
	}
	l.cancel()
	return nil
}

func (p *Poller) Watching(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

func (p *Poller) Active() []domain.LoopState {
	now := p.config.Now()
	p.mu.Lock()
	states := make([]domain.LoopState, 0, len(p.loops))
	for _, l := range p.loops {
		states = append(states, l.state(now))
	}
	p.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].PaymentID < states[j].PaymentID })
	return states
}

// Shutdown cancels every loop and waits for them to exit or ctx to end.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) loop(id string) (*loop, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: no active monitor for %s", domain.ErrSessionNotFound, id)
	}
	return l, nil
}

func (p *Poller) remove(l *loop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loops[l.id] == l {
		delete(p.loops, l.id)
	}
}

func (p *Poller) run(ctx context.Context, l *loop) {
	defer p.wg.Done()
	defer p.remove(l)

	logger := p.logger.With().Str("payment_id", l.id).Logger()
	logger.Info().Msg("Monitoring started")

	if err := p.attach(ctx, l.id); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return
		}
		p.recorder.Record(source, l.id, err)
	}

	var delay time.Duration
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Monitoring cancelled")
			return
		case <-l.wake:
		case <-time.After(delay):
		}

		now := p.config.Now()
		if until, paused := l.pausedAt(now); paused {
			if p.finishIfTerminal(ctx, l.id) {
				logger.Info().Msg("Monitoring stopped while paused")
				return
			}
			delay = p.config.Interval
			if !until.IsZero() && until.Sub(now) < delay {
				delay = until.Sub(now)
			}
			continue
		}

		stop, next := p.check(ctx, l)
		if stop {
			logger.Info().Msg("Monitoring stopped")
			return
		}
		delay = next
	}
}

// attach moves a pending session to monitoring.
func (p *Poller) attach(ctx context.Context, id string) error {
	var changed bool
	updated, err := p.store.Update(ctx, id, func(s *domain.PaymentSession) error {
		if s.Status != domain.SessionStatusPending {
			return sessionrepo.ErrNoChange
		}
		changed = true
		now := p.config.Now()
		if s.IsExpiredAt(now) {
			return s.Transition(domain.SessionStatusExpired, now)
		}
		return s.Transition(domain.SessionStatusMonitoring, now)
	})
	if err != nil {
		return err
	}
	if changed {
		p.notify(updated)
	}
	return nil
}

// check runs one tick for the loop and returns whether the loop should stop and
// how long to wait before the next tick.
func (p *Poller) check(ctx context.Context, l *loop) (bool, time.Duration) {
	s, ok := p.store.Get(ctx, l.id)
	if !ok {
		return true, 0
	}
	if s.Status.IsTerminal() {
		if s.Status == domain.SessionStatusExpired {
			p.expire(ctx, l.id)
		}
		return true, 0
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return true, 0
	}
	current, err := p.chain.CurrentBlockNumber(ctx)
	if err != nil {
		return p.onFailure(ctx, l, s, err)
	}

	var (
		res     matcher.Result
		scanned bool
		to      uint64
	)
	if s.Status == domain.SessionStatusConfirming && s.MatchedTransfer != nil {
		res = p.matcher.Reconfirm(*s.MatchedTransfer, current)
	} else {
		from, upTo, ok := ScanRange(s.LastCheckedBlock, current, p.config.InitialLookback, p.config.MaxBlockSpan)
		if !ok {
			l.succeeded()
			return false, p.nextDelay(s)
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return true, 0
		}
		observations, err := p.chain.TokenTransfersTo(ctx, s.TokenSymbol, s.ReceiverAddress, from, upTo)
		if err != nil {
			return p.onFailure(ctx, l, s, err)
		}
		res = p.matcher.Match(s.ExpectedAmount, s.TokenSymbol, observations, current)
		scanned, to = true, upTo

		p.logger.Debug().
			Str("payment_id", l.id).
			Uint64("from_block", from).
			Uint64("to_block", upTo).
			Int("transfers", len(observations)).
			Str("result", res.Kind.String()).
			Msg("Scanned block range")
	}
	l.succeeded()

	updated, err := p.store.Update(ctx, l.id, func(cur *domain.PaymentSession) error {
		if ctx.Err() != nil || cur.Status.IsTerminal() {
			return sessionrepo.ErrNoChange
		}
		now := p.config.Now()
		if cur.IsExpiredAt(now) {
			return cur.Transition(domain.SessionStatusExpired, now)
		}
		if scanned {
			cur.AdvanceWatermark(to)
		}
		return apply(cur, res, now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return true, 0
		}
		p.recorder.Record(source, l.id, err)
		return false, p.nextDelay(s)
	}
	if ctx.Err() != nil {
		return true, 0
	}

	if updated.Status != s.Status || updated.Confirmations != s.Confirmations {
		p.notify(updated)
	}
	if updated.Status.IsTerminal() {
		p.logger.Info().
			Str("payment_id", l.id).
			Str("status", string(updated.Status)).
			Msg("Payment session finished")
		return true, 0
	}
	if scanned && to < current {
		// still catching up with the head
		return false, 0
	}
	return false, p.nextDelay(updated)
}

// apply commits a match result onto the session. A transfer that is already deep
// enough on first sight walks monitoring -> confirming -> completed at once.
func apply(s *domain.PaymentSession, res matcher.Result, now time.Time) error {
	if res.Kind == matcher.NoMatch {
		return nil
	}
	if s.Status == domain.SessionStatusPending {
		if err := s.Transition(domain.SessionStatusMonitoring, now); err != nil {
			return err
		}
	}
	if s.Status == domain.SessionStatusMonitoring {
		if err := s.RecordMatch(res.Observation.ToMatched()); err != nil {
			return err
		}
		if err := s.Transition(domain.SessionStatusConfirming, now); err != nil {
			return err
		}
	}
	s.Confirmations = res.Confirmations
	if res.Kind == matcher.Confirmed {
		return s.Transition(domain.SessionStatusCompleted, now)
	}
	return nil
}

func (p *Poller) onFailure(ctx context.Context, l *loop, s domain.PaymentSession, err error) (bool, time.Duration) {
	if ctx.Err() != nil {
		return true, 0
	}
	p.recorder.Record(source, l.id, err)

	if errors.Is(err, domain.ErrValidation) {
		p.fail(ctx, l.id, err.Error())
		return true, 0
	}

	if errclass.IsRateLimit(err) {
		until := p.config.Now().Add(p.config.RateLimitPause)
		l.pauseUntil(until)
		p.logger.Warn().
			Str("payment_id", l.id).
			Time("resume_at", until).
			Msg("Rate limited by RPC provider, pausing monitor")
		return false, p.config.RateLimitPause
	}

	n := l.failed()
	if n > p.config.RetryBudget {
		p.fail(ctx, l.id, fmt.Sprintf("retry budget exhausted after %d attempts: %v", n, err))
		return true, 0
	}

	delay := Backoff(p.config.Interval, n, p.config.MaxBackoff)
	if untilExpiry := s.ExpiresAt.Sub(p.config.Now()); untilExpiry < delay {
		delay = max(untilExpiry, 0)
	}
	p.logger.Warn().
		Err(err).
		Str("payment_id", l.id).
		Int("attempt", n).
		Dur("retry_in", delay).
		Msg("Chain query failed, backing off")
	return false, delay
}

func (p *Poller) fail(ctx context.Context, id, reason string) {
	updated, err := p.store.UpdateStatus(ctx, id, domain.SessionStatusFailed, domain.SessionUpdate{FailureReason: reason})
	if err != nil {
		p.recorder.Record(source, id, err)
		return
	}
	p.logger.Error().Str("payment_id", id).Str("reason", reason).Msg("Payment session failed")
	p.notify(updated)
}

func (p *Poller) expire(ctx context.Context, id string) {
	updated, changed, err := p.store.Expire(ctx, id, p.config.Now())
	if err != nil {
		p.recorder.Record(source, id, err)
		return
	}
	if changed {
		p.notify(updated)
	}
}

func (p *Poller) finishIfTerminal(ctx context.Context, id string) bool {
	s, ok := p.store.Get(ctx, id)
	if !ok {
		return true
	}
	if !s.Status.IsTerminal() {
		return false
	}
	if s.Status == domain.SessionStatusExpired {
		p.expire(ctx, id)
	}
	return true
}

func (p *Poller) nextDelay(s domain.PaymentSession) time.Duration {
	delay := p.config.Interval
	untilExpiry := s.ExpiresAt.Sub(p.config.Now())
	if untilExpiry < delay {
		delay = max(untilExpiry, 0)
	}
	return delay
}

func (p *Poller) notify(s domain.PaymentSession) {
	if p.notifier != nil {
		p.notifier.NotifySession(s)
	}
}

// ScanRange returns the next block range to scan after watermark last. A zero
// watermark starts lookback blocks behind the head. Ranges are capped at span
// blocks; ok is false when there is nothing new.
func ScanRange(last, current, lookback, span uint64) (from, to uint64, ok bool) {
	if last == 0 {
		if current > lookback {
			from = current - lookback
		}
	} else {
		from = last + 1
	}
	if from > current {
		return 0, 0, false
	}
	to = current
	if span > 0 && to-from+1 > span {
		to = from + span - 1
	}
	return from, to, true
}

// Backoff is base * 2^(attempt-1), capped at limit. A product that would not
// fit in a Duration counts as over the cap.
func Backoff(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	ceiling := limit
	if ceiling <= 0 {
		ceiling = math.MaxInt64
	}
	shift := attempt - 1
	if bits.Len64(uint64(base))+shift > 63 {
		return ceiling
	}
	d := base << shift
	if d > ceiling {
		d = ceiling
	}
	return d
}
