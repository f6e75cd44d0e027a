package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/errclass"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/matcher"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/repositories/sessionrepo"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubChain struct {
	mu           sync.Mutex
	head         uint64
	transfers    []domain.TransferObservation
	transfersErr error
	ranges       [][2]uint64
	onTransfers  func()
}

func (c *stubChain) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *stubChain) TokenTransfersTo(ctx context.Context, token, receiver string, from, to uint64) ([]domain.TransferObservation, error) {
	c.mu.Lock()
	c.ranges = append(c.ranges, [2]uint64{from, to})
	hook, err := c.onTransfers, c.transfersErr
	var out []domain.TransferObservation
	for _, o := range c.transfers {
		if o.BlockNumber >= from && o.BlockNumber <= to {
			out = append(out, o)
		}
	}
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *stubChain) set(head uint64, transfers ...domain.TransferObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
	c.transfers = append(c.transfers, transfers...)
}

func (c *stubChain) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfersErr = err
}

func (c *stubChain) rangeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ranges)
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []domain.SessionStatus
}

func (r *recordingNotifier) NotifySession(s domain.PaymentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s.Status)
}

func (r *recordingNotifier) last() domain.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

type harness struct {
	clock    *fakeClock
	store    sessionrepo.ISessionRepository
	chain    *stubChain
	poller   *Poller
	notes    *recordingNotifier
	recorder *errclass.Classifier
}

func newHarness(t *testing.T, now func() time.Time, interval time.Duration) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	if now == nil {
		now = clock.Now
	}

	store := sessionrepo.New(sessionrepo.Config{
		ReceiverAddress: "0xe27577B0e3920cE35f100f66430de0108cb78a04",
		Timeout:         30 * time.Minute,
		Tokens: domain.NewTokenRegistry([]domain.Token{
			{Symbol: "USDT", Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		}),
		Now: now,
	}, nil, zerolog.Nop())

	chain := &stubChain{}
	notes := &recordingNotifier{}
	recorder := errclass.New(10, zerolog.Nop())

	p := New(store, chain, matcher.New(matcher.DefaultConfig()), nil, recorder, notes, Config{
		Interval:        interval,
		MaxBlockSpan:    100,
		InitialLookback: 20,
		RetryBudget:     2,
		MaxBackoff:      8 * interval,
		RateLimitPause:  2 * time.Minute,
		Now:             now,
	}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	return &harness{clock: clock, store: store, chain: chain, poller: p, notes: notes, recorder: recorder}
}

func (h *harness) create(t *testing.T, amount string) domain.PaymentSession {
	t.Helper()
	s, err := h.store.Create(context.Background(), domain.CreateSessionRequest{Amount: amount, TokenSymbol: "USDT"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

// attached creates a session, moves it to monitoring and returns a loop for check.
func (h *harness) attached(t *testing.T, amount string) (domain.PaymentSession, *loop) {
	t.Helper()
	s := h.create(t, amount)
	if err := h.poller.attach(context.Background(), s.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return s, newLoop(s.ID, func() {})
}

func (h *harness) get(t *testing.T, id string) domain.PaymentSession {
	t.Helper()
	s, ok := h.store.Get(context.Background(), id)
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	return s
}

func transfer(hash string, block uint64, amount string) domain.TransferObservation {
	return domain.TransferObservation{
		TransactionHash: hash,
		BlockNumber:     block,
		FormattedValue:  decimal.RequireFromString(amount),
		TokenSymbol:     "USDT",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScanRange(t *testing.T) {
	tests := []struct {
		name                      string
		last, current, look, span uint64
		from, to                  uint64
		ok                        bool
	}{
		{"first tick uses lookback", 0, 1001, 20, 100, 981, 1001, true},
		{"lookback beyond genesis", 0, 5, 20, 100, 0, 5, true},
		{"next block", 1001, 1003, 20, 100, 1002, 1003, true},
		{"no new blocks", 1003, 1003, 20, 100, 0, 0, false},
		{"node behind watermark", 1003, 1000, 20, 100, 0, 0, false},
		{"span clamp", 1001, 5000, 20, 100, 1002, 1101, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := ScanRange(tt.last, tt.current, tt.look, tt.span)
			if from != tt.from || to != tt.to || ok != tt.ok {
				t.Fatalf("ScanRange() = %d, %d, %v; want %d, %d, %v", from, to, ok, tt.from, tt.to, tt.ok)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 2 * time.Minute},
		{100, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(5*time.Second, tt.attempt, 2*time.Minute); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

// Long intervals and deep failure streaks must never wrap into a negative or
// zero delay.
func TestBackoff_NoOverflow(t *testing.T) {
	for attempt := 1; attempt <= 200; attempt++ {
		if got := Backoff(20*time.Second, attempt, 2*time.Minute); got <= 0 || got > 2*time.Minute {
			t.Fatalf("Backoff(20s, %d) = %s, want within (0, 2m]", attempt, got)
		}
		if got := Backoff(20*time.Second, attempt, 0); got <= 0 {
			t.Fatalf("uncapped Backoff(20s, %d) = %s, want positive", attempt, got)
		}
	}
	if got := Backoff(20*time.Second, 28, 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("Backoff(20s, 28) = %s, want 2m", got)
	}
}

// Transfer of 10.003 USDT for a 10 USDT session: pending confirmation at head
// 1001, completed once the head reaches 1003.
func TestCheck_MatchThenConfirm(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1001, transfer("0xaa", 1000, "10.003"))
	if stop, _ := h.poller.check(ctx, l); stop {
		t.Fatal("loop stopped while awaiting confirmations")
	}

	got := h.get(t, s.ID)
	if got.Status != domain.SessionStatusConfirming || got.Confirmations != 1 {
		t.Fatalf("expected confirming with 1 confirmation, got %s/%d", got.Status, got.Confirmations)
	}
	if got.MatchedTransfer == nil || got.MatchedTransfer.TransactionHash != "0xaa" {
		t.Fatalf("unexpected match %+v", got.MatchedTransfer)
	}
	if got.LastCheckedBlock != 1001 {
		t.Fatalf("watermark = %d, want 1001", got.LastCheckedBlock)
	}

	h.chain.set(1003)
	if stop, _ := h.poller.check(ctx, l); !stop {
		t.Fatal("loop should stop once completed")
	}

	got = h.get(t, s.ID)
	if got.Status != domain.SessionStatusCompleted || got.CompletedAt == nil || got.Confirmations != 3 {
		t.Fatalf("expected completed, got %+v", got)
	}
	if h.chain.rangeCount() != 1 {
		t.Fatalf("confirming session rescanned logs: %d queries", h.chain.rangeCount())
	}
	if h.notes.last() != domain.SessionStatusCompleted {
		t.Fatalf("last notification %s", h.notes.last())
	}
}

func TestCheck_ConfirmedOnFirstSight(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	s, l := h.attached(t, "10")
	before := h.get(t, s.ID).Version

	h.chain.set(1010, transfer("0xaa", 1000, "10"))
	if stop, _ := h.poller.check(context.Background(), l); !stop {
		t.Fatal("expected loop to stop")
	}

	got := h.get(t, s.ID)
	if got.Status != domain.SessionStatusCompleted || got.MatchedTransfer == nil {
		t.Fatalf("expected completed with match, got %+v", got)
	}
	if got.Version != before+1 {
		t.Fatalf("expected a single replace, version %d -> %d", before, got.Version)
	}
}

// Two qualifying transfers: only the earliest becomes the candidate and a later
// one never replaces it.
func TestCheck_AtMostOneMatch(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1002, transfer("0x02", 1002, "10"), transfer("0x01", 1001, "10"))
	h.poller.check(ctx, l)
	if got := h.get(t, s.ID); got.MatchedTransfer.TransactionHash != "0x01" {
		t.Fatalf("expected 0x01, got %s", got.MatchedTransfer.TransactionHash)
	}

	h.chain.set(1004, transfer("0x00", 1003, "10"))
	h.poller.check(ctx, l)
	got := h.get(t, s.ID)
	if got.MatchedTransfer.TransactionHash != "0x01" || got.Status != domain.SessionStatusCompleted {
		t.Fatalf("candidate changed: %+v", got)
	}
}

func TestCheck_WatermarkUnchangedOnFailure(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1001)
	if _, delay := h.poller.check(ctx, l); delay != time.Second {
		t.Fatalf("expected regular interval, got %s", delay)
	}

	h.chain.set(1010)
	h.chain.failWith(fmt.Errorf("eth_getLogs: %w", domain.ErrChainUnavailable))

	stop, delay := h.poller.check(ctx, l)
	if stop || delay != time.Second {
		t.Fatalf("first failure: stop=%v delay=%s", stop, delay)
	}
	if got := h.get(t, s.ID); got.LastCheckedBlock != 1001 {
		t.Fatalf("watermark moved on failure: %d", got.LastCheckedBlock)
	}

	if _, delay = h.poller.check(ctx, l); delay != 2*time.Second {
		t.Fatalf("second failure delay = %s, want 2s", delay)
	}

	h.chain.failWith(nil)
	h.poller.check(ctx, l)
	if st := l.state(h.clock.Now()); st.ConsecutiveFailures != 0 {
		t.Fatalf("failures not reset: %d", st.ConsecutiveFailures)
	}
	if got := h.get(t, s.ID); got.LastCheckedBlock != 1010 {
		t.Fatalf("watermark = %d, want 1010", got.LastCheckedBlock)
	}

	stats := h.recorder.Stats()
	if stats.ByKind[domain.ErrorKindChainUnavailable] != 2 {
		t.Fatalf("expected 2 recorded chain errors, got %v", stats.ByKind)
	}
}

func TestCheck_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1001)
	h.chain.failWith(fmt.Errorf("eth_getLogs: %w", domain.ErrChainUnavailable))

	for i := 0; i < 2; i++ {
		if stop, _ := h.poller.check(ctx, l); stop {
			t.Fatalf("stopped early at attempt %d", i+1)
		}
	}
	if stop, _ := h.poller.check(ctx, l); !stop {
		t.Fatal("expected loop to stop after the retry budget")
	}

	got := h.get(t, s.ID)
	if got.Status != domain.SessionStatusFailed || !strings.Contains(got.FailureReason, "retry budget") {
		t.Fatalf("expected failed session, got %s %q", got.Status, got.FailureReason)
	}
}

func TestCheck_RateLimitPauses(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	_, l := h.attached(t, "10")

	h.chain.set(1001)
	h.chain.failWith(fmt.Errorf("eth_getLogs: %w", domain.ErrRateLimited))

	stop, delay := h.poller.check(context.Background(), l)
	if stop || delay != 2*time.Minute {
		t.Fatalf("stop=%v delay=%s", stop, delay)
	}
	if until, paused := l.pausedAt(h.clock.Now()); !paused || !until.Equal(h.clock.Now().Add(2*time.Minute)) {
		t.Fatalf("expected pause until +2m, got %v %v", until, paused)
	}
	if st := l.state(h.clock.Now()); st.ConsecutiveFailures != 0 {
		t.Fatal("rate limits must not consume the retry budget")
	}

	h.clock.Advance(2 * time.Minute)
	if _, paused := l.pausedAt(h.clock.Now()); paused {
		t.Fatal("pause should end after the delay")
	}
}

func TestCheck_UnknownTokenFails(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	s, l := h.attached(t, "10")

	h.chain.set(1001)
	h.chain.failWith(fmt.Errorf("%w: USDT", domain.ErrUnknownToken))

	if stop, _ := h.poller.check(context.Background(), l); !stop {
		t.Fatal("expected loop to stop")
	}
	if got := h.get(t, s.ID); got.Status != domain.SessionStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

// No transfer within the timeout: the session expires and the loop stops.
func TestCheck_ExpiresWithoutMatch(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1001)
	h.poller.check(ctx, l)

	h.clock.Advance(31 * time.Minute)
	h.chain.set(1500, transfer("0xlate", 1400, "10"))
	if stop, _ := h.poller.check(ctx, l); !stop {
		t.Fatal("expected loop to stop")
	}

	snap := h.store.Export(ctx)
	if snap.Sessions[0].ID != s.ID || snap.Sessions[0].Status != domain.SessionStatusExpired {
		t.Fatalf("expected expired to be persisted, got %s", snap.Sessions[0].Status)
	}
	if snap.Sessions[0].MatchedTransfer != nil {
		t.Fatal("expired session must not record a match")
	}
	if h.notes.last() != domain.SessionStatusExpired {
		t.Fatalf("last notification %s", h.notes.last())
	}
}

func TestCheck_SpanClampCatchesUp(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1001)
	h.poller.check(ctx, l)

	h.chain.set(5000)
	_, delay := h.poller.check(ctx, l)
	if delay != 0 {
		t.Fatalf("expected immediate next tick while behind, got %s", delay)
	}
	if got := h.get(t, s.ID); got.LastCheckedBlock != 1101 {
		t.Fatalf("watermark = %d, want 1101", got.LastCheckedBlock)
	}
}

// A session that became terminal while the chain call was in flight keeps
// its state; the result is dropped.
func TestCheck_DiscardsResultForTerminalSession(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()
	s, l := h.attached(t, "10")

	h.chain.set(1010, transfer("0xaa", 1000, "10"))
	h.chain.onTransfers = func() {
		_, _, _ = h.store.Expire(ctx, s.ID, h.clock.Now().Add(time.Hour))
	}

	if stop, _ := h.poller.check(ctx, l); !stop {
		t.Fatal("expected loop to stop")
	}
	got := h.get(t, s.ID)
	if got.Status != domain.SessionStatusExpired || got.MatchedTransfer != nil {
		t.Fatalf("in-flight result was applied: %+v", got)
	}
}

func TestCheck_DiscardsResultWhenCancelled(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	s, l := h.attached(t, "10")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.chain.set(1010, transfer("0xaa", 1000, "10"))
	h.chain.onTransfers = cancel

	if stop, _ := h.poller.check(ctx, l); !stop {
		t.Fatal("expected cancelled loop to stop")
	}
	got := h.get(t, s.ID)
	if got.Status != domain.SessionStatusMonitoring || got.MatchedTransfer != nil || got.LastCheckedBlock != 0 {
		t.Fatalf("cancelled tick changed the session: %+v", got)
	}
}

func TestWatch_RunsToCompletion(t *testing.T) {
	h := newHarness(t, time.Now, 5*time.Millisecond)
	s := h.create(t, "25")
	h.chain.set(2000, transfer("0xaa", 1990, "25.01"))

	if err := h.poller.Watch(s.ID); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, func() bool { return h.get(t, s.ID).Status == domain.SessionStatusCompleted })
	waitFor(t, func() bool { return !h.poller.Watching(s.ID) })
}

func TestWatch_PauseResumeCancel(t *testing.T) {
	h := newHarness(t, time.Now, 5*time.Millisecond)
	s := h.create(t, "10")
	h.chain.set(100)

	if err := h.poller.Watch(s.ID); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := h.poller.Watch(s.ID); err != nil {
		t.Fatalf("second Watch should be a no-op: %v", err)
	}
	waitFor(t, func() bool { return h.get(t, s.ID).Status == domain.SessionStatusMonitoring })

	if err := h.poller.Pause(s.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	active := h.poller.Active()
	if len(active) != 1 || !active[0].Paused {
		t.Fatalf("expected one paused loop, got %+v", active)
	}

	if err := h.poller.Resume(s.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if active := h.poller.Active(); active[0].Paused {
		t.Fatal("loop still paused after resume")
	}

	if err := h.poller.Cancel(s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, func() bool { return !h.poller.Watching(s.ID) })
	if got := h.get(t, s.ID); got.Status != domain.SessionStatusMonitoring {
		t.Fatalf("cancel must not change status, got %s", got.Status)
	}
	if err := h.poller.Pause(s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for a stopped loop, got %v", err)
	}
}

func TestWatch_Rejections(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx := context.Background()

	if err := h.poller.Watch("pay_missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s := h.create(t, "10")
	if _, err := h.store.UpdateStatus(ctx, s.ID, domain.SessionStatusFailed, domain.SessionUpdate{}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := h.poller.Watch(s.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	other := h.create(t, "10")
	if err := h.poller.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.poller.Watch(other.ID); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
