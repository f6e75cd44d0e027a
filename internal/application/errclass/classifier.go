// Package errclass normalizes whatever failure reaches the engine into a small
// set of kinds and keeps recent history for diagnostics.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

const DefaultCapacity = 50

var (
	networkMarkers = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"timeout",
		"broken pipe",
		"eof",
		"network",
	}
	rateLimitMarkers = []string{
		"429",
		"too many requests",
		"rate limit",
		"limit exceeded",
	}
	unavailableMarkers = []string{
		"502",
		"503",
		"504",
		"header not found",
		"service unavailable",
	}
)

type Classifier struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	now      func() time.Time
	total    int64
	byKind   map[domain.ErrorKind]int64
	recent   []domain.NormalizedError
	next     int
	filled   bool
	capacity int
}

func New(capacity int, logger zerolog.Logger) *Classifier {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Classifier{
		logger:   logger,
		now:      time.Now,
		byKind:   make(map[domain.ErrorKind]int64),
		recent:   make([]domain.NormalizedError, capacity),
		capacity: capacity,
	}
}

// Record classifies v, counts it, keeps it in the recent buffer and logs it.
func (c *Classifier) Record(source, paymentID string, v any) domain.NormalizedError {
	n := Normalize(v)
	n.Source = source
	n.PaymentID = paymentID

	c.mu.Lock()
	n.At = c.now()
	c.total++
	c.byKind[n.Kind]++
	c.recent[c.next] = n
	c.next = (c.next + 1) % c.capacity
	if c.next == 0 {
		c.filled = true
	}
	c.mu.Unlock()

	c.logger.Warn().
		Str("kind", string(n.Kind)).
		Str("source", source).
		Str("payment_id", paymentID).
		Msg(n.Message)

	return n
}

// Stats returns counters and the recent errors, oldest first.
func (c *Classifier) Stats() domain.ErrorStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[domain.ErrorKind]int64, len(c.byKind))
	for k, v := range c.byKind {
		byKind[k] = v
	}

	var recent []domain.NormalizedError
	if c.filled {
		recent = append(recent, c.recent[c.next:]...)
	}
	recent = append(recent, c.recent[:c.next]...)

	return domain.ErrorStats{
		Total:  c.total,
		ByKind: byKind,
		Recent: recent,
	}
}

func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = 0
	c.byKind = make(map[domain.ErrorKind]int64)
	c.recent = make([]domain.NormalizedError, c.capacity)
	c.next = 0
	c.filled = false
}

// Normalize turns an error, string, Stringer, map or any other value into a
// NormalizedError. It never panics.
func Normalize(v any) (n domain.NormalizedError) {
	defer func() {
		if r := recover(); r != nil {
			n = domain.NormalizedError{Kind: domain.ErrorKindUnknown, Message: fmt.Sprintf("unprintable error: %v", r)}
		}
	}()

	switch e := v.(type) {
	case nil:
		return domain.NormalizedError{Kind: domain.ErrorKindUnknown, Message: "nil error"}
	case error:
		return domain.NormalizedError{Kind: Classify(e), Message: e.Error()}
	case string:
		return domain.NormalizedError{Kind: classifyMessage(e), Message: e}
	case fmt.Stringer:
		msg := e.String()
		return domain.NormalizedError{Kind: classifyMessage(msg), Message: msg}
	case map[string]any:
		return fromMap(e)
	case map[string]string:
		m := make(map[string]any, len(e))
		for k, val := range e {
			m[k] = val
		}
		return fromMap(m)
	default:
		msg := fmt.Sprintf("%v", e)
		return domain.NormalizedError{Kind: classifyMessage(msg), Message: msg}
	}
}

// fromMap reads JSON-RPC style error objects such as {"code": 429, "message": "..."}.
func fromMap(m map[string]any) domain.NormalizedError {
	msg := ""
	for _, key := range []string{"message", "error", "reason"} {
		if val, ok := m[key]; ok && val != nil {
			msg = fmt.Sprint(val)
			break
		}
	}

	ctx := make(map[string]string, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ctx[k] = fmt.Sprint(m[k])
	}
	if msg == "" {
		msg = fmt.Sprint(m)
	}

	kind := classifyMessage(msg)
	if code, ok := ctx["code"]; ok && kind == domain.ErrorKindUnknown {
		kind = classifyMessage(code)
	}

	return domain.NormalizedError{Kind: kind, Message: msg, Context: ctx}
}

// Classify maps an error to its kind, preferring sentinel matches over message text.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindUnknown
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return domain.ErrorKindValidation
	case errors.Is(err, domain.ErrInvalidTransition):
		return domain.ErrorKindInvalidTransition
	case errors.Is(err, domain.ErrChainUnavailable):
		return domain.ErrorKindChainUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrorKindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return domain.ErrorKindNetwork
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, rateLimitMarkers), containsAny(lower, unavailableMarkers):
		return domain.ErrorKindChainUnavailable
	case containsAny(lower, networkMarkers):
		return domain.ErrorKindNetwork
	case strings.Contains(lower, "invalid transition"):
		return domain.ErrorKindInvalidTransition
	case strings.Contains(lower, "validation") || strings.Contains(lower, "unsupported token"):
		return domain.ErrorKindValidation
	default:
		return domain.ErrorKindUnknown
	}
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	switch Classify(err) {
	case domain.ErrorKindNetwork, domain.ErrorKindChainUnavailable:
		return true
	default:
		return false
	}
}

func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), rateLimitMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
