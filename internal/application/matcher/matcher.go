// Package matcher decides whether an observed token transfer pays a session.
package matcher

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

type ResultKind int

const (
	NoMatch ResultKind = iota
	PendingConfirmation
	Confirmed
)

func (k ResultKind) String() string {
	switch k {
	case PendingConfirmation:
		return "pending_confirmation"
	case Confirmed:
		return "confirmed"
	default:
		return "no_match"
	}
}

type Config struct {
	FixedFloor            decimal.Decimal
	RelativeFactor        decimal.Decimal
	RequiredConfirmations uint64
}

func DefaultConfig() Config {
	return Config{
		FixedFloor:            decimal.New(1, -3),
		RelativeFactor:        decimal.New(1, -3),
		RequiredConfirmations: 3,
	}
}

type Result struct {
	Kind          ResultKind
	Observation   domain.TransferObservation
	Confirmations uint64
}

type TransferMatcher struct {
	config Config
}

func New(config Config) *TransferMatcher {
	return &TransferMatcher{config: config}
}

func (m *TransferMatcher) RequiredConfirmations() uint64 {
	return m.config.RequiredConfirmations
}

// Tolerance is the largest accepted distance between observed and expected amounts.
func (m *TransferMatcher) Tolerance(expected decimal.Decimal) decimal.Decimal {
	return decimal.Max(m.config.FixedFloor, expected.Mul(m.config.RelativeFactor))
}

// Qualifies reports whether observed is within tolerance of expected, boundary included.
func (m *TransferMatcher) Qualifies(expected, observed decimal.Decimal) bool {
	return observed.Sub(expected).Abs().LessThanOrEqual(m.Tolerance(expected))
}

// Match picks at most one qualifying observation. Among several, the earliest
// block wins, then the lowest transaction hash, then the lowest log index.
func (m *TransferMatcher) Match(expected decimal.Decimal, token string, observations []domain.TransferObservation, currentBlock uint64) Result {
	var candidates []domain.TransferObservation
	for _, obs := range observations {
		if !strings.EqualFold(obs.TokenSymbol, token) {
			continue
		}
		if !m.Qualifies(expected, obs.FormattedValue) {
			continue
		}
		candidates = append(candidates, obs)
	}
	if len(candidates) == 0 {
		return Result{Kind: NoMatch}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		ah, bh := strings.ToLower(a.TransactionHash), strings.ToLower(b.TransactionHash)
		if ah != bh {
			return ah < bh
		}
		return a.LogIndex < b.LogIndex
	})

	return m.evaluate(candidates[0], currentBlock)
}

// Reconfirm re-evaluates only the confirmation depth of an already chosen candidate.
func (m *TransferMatcher) Reconfirm(candidate domain.MatchedTransfer, currentBlock uint64) Result {
	obs := domain.TransferObservation{
		BlockNumber:     candidate.BlockNumber,
		TransactionHash: candidate.TransactionHash,
		LogIndex:        candidate.LogIndex,
		FormattedValue:  candidate.ObservedAmount,
		FromAddress:     candidate.FromAddress,
	}
	return m.evaluate(obs, currentBlock)
}

func (m *TransferMatcher) evaluate(obs domain.TransferObservation, currentBlock uint64) Result {
	confs := Confirmations(obs.BlockNumber, currentBlock)
	kind := PendingConfirmation
	if confs >= m.config.RequiredConfirmations {
		kind = Confirmed
	}
	return Result{Kind: kind, Observation: obs, Confirmations: confs}
}

// Confirmations is currentBlock - blockNumber, or 0 when the node lags behind the log.
func Confirmations(blockNumber, currentBlock uint64) uint64 {
	if currentBlock < blockNumber {
		return 0
	}
	return currentBlock - blockNumber
}
