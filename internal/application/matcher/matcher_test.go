package matcher

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func obs(hash string, block uint64, amount, token string) domain.TransferObservation {
	return domain.TransferObservation{
		TransactionHash: hash,
		BlockNumber:     block,
		FormattedValue:  d(amount),
		TokenSymbol:     token,
	}
}

func TestTolerance(t *testing.T) {
	m := New(DefaultConfig())

	tests := []struct {
		expected string
		want     string
	}{
		{"10", "0.01"},
		{"0.5", "0.001"},
		{"1", "0.001"},
		{"1000", "1"},
	}
	for _, tt := range tests {
		if got := m.Tolerance(d(tt.expected)); !got.Equal(d(tt.want)) {
			t.Errorf("Tolerance(%s) = %s, want %s", tt.expected, got, tt.want)
		}
	}
}

func TestQualifies_BoundaryAndSymmetry(t *testing.T) {
	m := New(DefaultConfig())
	expected := d("10")

	tests := []struct {
		observed string
		want     bool
	}{
		{"10", true},
		{"10.01", true},
		{"9.99", true},
		{"10.010000000000000001", false},
		{"9.989999999999999999", false},
		{"10.5", false},
	}
	for _, tt := range tests {
		if got := m.Qualifies(expected, d(tt.observed)); got != tt.want {
			t.Errorf("Qualifies(10, %s) = %v, want %v", tt.observed, got, tt.want)
		}
	}
}

func TestMatch_NoMatch(t *testing.T) {
	m := New(DefaultConfig())

	res := m.Match(d("10"), "USDT", []domain.TransferObservation{
		obs("0x01", 100, "9.5", "USDT"),
		obs("0x02", 100, "10", "BUSD"),
	}, 200)
	if res.Kind != NoMatch {
		t.Fatalf("expected NoMatch, got %s", res.Kind)
	}
}

// Expected 10 USDT, a 10.003 USDT transfer at block 1000 seen at head 1001,
// then at 1003.
func TestMatch_PendingThenConfirmed(t *testing.T) {
	m := New(DefaultConfig())
	transfers := []domain.TransferObservation{obs("0xaa", 1000, "10.003", "usdt")}

	res := m.Match(d("10"), "USDT", transfers, 1001)
	if res.Kind != PendingConfirmation || res.Confirmations != 1 {
		t.Fatalf("expected pending with 1 confirmation, got %s/%d", res.Kind, res.Confirmations)
	}

	again := m.Reconfirm(res.Observation.ToMatched(), 1003)
	if again.Kind != Confirmed || again.Confirmations != 3 {
		t.Fatalf("expected confirmed with 3 confirmations, got %s/%d", again.Kind, again.Confirmations)
	}
	if again.Observation.TransactionHash != "0xaa" {
		t.Fatalf("reconfirm changed candidate to %s", again.Observation.TransactionHash)
	}
}

// Two qualifying transfers: the earlier block wins, the other is ignored.
func TestMatch_TieBreak(t *testing.T) {
	m := New(DefaultConfig())

	res := m.Match(d("10"), "USDT", []domain.TransferObservation{
		obs("0x02", 1002, "10", "USDT"),
		obs("0x01", 1001, "10", "USDT"),
	}, 1010)
	if res.Kind != Confirmed || res.Observation.TransactionHash != "0x01" {
		t.Fatalf("expected 0x01 confirmed, got %s/%s", res.Kind, res.Observation.TransactionHash)
	}

	sameBlock := m.Match(d("10"), "USDT", []domain.TransferObservation{
		{TransactionHash: "0xbb", BlockNumber: 5, LogIndex: 0, FormattedValue: d("10"), TokenSymbol: "USDT"},
		{TransactionHash: "0xaa", BlockNumber: 5, LogIndex: 7, FormattedValue: d("10"), TokenSymbol: "USDT"},
		{TransactionHash: "0xaa", BlockNumber: 5, LogIndex: 2, FormattedValue: d("10"), TokenSymbol: "USDT"},
	}, 6)
	if sameBlock.Observation.TransactionHash != "0xaa" || sameBlock.Observation.LogIndex != 2 {
		t.Fatalf("expected 0xaa#2, got %s#%d", sameBlock.Observation.TransactionHash, sameBlock.Observation.LogIndex)
	}
}

func TestConfirmations_NodeBehind(t *testing.T) {
	if got := Confirmations(100, 99); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
