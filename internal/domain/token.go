package domain

import (
	"sort"
	"strings"
)

type Token struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
	Contract string `json:"contract" yaml:"contract"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
}

// TokenRegistry is the statically configured set of supported tokens keyed by symbol.
type TokenRegistry map[string]Token

func NewTokenRegistry(tokens []Token) TokenRegistry {
	r := make(TokenRegistry, len(tokens))
	for _, t := range tokens {
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		r[t.Symbol] = t
	}
	return r
}

func (r TokenRegistry) Lookup(symbol string) (Token, bool) {
	t, ok := r[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

func (r TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r))
	for s := range r {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
