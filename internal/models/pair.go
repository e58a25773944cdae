package models

import (
	"fmt"
	"strings"
)

// TradingPair is an immutable BASE/QUOTE pair, always upper-case.
type TradingPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewTradingPair normalizes and validates a pair.
func NewTradingPair(base, quote string) (TradingPair, error) {
	b := strings.ToUpper(strings.TrimSpace(base))
	q := strings.ToUpper(strings.TrimSpace(quote))
	if b == "" || q == "" {
		return TradingPair{}, NewValidationError("pair", fmt.Sprintf("incomplete pair %q/%q", base, quote))
	}
	if b == q {
		return TradingPair{}, NewValidationError("pair", "base and quote must differ")
	}
	return TradingPair{Base: b, Quote: q}, nil
}

// MustPair panics on an invalid pair. Only for constants and tests.
func MustPair(base, quote string) TradingPair {
	p, err := NewTradingPair(base, quote)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePair accepts "DOGE_EUR", "DOGE/EUR" or "DOGE-EUR".
func ParsePair(s string) (TradingPair, error) {
	for _, sep := range []string{"_", "/", "-"} {
		if parts := strings.Split(s, sep); len(parts) == 2 {
			return NewTradingPair(parts[0], parts[1])
		}
	}
	return TradingPair{}, NewValidationError("pair", fmt.Sprintf("cannot parse %q", s))
}

func (p TradingPair) String() string {
	return p.Base + "_" + p.Quote
}

// IsZero reports whether the pair was never set.
func (p TradingPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// Symbol is the exchange form, e.g. DOGEEUR.
func (p TradingPair) Symbol() string {
	return p.Base + p.Quote
}
