package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalType is the action a strategy asks for.
type SignalType string

const (
	SignalBuy           SignalType = "BUY"
	SignalSell          SignalType = "SELL"
	SignalHold          SignalType = "HOLD"
	SignalEmergencyExit SignalType = "EMERGENCY_EXIT"
	SignalDCABuy        SignalType = "DCA_BUY"
	SignalPyramidSell   SignalType = "PYRAMID_SELL"
)

// IsBuy reports whether the signal adds to a position.
func (s SignalType) IsBuy() bool { return s == SignalBuy || s == SignalDCABuy }

// IsSell reports whether the signal reduces a position.
func (s SignalType) IsSell() bool {
	return s == SignalSell || s == SignalPyramidSell || s == SignalEmergencyExit
}

func (s SignalType) Valid() bool {
	switch s {
	case SignalBuy, SignalSell, SignalHold, SignalEmergencyExit, SignalDCABuy, SignalPyramidSell:
		return true
	}
	return false
}

// RiskLevel is the coarse risk tag attached to signals and strategies.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// DefaultSignalTTL is how long a signal stays actionable.
const DefaultSignalTTL = 300 * time.Second

// TradeSignal is produced by a strategy and consumed by risk and execution.
type TradeSignal struct {
	Type         SignalType          `json:"signal_type"`
	Pair         TradingPair         `json:"pair"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Price        decimal.NullDecimal `json:"price"`
	Confidence   float64             `json:"confidence"`
	StrategyName string              `json:"strategy_name"`
	Reason       string              `json:"reason"`
	RiskLevel    RiskLevel           `json:"risk_level"`
	Timestamp    time.Time           `json:"timestamp"`
	Metadata     map[string]float64  `json:"metadata,omitempty"`
}

// WithPrice returns a copy carrying an explicit limit price.
func (s TradeSignal) WithPrice(p decimal.Decimal) TradeSignal {
	s.Price = decimal.NewNullDecimal(p)
	return s
}

// WithQuantity returns a copy with a different quantity.
func (s TradeSignal) WithQuantity(q decimal.Decimal) TradeSignal {
	s.Quantity = q
	return s
}

// HasPrice reports whether a price was given.
func (s TradeSignal) HasPrice() bool { return s.Price.Valid }

// PriceOrZero returns the given price or zero.
func (s TradeSignal) PriceOrZero() decimal.Decimal {
	if !s.Price.Valid {
		return decimal.Zero
	}
	return s.Price.Decimal
}

// Notional is quantity x price (zero without a price).
func (s TradeSignal) Notional() decimal.Decimal {
	return s.Quantity.Mul(s.PriceOrZero())
}

// Age is the time elapsed since the signal was created.
func (s TradeSignal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// IsStale reports whether the signal is older than DefaultSignalTTL.
func (s TradeSignal) IsStale(now time.Time) bool {
	return s.IsStaleAfter(now, DefaultSignalTTL)
}

func (s TradeSignal) IsStaleAfter(now time.Time, ttl time.Duration) bool {
	return s.Age(now) > ttl
}

// Validate checks structural correctness. HOLD signals may carry zero quantity.
func (s TradeSignal) Validate() error {
	if !s.Type.Valid() {
		return NewValidationError("signal_type", fmt.Sprintf("unknown signal type %q", s.Type))
	}
	if s.Pair.IsZero() {
		return NewValidationError("pair", "signal pair is required")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("confidence %.3f outside [0,1]", s.Confidence))
	}
	if s.Quantity.IsNegative() {
		return NewValidationError("quantity", "quantity must not be negative")
	}
	if s.Type != SignalHold && !s.Quantity.IsPositive() {
		return NewValidationError("quantity", "quantity must be positive")
	}
	if s.Price.Valid && !s.Price.Decimal.IsPositive() {
		return NewValidationError("price", "price must be positive")
	}
	return nil
}

// Hold builds a HOLD signal for pair.
func Hold(pair TradingPair, strategy, reason string, now time.Time) TradeSignal {
	return TradeSignal{
		Type:         SignalHold,
		Pair:         pair,
		Confidence:   1,
		StrategyName: strategy,
		Reason:       reason,
		RiskLevel:    RiskLow,
		Timestamp:    now,
	}
}
