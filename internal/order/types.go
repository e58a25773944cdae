package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

// Mode selects how orders are filled.
type Mode string

const (
	ModeSimulation Mode = "SIMULATION"
	ModePaper      Mode = "PAPER"
	ModeLive       Mode = "LIVE"
)

// ParseMode accepts any casing.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeSimulation, ModePaper, ModeLive:
		return m, nil
	}
	return "", models.NewValidationError("mode", fmt.Sprintf("unknown execution mode %q", s))
}

// Priority orders requests for logging and routing; emergency sells always
// carry PriorityEmergency.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	case PriorityEmergency:
		return "EMERGENCY"
	}
	return "UNKNOWN"
}

func priorityFor(sig models.TradeSignal) Priority {
	switch {
	case sig.Type == models.SignalEmergencyExit:
		return PriorityEmergency
	case sig.RiskLevel == models.RiskHigh || sig.RiskLevel == models.RiskCritical:
		return PriorityHigh
	}
	return PriorityNormal
}

// Config controls the execution service.
type Config struct {
	Mode              Mode
	MaxSlippagePct    decimal.Decimal
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestsPerMinute int
	MinOrderValue     decimal.Decimal
}

// DefaultConfig is simulation mode with conservative limits.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeSimulation,
		MaxSlippagePct:    decimal.RequireFromString("0.5"),
		Timeout:           30 * time.Second,
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		RequestsPerMinute: 60,
		MinOrderValue:     decimal.NewFromInt(5),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.MaxSlippagePct.IsNegative() {
		return models.NewValidationError("max_slippage_pct", "must not be negative")
	}
	if c.Timeout <= 0 {
		return models.NewValidationError("timeout", "must be positive")
	}
	if c.RetryAttempts < 0 {
		return models.NewValidationError("retry_attempts", "must not be negative")
	}
	if !c.MinOrderValue.IsPositive() {
		return models.NewValidationError("min_order_value", "must be positive")
	}
	return nil
}

// Metrics are the rolling execution counters.
type Metrics struct {
	TotalRequests        int             `json:"total_requests"`
	SuccessfulExecutions int             `json:"successful_executions"`
	FailedExecutions     int             `json:"failed_executions"`
	TotalSlippage        decimal.Decimal `json:"total_slippage"`
	AverageExecutionTime time.Duration   `json:"average_execution_time"`
	RateLimitHits        int             `json:"rate_limit_hits"`
	APIErrors            int             `json:"api_errors"`
	EmergencyBypasses    int             `json:"emergency_bypasses"`
}

// SuccessRate is successful / total, in percent.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulExecutions) / float64(m.TotalRequests) * 100
}

// AverageSlippage is total slippage / successful executions.
func (m Metrics) AverageSlippage() decimal.Decimal {
	if m.SuccessfulExecutions == 0 {
		return decimal.Zero
	}
	return m.TotalSlippage.Div(decimal.NewFromInt(int64(m.SuccessfulExecutions)))
}

// ActiveOrder is an order accepted but not yet fully filled.
type ActiveOrder struct {
	OrderID         string             `json:"order_id"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	Pair            models.TradingPair `json:"pair"`
	Side            models.Side        `json:"side"`
	Kind            models.OrderKind   `json:"kind"`
	Quantity        decimal.Decimal    `json:"quantity"`
	Filled          decimal.Decimal    `json:"filled"`
	Price           decimal.Decimal    `json:"price"`
	Strategy        string             `json:"strategy,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Statistics is a point-in-time report of the service.
type Statistics struct {
	Mode            Mode    `json:"mode"`
	Metrics         Metrics `json:"metrics"`
	SuccessRate     float64 `json:"success_rate"`
	AverageSlippage string  `json:"average_slippage"`
	ActiveOrders    int     `json:"active_orders"`
	RateLimitUsage  int     `json:"rate_limit_usage"`
	RateLimit       int     `json:"rate_limit"`
	MinOrderValue   string  `json:"min_order_value"`
}
