package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity orders assessments from harmless to critical.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Action is what the caller must do with the assessed trade.
type Action string

const (
	ActionAllow         Action = "ALLOW"
	ActionWarn          Action = "WARN"
	ActionLimit         Action = "LIMIT"
	ActionBlock         Action = "BLOCK"
	ActionEmergencyExit Action = "EMERGENCY_EXIT"
)

// Precedence: EMERGENCY_EXIT > BLOCK > LIMIT > WARN > ALLOW.
func (a Action) Precedence() int {
	switch a {
	case ActionAllow:
		return 1
	case ActionWarn:
		return 2
	case ActionLimit:
		return 3
	case ActionBlock:
		return 4
	case ActionEmergencyExit:
		return 5
	}
	return 0
}

// RequiresAction is true for anything stricter than ALLOW.
func (a Action) RequiresAction() bool { return a.Precedence() > ActionAllow.Precedence() }

// Type names the sub-check that produced an assessment.
type Type string

const (
	TypePositionSize Type = "POSITION_SIZE"
	TypeDailyLimits  Type = "DAILY_LIMITS"
	TypeFrequency    Type = "FREQUENCY"
	TypeBalance      Type = "BALANCE"
	TypeOverall      Type = "OVERALL"
	TypeSystem       Type = "SYSTEM"
)

// Assessment is one risk verdict.
type Assessment struct {
	Type           Type      `json:"risk_type"`
	Severity       Severity  `json:"severity"`
	Action         Action    `json:"action"`
	Score          float64   `json:"score"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bundle is the folded result of every sub-assessment for one signal.
type Bundle struct {
	Overall     Assessment   `json:"overall"`
	Assessments []Assessment `json:"assessments"`
	// Approved means the trade may go ahead as requested (ALLOW or WARN).
	Approved bool `json:"approved"`
	// Limited means only the position size check failed; the trade may be
	// retried with the quantity from CalculatePositionSize.
	Limited bool `json:"limited"`
}

// Limits configures the risk manager. Percentages are whole numbers (15 = 15%).
type Limits struct {
	MaxPositionSizePct decimal.Decimal `json:"max_position_size_pct"`
	MaxDailyLossPct    decimal.Decimal `json:"max_daily_loss_pct"`
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct"`
	EmergencyStopPct   decimal.Decimal `json:"emergency_stop_pct"`
	MaxTradesPerHour   int             `json:"max_trades_per_hour"`
	MaxTradesPerDay    int             `json:"max_trades_per_day"`
	MinBalance         decimal.Decimal `json:"min_balance"`

	// Position sizing risk factor.
	LowConfidenceThreshold  float64 `json:"low_confidence_threshold"`
	HighVolatilityThreshold float64 `json:"high_volatility_threshold"`
	HighVolatilityFactor    float64 `json:"high_volatility_factor"`
	MaxLossDampening        float64 `json:"max_loss_dampening"`
	MinRiskFactor           float64 `json:"min_risk_factor"`

	// Sustained loss exit.
	LossDurationPct   decimal.Decimal `json:"loss_duration_pct"`
	LossDurationLimit time.Duration   `json:"loss_duration_limit"`

	HistorySize int `json:"history_size"`
	// CriticalThreshold CRITICAL results among the last CriticalWindow
	// assessments halt trading.
	CriticalWindow    int `json:"critical_window"`
	CriticalThreshold int `json:"critical_threshold"`
}

// DefaultLimits returns the stock risk limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizePct:      decimal.NewFromInt(10),
		MaxDailyLossPct:         decimal.NewFromInt(5),
		MaxDrawdownPct:          decimal.NewFromInt(15),
		EmergencyStopPct:        decimal.NewFromInt(20),
		MaxTradesPerHour:        20,
		MaxTradesPerDay:         100,
		MinBalance:              decimal.NewFromInt(5),
		LowConfidenceThreshold:  0.7,
		HighVolatilityThreshold: 0.05,
		HighVolatilityFactor:    0.7,
		MaxLossDampening:        0.3,
		MinRiskFactor:           0.1,
		LossDurationPct:         decimal.NewFromInt(8),
		LossDurationLimit:       4 * time.Hour,
		HistorySize:             100,
		CriticalWindow:          10,
		CriticalThreshold:       5,
	}
}

// Metrics are the running totals the manager owns. Only the current and
// the immediately preceding hour's trade counters are kept.
type Metrics struct {
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	TotalRealizedPnL  decimal.Decimal `json:"total_realized_pnl"`
	MaxDrawdown       float64         `json:"max_drawdown"` // fraction, 0.15 = 15%
	TradesToday       int             `json:"trades_today"`
	TradesThisHour    int             `json:"trades_this_hour"`
	TradesPrevHour    int             `json:"trades_prev_hour"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	EmergencyStops    int             `json:"emergency_stops"`
	Day               string          `json:"day"`
	Hour              time.Time       `json:"hour"`
	LastTradeAt       time.Time       `json:"last_trade_at"`
	BalanceKnown      bool            `json:"balance_known"`
}

// DailyLimits reports daily and hourly ceilings.
type DailyLimits struct {
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"`
	LossRatio        float64         `json:"loss_ratio"`
	LossBreached     bool            `json:"loss_breached"`
	TradesToday      int             `json:"trades_today"`
	MaxTradesPerDay  int             `json:"max_trades_per_day"`
	TradesBreached   bool            `json:"trades_breached"`
	TradesThisHour   int             `json:"trades_this_hour"`
	MaxTradesPerHour int             `json:"max_trades_per_hour"`
	HourlyBreached   bool            `json:"hourly_breached"`
}

// Breached is true when any daily or hourly ceiling is hit.
func (d DailyLimits) Breached() bool {
	return d.LossBreached || d.TradesBreached || d.HourlyBreached
}

// Statistics summarizes manager activity.
type Statistics struct {
	TotalAssessments    int              `json:"total_assessments"`
	Approved            int              `json:"approved"`
	Rejected            int              `json:"rejected"`
	EmergencyStopActive bool             `json:"emergency_stop_active"`
	EmergencyReason     string           `json:"emergency_reason,omitempty"`
	ManuallyBlocked     bool             `json:"manually_blocked"`
	BySeverity          map[Severity]int `json:"by_severity"`
	Metrics             Metrics          `json:"metrics"`
	Limits              Limits           `json:"limits"`
}
