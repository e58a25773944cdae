package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

// Strategy produces one trade signal per analysis. Returning a zero
// TradeSignal (empty Type) abstains from the vote.
type Strategy interface {
	Name() string
	// CanExecute lets a strategy opt out under market conditions it is not
	// built for.
	CanExecute(md models.MarketData) bool
	Analyze(ctx context.Context, md models.MarketData, pos *models.Position) (models.TradeSignal, error)
}

// Stateful strategies can have their internal state persisted between runs.
type Stateful interface {
	GetState() (json.RawMessage, error)
	SetState(data json.RawMessage) error
}

// Status of a registered strategy.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusDisabled Status = "DISABLED"
	StatusError    Status = "ERROR"
)

// Conditions gate a strategy before it is asked to analyze. Zero values
// disable the corresponding check.
type Conditions struct {
	MinInterval   time.Duration   `yaml:"min_interval" json:"min_interval"`
	MinVolatility float64         `yaml:"min_volatility" json:"min_volatility"`
	MinVolume     decimal.Decimal `yaml:"min_volume" json:"min_volume"`
}

// Config is the orchestration settings for one registered strategy.
type Config struct {
	Type       string           `json:"type"`
	Priority   int              `json:"priority"`
	Weight     float64          `json:"weight"`
	Enabled    bool             `json:"enabled"`
	RiskLevel  models.RiskLevel `json:"risk_level"`
	Conditions Conditions       `json:"conditions"`
}

// Validate checks priority (1-100) and weight (0-1).
func (c Config) Validate() error {
	if c.Priority < 1 || c.Priority > 100 {
		return models.NewValidationError("priority", fmt.Sprintf("priority %d outside [1,100]", c.Priority))
	}
	if c.Weight < 0 || c.Weight > 1 {
		return models.NewValidationError("weight", fmt.Sprintf("weight %.3f outside [0,1]", c.Weight))
	}
	return nil
}

// Contribution is one strategy's vote in a combined signal.
type Contribution struct {
	StrategyID string             `json:"strategy_id"`
	Weight     float64            `json:"weight"`
	Signal     models.TradeSignal `json:"signal"`
}

// CombinedSignal is the outcome of one voting round. It is built fresh for
// every analysis and never changed afterwards.
type CombinedSignal struct {
	Pair          models.TradingPair `json:"pair"`
	FinalType     models.SignalType  `json:"final_signal_type"`
	Confidence    float64            `json:"confidence"`
	Contributions []Contribution     `json:"contributing_signals"`
	Reasoning     string             `json:"reasoning"`
	CreatedAt     time.Time          `json:"created_at"`
}

// StrategyCount is the number of strategies that voted.
func (c CombinedSignal) StrategyCount() int { return len(c.Contributions) }

// IsHold reports whether the vote produced no action.
func (c CombinedSignal) IsHold() bool { return c.FinalType == models.SignalHold }

// TradeSignal turns the vote into an executable signal. Quantity, price and
// metadata come from the strongest contribution of the winning group.
func (c CombinedSignal) TradeSignal() models.TradeSignal {
	lead, ok := c.lead()
	if c.IsHold() || !ok {
		return models.Hold(c.Pair, "orchestrator", c.Reasoning, c.CreatedAt)
	}
	sig := lead.Signal
	sig.Type = c.FinalType
	sig.Confidence = c.Confidence
	sig.Reason = c.Reasoning
	sig.Timestamp = c.CreatedAt
	return sig
}

func (c CombinedSignal) lead() (Contribution, bool) {
	var (
		best  Contribution
		score = -1.0
		found bool
	)
	for _, ct := range c.Contributions {
		if ct.Signal.Type != c.FinalType {
			continue
		}
		if s := ct.Signal.Confidence * ct.Weight; s > score {
			best, score, found = ct, s, true
		}
	}
	return best, found
}

// Metrics are per-strategy counters.
type Metrics struct {
	TotalSignals      int       `json:"total_signals"`
	AverageConfidence float64   `json:"average_confidence"`
	ExecutionErrors   int       `json:"execution_errors"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastSignalAt      time.Time `json:"last_signal_at"`
}

// Info is a read-only view of a registered strategy.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Config    Config    `json:"config"`
	Metrics   Metrics   `json:"metrics"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pairs     []string  `json:"pairs"`
}

// Statistics summarizes the orchestrator.
type Statistics struct {
	TotalStrategies      int                 `json:"total_strategies"`
	ActiveStrategies     int                 `json:"active_strategies"`
	TotalCombinedSignals int                 `json:"total_combined_signals"`
	ActivePairs          map[string][]string `json:"active_pairs"`
	LastAnalysis         time.Time           `json:"last_analysis"`
	RecentActionable     int                 `json:"recent_actionable"`
	Strategies           []Info              `json:"strategies"`
}
