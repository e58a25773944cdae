package events

import (
	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventRiskAssessment      Event = "risk_assessment"
	EventEmergencyStop       Event = "emergency_stop_triggered"
	EventEmergencyStopReset  Event = "emergency_stop_reset"
	EventCombinedSignal      Event = "combined_signal_generated"
	EventStrategyError       Event = "strategy_error"
	EventOrderExecuted       Event = "order_executed"
	EventPositionUpdated     Event = "position_updated"
	EventBalanceUpdated      Event = "balance_updated"
	EventEmergencyExit       Event = "emergency_exit_executed"
	EventReservationCreated  Event = "reservation_created"
	EventReservationReleased Event = "reservation_released"
	EventEmergencyCondition  Event = "emergency_condition_triggered"
)

// Payload is implemented by every typed event body. The Kind method is the
// union tag; a payload always travels under its own kind.
type Payload interface {
	Kind() Event
}

type RiskAssessed struct {
	Pair        string  `json:"pair"`
	Strategy    string  `json:"strategy"`
	SignalType  string  `json:"signal_type"`
	RiskType    string  `json:"risk_type"`
	Severity    string  `json:"severity"`
	Action      string  `json:"action"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

func (RiskAssessed) Kind() Event { return EventRiskAssessment }

type EmergencyStopTriggered struct {
	Reason         string          `json:"reason"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	TradesToday    int             `json:"trades_today"`
}

func (EmergencyStopTriggered) Kind() Event { return EventEmergencyStop }

type EmergencyStopReset struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

func (EmergencyStopReset) Kind() Event { return EventEmergencyStopReset }

type CombinedSignalGenerated struct {
	Pair          string  `json:"pair"`
	SignalType    string  `json:"signal_type"`
	Confidence    float64 `json:"confidence"`
	StrategyCount int     `json:"strategy_count"`
	Reasoning     string  `json:"reasoning"`
}

func (CombinedSignalGenerated) Kind() Event { return EventCombinedSignal }

type StrategyErrored struct {
	StrategyID        string `json:"strategy_id"`
	Error             string `json:"error"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	Status            string `json:"status"`
}

func (StrategyErrored) Kind() Event { return EventStrategyError }

type OrderExecuted struct {
	Result models.OrderResult `json:"result"`
	Mode   string             `json:"mode"`
}

func (OrderExecuted) Kind() Event { return EventOrderExecuted }

type PositionUpdated struct {
	Position models.Position `json:"position"`
	TradeID  string          `json:"trade_id,omitempty"`
	Closed   bool            `json:"closed"`
	Reason   string          `json:"reason,omitempty"`
}

func (PositionUpdated) Kind() Event { return EventPositionUpdated }

type BalanceUpdated struct {
	Currency string          `json:"currency"`
	Change   string          `json:"change"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note"`
}

func (BalanceUpdated) Kind() Event { return EventBalanceUpdated }

type ReservationChanged struct {
	ReservationID string          `json:"reservation_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Released      bool            `json:"released"`
	Expired       bool            `json:"expired"`
}

func (r ReservationChanged) Kind() Event {
	if r.Released {
		return EventReservationReleased
	}
	return EventReservationCreated
}

type EmergencyConditionTriggered struct {
	ConditionID    string  `json:"condition_id"`
	Trigger        string  `json:"trigger"`
	Level          string  `json:"level"`
	SeverityScore  float64 `json:"severity_score"`
	ExitPercentage float64 `json:"exit_percentage"`
	Reason         string  `json:"reason"`
}

func (EmergencyConditionTriggered) Kind() Event { return EventEmergencyCondition }

type EmergencyExitExecuted struct {
	Trigger         string  `json:"trigger"`
	PositionsCount  int     `json:"positions_count"`
	SuccessfulExits int     `json:"successful_exits"`
	ExitPercentage  float64 `json:"exit_percentage"`
	Description     string  `json:"description"`
	DurationMillis  int64   `json:"duration_ms"`
}

func (EmergencyExitExecuted) Kind() Event { return EventEmergencyExit }
