package emergency

import (
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

// Trigger names what a condition watches.
type Trigger string

const (
	TriggerStopLoss     Trigger = "stop_loss"
	TriggerDrawdown     Trigger = "drawdown_limit"
	TriggerDailyLoss    Trigger = "daily_loss_limit"
	TriggerPositionLoss Trigger = "position_loss"
	TriggerMarketCrash  Trigger = "market_crash"
	TriggerManual       Trigger = "manual_trigger"
	TriggerSystemError  Trigger = "system_error"
)

// Level grades how bad a triggered condition is.
type Level string

const (
	LevelYellow Level = "YELLOW"
	LevelOrange Level = "ORANGE"
	LevelRed    Level = "RED"
	LevelBlack  Level = "BLACK"
)

func (l Level) baseScore() float64 {
	switch l {
	case LevelYellow:
		return 25
	case LevelOrange:
		return 50
	case LevelRed:
		return 75
	case LevelBlack:
		return 100
	}
	return 50
}

// Condition is one watched threshold. Current is recomputed on every
// assessment; Threshold is in the trigger's own unit (EUR for daily loss,
// percent for position loss, drawdown and market crash).
type Condition struct {
	ID            string          `json:"id"`
	Trigger       Trigger         `json:"trigger"`
	Level         Level           `json:"level"`
	Threshold     decimal.Decimal `json:"threshold"`
	Current       decimal.Decimal `json:"current"`
	Description   string          `json:"description"`
	Active        bool            `json:"active"`
	Cooldown      time.Duration   `json:"cooldown"`
	LastTriggered time.Time       `json:"last_triggered,omitempty"`
}

// SeverityScore is the level's base score scaled by current/threshold,
// capped at 100.
func (c Condition) SeverityScore() float64 {
	if !c.Threshold.IsPositive() {
		return 0
	}
	ratio := c.Current.Div(c.Threshold).InexactFloat64()
	score := c.Level.baseScore() * ratio
	if score > 100 {
		return 100
	}
	return score
}

// Triggered reports an active condition at or above its threshold and
// outside its cooldown.
func (c Condition) Triggered(now time.Time) bool {
	if !c.Active || !c.Threshold.IsPositive() {
		return false
	}
	if !c.LastTriggered.IsZero() && now.Sub(c.LastTriggered) < c.Cooldown {
		return false
	}
	return c.Current.GreaterThanOrEqual(c.Threshold)
}

// ExitPercentage maps a severity score onto the share of a position to sell.
func ExitPercentage(score float64) float64 {
	switch {
	case score >= 90:
		return 100
	case score >= 75:
		return 75
	case score >= 50:
		return 50
	case score >= 25:
		return 25
	}
	return 10
}

// DefaultConditions is the stock condition set. dailyLossLimit is in the
// quote currency.
func DefaultConditions(dailyLossLimit decimal.Decimal) []Condition {
	return []Condition{
		{
			ID:          "daily_loss_limit",
			Trigger:     TriggerDailyLoss,
			Level:       LevelRed,
			Threshold:   dailyLossLimit,
			Description: "daily loss limit exceeded",
			Active:      true,
			Cooldown:    60 * time.Minute,
		},
		{
			ID:          "position_loss_20",
			Trigger:     TriggerPositionLoss,
			Level:       LevelOrange,
			Threshold:   decimal.NewFromInt(20),
			Description: "position loss above 20%",
			Active:      true,
			Cooldown:    30 * time.Minute,
		},
		{
			ID:          "position_loss_30",
			Trigger:     TriggerPositionLoss,
			Level:       LevelRed,
			Threshold:   decimal.NewFromInt(30),
			Description: "critical position loss of 30%",
			Active:      true,
			Cooldown:    15 * time.Minute,
		},
		{
			ID:          "market_crash",
			Trigger:     TriggerMarketCrash,
			Level:       LevelBlack,
			Threshold:   decimal.NewFromInt(15),
			Description: "market crash: BTC moved more than 15% in 24h",
			Active:      true,
			Cooldown:    180 * time.Minute,
		},
	}
}

// Assessment is the verdict of one evaluation pass.
type Assessment struct {
	Triggered      bool     `json:"triggered"`
	Reason         string   `json:"reason"`
	ExitPercentage float64  `json:"exit_percentage"`
	SeverityScore  float64  `json:"severity_score"`
	// Trigger is the trigger of the most severe condition.
	Trigger    Trigger  `json:"trigger,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// PortfolioWide reports triggers that concern every position rather than
// the one assessed.
func (t Trigger) PortfolioWide() bool {
	switch t {
	case TriggerDailyLoss, TriggerMarketCrash, TriggerDrawdown, TriggerSystemError:
		return true
	}
	return false
}

// DangerLevel grades the market as a whole from BTC's and the pair's 24h
// moves and the pair's volatility.
func DangerLevel(md models.MarketData) Level {
	score := 0
	switch btc := md.BTCChange24h; {
	case btc < -10:
		score += 30
	case btc < -5:
		score += 15
	}
	switch pair := md.Change24hPercent; {
	case pair < -15:
		score += 25
	case pair < -8:
		score += 10
	}
	if md.Volatility*100 > 5 {
		score += 20
	}

	switch {
	case score >= 70:
		return LevelBlack
	case score >= 50:
		return LevelRed
	case score >= 30:
		return LevelOrange
	}
	return LevelYellow
}

// Action records one executed emergency exit.
type Action struct {
	ID             string               `json:"id"`
	Trigger        Trigger              `json:"trigger"`
	Currencies     []string             `json:"currencies"`
	ExitPercentage float64              `json:"exit_percentage"`
	Description    string               `json:"description"`
	CreatedAt      time.Time            `json:"created_at"`
	ExecutedAt     time.Time            `json:"executed_at"`
	Results        []models.OrderResult `json:"results"`
}

// Health summarizes the watchdog state.
type Health struct {
	EmergencyActive     bool      `json:"emergency_active"`
	Level               Level     `json:"emergency_level"`
	ActiveConditions    int       `json:"active_conditions"`
	TriggeredConditions int       `json:"triggered_conditions"`
	Status              string    `json:"system_status"`
	LastEmergency       *LastExit `json:"last_emergency,omitempty"`
}

// LastExit describes the most recent emergency exit.
type LastExit struct {
	Trigger           Trigger   `json:"trigger"`
	ExecutedAt        time.Time `json:"executed_at"`
	PositionsAffected int       `json:"positions_affected"`
	SuccessRate       float64   `json:"success_rate"`
}

// Statistics aggregates the exit history.
type Statistics struct {
	TotalEmergencies      int             `json:"total_emergencies"`
	ByTrigger             map[Trigger]int `json:"by_trigger"`
	AverageExitPercentage float64         `json:"average_exit_percentage"`
	ActiveConditions      int             `json:"active_conditions"`
	Level                 Level           `json:"current_emergency_level"`
	LastEmergency         time.Time       `json:"last_emergency,omitempty"`
}
