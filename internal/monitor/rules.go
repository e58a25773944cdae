package monitor

import (
	"fmt"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
)

// RuleEvaluator decides which bus events deserve an alert.
type RuleEvaluator struct{}

// Check maps an event to an alert. Routine events return false.
func (RuleEvaluator) Check(env events.Envelope) (Alert, bool) {
	a := Alert{Kind: string(env.Kind), Source: env.Source, At: env.At}
	switch p := env.Payload.(type) {
	case events.EmergencyStopTriggered:
		a.Level = LevelCritical
		a.Message = fmt.Sprintf("emergency stop: %s (daily P&L %s, balance %s)", p.Reason, p.DailyPnL, p.CurrentBalance)
	case events.EmergencyStopReset:
		a.Level = LevelWarning
		a.Message = fmt.Sprintf("emergency stop reset by %s: %s", p.By, p.Reason)
	case events.EmergencyConditionTriggered:
		a.Level = LevelWarning
		if p.Level == "RED" || p.Level == "BLACK" {
			a.Level = LevelCritical
		}
		a.Message = fmt.Sprintf("condition %s (%s) scored %.1f, exiting %.0f%%", p.ConditionID, p.Level, p.SeverityScore, p.ExitPercentage)
	case events.EmergencyExitExecuted:
		a.Level = LevelCritical
		a.Message = fmt.Sprintf("emergency exit %s: %d/%d positions sold at %.0f%%", p.Trigger, p.SuccessfulExits, p.PositionsCount, p.ExitPercentage)
	case events.StrategyErrored:
		a.Level = LevelWarning
		if p.Status == "ERROR" {
			a.Level = LevelCritical
		}
		a.Message = fmt.Sprintf("strategy %s failed (%d in a row): %s", p.StrategyID, p.ConsecutiveErrors, p.Error)
	case events.OrderExecuted:
		if p.Result.Status != models.OrderFailed {
			return Alert{}, false
		}
		a.Level = LevelWarning
		a.Message = fmt.Sprintf("order %s %s %s failed: %s", p.Result.Side, p.Result.RequestedQuantity, p.Result.Pair, p.Result.ErrorMessage)
	default:
		return Alert{}, false
	}
	return a, true
}
