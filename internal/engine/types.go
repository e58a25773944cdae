package engine

import (
	"encoding/json"
	"time"

	"doge-trader/internal/emergency"
	"doge-trader/internal/models"
	"doge-trader/internal/order"
	"doge-trader/internal/risk"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeSkipped       Outcome = "skipped"
	OutcomeHold          Outcome = "hold"
	OutcomeRejected      Outcome = "rejected"
	OutcomeExecuted      Outcome = "executed"
	OutcomeEmergencyExit Outcome = "emergency_exit"
	OutcomeError         Outcome = "error"
)

// CycleResult reports one pass of the trading loop for a pair.
type CycleResult struct {
	Pair       string                `json:"pair"`
	Outcome    Outcome               `json:"outcome"`
	Reason     string                `json:"reason,omitempty"`
	Price      string                `json:"price,omitempty"`
	Signal     *models.TradeSignal   `json:"signal,omitempty"`
	Risk       *risk.Bundle          `json:"risk,omitempty"`
	Order      *models.OrderResult   `json:"order,omitempty"`
	Emergency  *emergency.Assessment `json:"emergency,omitempty"`
	ExitOrders []models.OrderResult  `json:"exit_orders,omitempty"`
	Duration   time.Duration         `json:"duration"`
	StartedAt  time.Time             `json:"started_at"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode            order.Mode `json:"mode"`
	Pairs           []string   `json:"pairs"`
	Interval        string     `json:"interval"`
	Running         bool       `json:"running"`
	EmergencyStop   bool       `json:"emergency_stop"`
	EmergencyReason string     `json:"emergency_reason,omitempty"`
	DangerLevel     string     `json:"danger_level"`
	CyclesRun       int        `json:"cycles_run"`
	LastCycle       time.Time  `json:"last_cycle"`
	Version         string     `json:"version"`
	ServerTime      time.Time  `json:"server_time"`
}

// State is the snapshot persisted between restarts.
type State struct {
	Strategies map[string]json.RawMessage `json:"strategies"`
	Risk       risk.Metrics               `json:"risk"`
	SavedAt    time.Time                  `json:"saved_at"`
}
