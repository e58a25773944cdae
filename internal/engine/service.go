// Package engine runs the trading loop and is the single entry point the
// API layer uses to query and command the trading core.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"doge-trader/internal/balance"
	"doge-trader/internal/emergency"
	"doge-trader/internal/models"
	"doge-trader/internal/order"
	"doge-trader/internal/risk"
	"doge-trader/internal/strategy"
)

// Service defines the interface for trading engine operations.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Trading loop
	RunCycle(ctx context.Context, pair models.TradingPair) (CycleResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (CycleResult, error)

	// Queries
	Status() SystemStatus
	Positions() []models.Position
	Balances(ctx context.Context) (map[string]balance.Info, error)
	Reservations() []balance.Reservation
	ActiveOrders() []order.ActiveOrder
	OrderStatistics() order.Statistics
	Strategies() strategy.Statistics
	RecentSignals(limit int) []strategy.CombinedSignal
	RiskStatistics() risk.Statistics
	EmergencyConditions() []emergency.ConditionStatus
	EmergencyHealth() emergency.Health
	EmergencyHistory() []emergency.Action

	// Commands
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	PauseStrategy(id string) bool
	ResumeStrategy(id string) bool
	TriggerEmergency(ctx context.Context, reason string, currencies []string, pct float64) ([]models.OrderResult, error)
	EmergencyStop(reason string)
	ResetEmergencyStop(reason, by string) bool
}

// OrderRequest is a manual order placed through the API. A zero Price
// places a market order.
type OrderRequest struct {
	Pair     models.TradingPair `json:"pair"`
	Side     models.Side        `json:"side"`
	Quantity decimal.Decimal    `json:"quantity"`
	Price    decimal.Decimal    `json:"price"`
}

var _ Service = (*Engine)(nil)
