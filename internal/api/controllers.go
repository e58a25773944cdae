package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"doge-trader/internal/engine"
	"doge-trader/internal/models"
	"doge-trader/pkg/logger"
)

type placeOrderRequest struct {
	Pair     string          `json:"pair" binding:"required"`
	Side     string          `json:"side" binding:"required,oneof=BUY SELL"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type emergencyStopRequest struct {
	Reason string `json:"reason" binding:"required,min=3"`
}

type emergencyResetRequest struct {
	Reason string `json:"reason" binding:"required,min=3"`
}

type emergencyTriggerRequest struct {
	Reason     string   `json:"reason" binding:"required,min=3"`
	Currencies []string `json:"currencies"`
	Percentage float64  `json:"percentage" binding:"gte=0,lte=100"`
}

type listSignalsQuery struct {
	Limit int `form:"limit"`
}

func (q *listSignalsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps the engine's typed errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		respondError(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, models.ErrEmergencyStop):
		respondError(c, http.StatusConflict, "EMERGENCY_STOP", err.Error())
	case errors.Is(err, models.ErrInsufficientBalance):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, models.ErrRiskLimitExceeded):
		respondError(c, http.StatusUnprocessableEntity, "RISK_LIMIT", err.Error())
	case errors.Is(err, models.ErrRateLimitExceeded):
		respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", "request took too long to process")
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getAlerts(c *gin.Context) {
	if s.Alerts == nil {
		respondError(c, http.StatusServiceUnavailable, "ALERTS_DISABLED", "alert monitor not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": s.Alerts.Recent(),
		"counts": s.Alerts.Counts(),
	})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.Engine.Positions()})
}

func (s *Server) getBalances(c *gin.Context) {
	balances, err := s.Engine.Balances(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) getReservations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reservations": s.Engine.Reservations()})
}

func (s *Server) getActiveOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.Engine.ActiveOrders()})
}

func (s *Server) getOrderStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.OrderStatistics())
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Strategies())
}

func (s *Server) getSignals(c *gin.Context) {
	var q listSignalsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer")
		return
	}
	q.normalize()
	c.JSON(http.StatusOK, gin.H{"signals": s.Engine.RecentSignals(q.Limit)})
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.RiskStatistics())
}

func (s *Server) getEmergencyConditions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conditions": s.Engine.EmergencyConditions()})
}

func (s *Server) getEmergencyHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.EmergencyHealth())
}

func (s *Server) getEmergencyHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.Engine.EmergencyHistory()})
}

// placeOrder runs a manual order through risk and execution. Omitting the
// price places a market order.
func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	pair, err := models.ParsePair(req.Pair)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAIR", err.Error())
		return
	}

	res, err := s.Engine.PlaceOrder(c.Request.Context(), engine.OrderRequest{
		Pair:     pair,
		Side:     models.Side(strings.ToUpper(req.Side)),
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		respondEngineError(c, err)
		return
	}

	s.log.WithFields(logger.Fields{
		"operator": CurrentOperator(c),
		"pair":     pair.String(),
		"side":     req.Side,
		"outcome":  res.Outcome,
	}).Info("🧾 manual order processed")

	status := http.StatusOK
	if res.Outcome == engine.OutcomeRejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.Engine.CancelOrder(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if !ok {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "no active order "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "cancelled": true})
}

// runCycle forces one trading cycle for the pair outside the schedule.
func (s *Server) runCycle(c *gin.Context) {
	pair, err := models.ParsePair(c.Param("pair"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAIR", err.Error())
		return
	}
	res, err := s.Engine.RunCycle(c.Request.Context(), pair)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) pauseStrategy(c *gin.Context) {
	s.strategyTransition(c, "pause", s.Engine.PauseStrategy)
}

func (s *Server) resumeStrategy(c *gin.Context) {
	s.strategyTransition(c, "resume", s.Engine.ResumeStrategy)
}

func (s *Server) strategyTransition(c *gin.Context, action string, apply func(string) bool) {
	id := c.Param("id")
	if !apply(id) {
		respondError(c, http.StatusConflict, "INVALID_TRANSITION", "cannot "+action+" strategy "+id)
		return
	}
	s.log.WithFields(logger.Fields{"operator": CurrentOperator(c), "strategy_id": id}).
		Info("⏯️ strategy " + action + "d")
	c.JSON(http.StatusOK, gin.H{"strategy_id": id, "action": action})
}

func (s *Server) emergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "a reason of at least 3 characters is required")
		return
	}
	operator := CurrentOperator(c)
	s.Engine.EmergencyStop(req.Reason + " (by " + operator + ")")
	s.log.WithField("operator", operator).Error("🚨 emergency stop requested via API: " + req.Reason)
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) resetEmergencyStop(c *gin.Context) {
	var req emergencyResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "a reason of at least 3 characters is required")
		return
	}
	operator := CurrentOperator(c)
	if !s.Engine.ResetEmergencyStop(req.Reason, operator) {
		respondError(c, http.StatusConflict, "NOT_STOPPED", "emergency stop is not active")
		return
	}
	s.log.WithField("operator", operator).Warn("✅ emergency stop reset via API: " + req.Reason)
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) triggerEmergency(c *gin.Context) {
	var req emergencyTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "reason is required and percentage must be within 0-100")
		return
	}
	operator := CurrentOperator(c)
	results, err := s.Engine.TriggerEmergency(c.Request.Context(), req.Reason+" (by "+operator+")", req.Currencies, req.Percentage)
	if err != nil && len(results) == 0 {
		respondEngineError(c, err)
		return
	}
	body := gin.H{"orders": results, "count": len(results)}
	if err != nil {
		body["error"] = err.Error()
	}
	s.log.WithFields(logger.Fields{
		"operator": operator,
		"orders":   len(results),
	}).Error("🚨 manual emergency exit via API: " + req.Reason)
	c.JSON(http.StatusOK, body)
}
