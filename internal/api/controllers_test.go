package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"doge-trader/internal/balance"
	"doge-trader/internal/emergency"
	"doge-trader/internal/engine"
	"doge-trader/internal/events"
	"doge-trader/internal/models"
	"doge-trader/internal/monitor"
	"doge-trader/internal/order"
	"doge-trader/internal/risk"
	"doge-trader/internal/strategy"
)

const testSecret = "test-secret"

// stubEngine records commands and answers queries from fixed data.
type stubEngine struct {
	mu        sync.Mutex
	stopped   bool
	reason    string
	resetBy   string
	running   bool
	orders    []engine.OrderRequest
	placeErr  error
	triggered []float64
}

func (s *stubEngine) RunCycle(_ context.Context, pair models.TradingPair) (engine.CycleResult, error) {
	return engine.CycleResult{Pair: pair.String(), Outcome: engine.OutcomeHold}, nil
}

func (s *stubEngine) PlaceOrder(_ context.Context, req engine.OrderRequest) (engine.CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return engine.CycleResult{}, s.placeErr
	}
	s.orders = append(s.orders, req)
	return engine.CycleResult{Pair: req.Pair.String(), Outcome: engine.OutcomeExecuted}, nil
}

func (s *stubEngine) Status() engine.SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.SystemStatus{
		Mode:            order.ModeSimulation,
		Pairs:           []string{"DOGE_EUR"},
		Running:         s.running,
		EmergencyStop:   s.stopped,
		EmergencyReason: s.reason,
		Version:         "test",
	}
}

func (s *stubEngine) Positions() []models.Position {
	return []models.Position{{Currency: "DOGE", Quantity: decimal.NewFromInt(500), AveragePrice: decimal.RequireFromString("0.1"), Status: models.PositionOpen}}
}

func (s *stubEngine) Balances(context.Context) (map[string]balance.Info, error) {
	return map[string]balance.Info{"EUR": {Total: decimal.NewFromInt(1000), Free: decimal.NewFromInt(1000)}}, nil
}

func (s *stubEngine) Reservations() []balance.Reservation              { return nil }
func (s *stubEngine) ActiveOrders() []order.ActiveOrder                { return nil }
func (s *stubEngine) OrderStatistics() order.Statistics                { return order.Statistics{} }
func (s *stubEngine) Strategies() strategy.Statistics                  { return strategy.Statistics{} }
func (s *stubEngine) RiskStatistics() risk.Statistics                  { return risk.Statistics{} }
func (s *stubEngine) EmergencyHealth() emergency.Health                { return emergency.Health{} }
func (s *stubEngine) EmergencyHistory() []emergency.Action             { return nil }
func (s *stubEngine) EmergencyConditions() []emergency.ConditionStatus { return nil }

func (s *stubEngine) RecentSignals(limit int) []strategy.CombinedSignal {
	return make([]strategy.CombinedSignal, 0, limit)
}

func (s *stubEngine) CancelOrder(_ context.Context, id string) (bool, error) { return id == "o1", nil }
func (s *stubEngine) PauseStrategy(id string) bool                           { return id == "rsi" }
func (s *stubEngine) ResumeStrategy(id string) bool                          { return id == "rsi" }

func (s *stubEngine) TriggerEmergency(_ context.Context, _ string, _ []string, pct float64) ([]models.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = append(s.triggered, pct)
	return []models.OrderResult{{OrderID: "exit-1", Status: models.OrderFilled, Emergency: true}}, nil
}

func (s *stubEngine) EmergencyStop(reason string) {
	s.mu.Lock()
	s.stopped, s.reason = true, reason
	s.mu.Unlock()
}

func (s *stubEngine) ResetEmergencyStop(_, by string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return false
	}
	s.stopped, s.reason, s.resetBy = false, "", by
	return true
}

var _ engine.Service = (*stubEngine)(nil)

func newTestAPIServer(t *testing.T) (*httptest.Server, *stubEngine, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stub := &stubEngine{running: true}
	bus := events.NewBus()
	server := NewServer(stub, Options{
		JWTSecret: testSecret,
		Bus:       bus,
		Metrics:   monitor.NewSystemMetrics(),
	})
	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(httpServer.Close)
	return httpServer, stub, bus
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token, _, err := IssueToken("alice", testSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	srv, stub, _ := newTestAPIServer(t)
	client := srv.Client()

	var health map[string]string
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, srv.URL+"/health", "", nil, &health))
	assert.Equal(t, "ok", health["status"])

	stub.EmergencyStop("test")
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, srv.URL+"/health", "", nil, &health))
	assert.Equal(t, "emergency_stop", health["status"])

	var status engine.SystemStatus
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, srv.URL+"/api/status", "", nil, &status))
	assert.True(t, status.EmergencyStop)
	assert.Equal(t, []string{"DOGE_EUR"}, status.Pairs)
}

func TestQueryEndpoints(t *testing.T) {
	srv, _, _ := newTestAPIServer(t)
	client := srv.Client()

	var positions struct {
		Positions []models.Position `json:"positions"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, srv.URL+"/api/positions", "", nil, &positions))
	require.Len(t, positions.Positions, 1)
	assert.True(t, positions.Positions[0].Quantity.Equal(decimal.NewFromInt(500)))

	var balances struct {
		Balances map[string]balance.Info `json:"balances"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, srv.URL+"/api/balances", "", nil, &balances))
	assert.True(t, balances.Balances["EUR"].Free.Equal(decimal.NewFromInt(1000)))

	for _, path := range []string{
		"/api/reservations", "/api/orders", "/api/orders/stats", "/api/strategies", "/api/risk",
		"/api/emergency/conditions", "/api/emergency/health", "/api/emergency/history", "/api/metrics",
		"/api/signals?limit=5",
	} {
		assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, srv.URL+path, "", nil, nil), path)
	}
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, client, http.MethodGet, srv.URL+"/api/signals?limit=x", "", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, doJSONRequest(t, client, http.MethodGet, srv.URL+"/api/alerts", "", nil, nil))
}

func TestCommandsRequireToken(t *testing.T) {
	srv, stub, _ := newTestAPIServer(t)
	client := srv.Client()

	var body map[string]string
	code := doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/stop", "", map[string]string{"reason": "panic"}, &body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "MISSING_TOKEN", body["code"])

	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/stop", "garbage", map[string]string{"reason": "panic"}, &body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	forged, _, err := IssueToken("mallory", "other-secret", time.Hour)
	require.NoError(t, err)
	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/stop", forged, map[string]string{"reason": "panic"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	assert.False(t, stub.Status().EmergencyStop)
}

func TestEmergencyStopAndReset(t *testing.T) {
	srv, stub, _ := newTestAPIServer(t)
	client := srv.Client()
	token := operatorToken(t)

	code := doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/reset", token, map[string]string{"reason": "all clear"}, nil)
	assert.Equal(t, http.StatusConflict, code, "nothing to reset")

	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/stop", token, map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "reason is mandatory")

	var status engine.SystemStatus
	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/stop", token, map[string]string{"reason": "exchange outage"}, &status)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, status.EmergencyStop)
	assert.Equal(t, "exchange outage (by alice)", status.EmergencyReason)

	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/emergency/reset", token, map[string]string{"reason": "all clear"}, &status)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, status.EmergencyStop)
	assert.Equal(t, "alice", stub.resetBy)
}

func TestTriggerEmergency(t *testing.T) {
	srv, stub, _ := newTestAPIServer(t)
	token := operatorToken(t)

	var body struct {
		Count int `json:"count"`
	}
	payload := map[string]any{"reason": "flash crash", "currencies": []string{"DOGE"}, "percentage": 75}
	code := doJSONRequest(t, srv.Client(), http.MethodPost, srv.URL+"/api/emergency/trigger", token, payload, &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, []float64{75}, stub.triggered)

	payload["percentage"] = 150
	code = doJSONRequest(t, srv.Client(), http.MethodPost, srv.URL+"/api/emergency/trigger", token, payload, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPlaceOrder(t *testing.T) {
	srv, stub, _ := newTestAPIServer(t)
	client := srv.Client()
	token := operatorToken(t)

	var res engine.CycleResult
	code := doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/orders", token,
		map[string]any{"pair": "doge/eur", "side": "BUY", "quantity": "250", "price": "0.1"}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, engine.OutcomeExecuted, res.Outcome)
	require.Len(t, stub.orders, 1)
	assert.Equal(t, models.MustPair("DOGE", "EUR"), stub.orders[0].Pair)
	assert.Equal(t, models.SideBuy, stub.orders[0].Side)
	assert.True(t, stub.orders[0].Quantity.Equal(decimal.NewFromInt(250)))

	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/orders", token,
		map[string]any{"pair": "DOGE_EUR", "side": "HOLD", "quantity": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/orders", token,
		map[string]any{"pair": "DOGE", "side": "SELL", "quantity": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	stub.placeErr = &models.EmergencyStopError{Reason: "halted"}
	var errBody map[string]string
	code = doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/orders", token,
		map[string]any{"pair": "DOGE_EUR", "side": "SELL", "quantity": "1"}, &errBody)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "EMERGENCY_STOP", errBody["code"])
}

func TestOrderAndStrategyCommands(t *testing.T) {
	srv, _, _ := newTestAPIServer(t)
	client := srv.Client()
	token := operatorToken(t)

	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodDelete, srv.URL+"/api/orders/o1", token, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, client, http.MethodDelete, srv.URL+"/api/orders/missing", token, nil, nil))
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/strategies/rsi/pause", token, nil, nil))
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/strategies/rsi/resume", token, nil, nil))
	assert.Equal(t, http.StatusConflict, doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/strategies/ghost/pause", token, nil, nil))

	var res engine.CycleResult
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, srv.URL+"/api/cycles/DOGE_EUR", token, nil, &res))
	assert.Equal(t, engine.OutcomeHold, res.Outcome)
}

func TestRequestIDAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := monitor.NewSystemMetrics()
	server := NewServer(&stubEngine{}, Options{JWTSecret: testSecret, Metrics: metrics})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Request-ID", "req-42")
	server.Router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	server.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	snap := metrics.GetSnapshot()
	assert.Equal(t, uint64(2), snap.APIRequests)
	assert.Equal(t, uint64(1), snap.APIErrors)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(&stubEngine{}, Options{JWTSecret: testSecret, RatePerSecond: 0.001, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		server.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	assert.Equal(t, 1, server.limiters.sweep(time.Now().Add(time.Hour), time.Minute))
}

func TestEventStream(t *testing.T) {
	srv, _, bus := newTestAPIServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until the
	// client sees an event.
	received := make(chan map[string]any, 1)
	go func() {
		var env map[string]any
		if err := conn.ReadJSON(&env); err == nil {
			received <- env
		}
	}()

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case env := <-received:
			assert.Equal(t, string(events.EventEmergencyStop), env["kind"])
			assert.Equal(t, "test", env["source"])
			return
		case <-ticker.C:
			bus.Publish("test", events.EmergencyStopTriggered{Reason: "drill"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestHealthReporter(t *testing.T) {
	stub := &stubEngine{running: true}
	h := NewHealthReporter(stub, nil)
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Refresh())
	resp, err := h.Health().Check(ctx, &healthpb.HealthCheckRequest{Service: EngineHealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	stub.EmergencyStop("drill")
	h.Refresh()
	resp, err = h.Health().Check(ctx, &healthpb.HealthCheckRequest{Service: EngineHealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	resp, err = h.Health().Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status, "the process itself stays up")
}
