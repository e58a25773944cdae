package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"doge-trader/internal/engine"
	"doge-trader/internal/events"
	"doge-trader/internal/monitor"
	"doge-trader/pkg/logger"
)

// EventSource is the part of the event bus the websocket stream needs.
type EventSource interface {
	SubscribeAll(buffer int) (<-chan events.Envelope, func())
}

// Options configures the HTTP server. Bus, Metrics and Alerts are optional.
type Options struct {
	JWTSecret      string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	Bus            EventSource
	Metrics        *monitor.SystemMetrics
	Alerts         *monitor.Monitor
	Log            *logger.Entry
}

// Server wires HTTP endpoints around the trading engine.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     EventSource
	Metrics *monitor.SystemMetrics
	Alerts  *monitor.Monitor

	jwtSecret string
	limiters  *ipLimiters
	log       *logger.Entry
	http      *http.Server
}

func NewServer(svc engine.Service, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	log := opts.Log.WithComponent("api")

	s := &Server{
		Router:    gin.New(),
		Engine:    svc,
		Bus:       opts.Bus,
		Metrics:   opts.Metrics,
		Alerts:    opts.Alerts,
		jwtSecret: opts.JWTSecret,
		limiters:  newIPLimiters(opts.RatePerSecond, opts.RateBurst),
		log:       log,
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(log, opts.Metrics))
	s.Router.Use(RateLimitMiddleware(s.limiters, log))
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/events", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/alerts", s.getAlerts)
		api.GET("/positions", s.getPositions)
		api.GET("/balances", s.getBalances)
		api.GET("/reservations", s.getReservations)
		api.GET("/orders", s.getActiveOrders)
		api.GET("/orders/stats", s.getOrderStatistics)
		api.GET("/strategies", s.getStrategies)
		api.GET("/signals", s.getSignals)
		api.GET("/risk", s.getRisk)
		api.GET("/emergency/conditions", s.getEmergencyConditions)
		api.GET("/emergency/health", s.getEmergencyHealth)
		api.GET("/emergency/history", s.getEmergencyHistory)

		// Commands need an operator token.
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.POST("/orders", s.placeOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.POST("/cycles/:pair", s.runCycle)
			protected.POST("/strategies/:id/pause", s.pauseStrategy)
			protected.POST("/strategies/:id/resume", s.resumeStrategy)
			protected.POST("/emergency/stop", s.emergencyStop)
			protected.POST("/emergency/reset", s.resetEmergencyStop)
			protected.POST("/emergency/trigger", s.triggerEmergency)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status()
	status := "ok"
	if st.EmergencyStop {
		status = "emergency_stop"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "version": st.Version})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("🌐 API server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
