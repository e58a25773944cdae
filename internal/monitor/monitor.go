package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"doge-trader/internal/events"
	"doge-trader/pkg/logger"
)

// Subscriber is the subscribe side of the event bus.
type Subscriber interface {
	SubscribeAll(buffer int) (<-chan events.Envelope, func())
}

// Monitor watches the event bus and forwards alerts to a sink. Repeated
// non-critical alerts of one kind are throttled.
type Monitor struct {
	bus   Subscriber
	sink  AlertSink
	rules RuleEvaluator
	log   *logger.Entry

	mu       sync.Mutex
	throttle map[string]*rate.Sometimes
	interval time.Duration
	recent   []Alert

	sent    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

const recentAlerts = 50

// NewMonitor forwards alerts to sink; a nil sink logs them.
func NewMonitor(bus Subscriber, sink AlertSink, throttle time.Duration, log *logger.Entry) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("monitor")
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Monitor{
		bus:      bus,
		sink:     sink,
		log:      log,
		throttle: make(map[string]*rate.Sometimes),
		interval: throttle,
	}
}

// Start consumes the bus until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.bus == nil {
		m.log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.bus.SubscribeAll(100)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.Handle(env)
			}
		}
	}()
}

// Handle evaluates one event and delivers the resulting alert, if any.
func (m *Monitor) Handle(env events.Envelope) {
	alert, ok := m.rules.Check(env)
	if !ok {
		return
	}
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	if alert.Level != LevelCritical && !m.allow(alert.Kind) {
		m.skipped.Add(1)
		return
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > recentAlerts {
		m.recent = m.recent[len(m.recent)-recentAlerts:]
	}
	m.mu.Unlock()

	if err := m.sink.Send(alert); err != nil {
		m.failed.Add(1)
		m.log.WithField("kind", alert.Kind).WithError(err).Error("❌ alert delivery failed")
		return
	}
	m.sent.Add(1)
}

func (m *Monitor) allow(kind string) bool {
	if m.interval <= 0 {
		return true
	}
	m.mu.Lock()
	s, ok := m.throttle[kind]
	if !ok {
		s = &rate.Sometimes{Interval: m.interval}
		m.throttle[kind] = s
	}
	m.mu.Unlock()

	allowed := false
	s.Do(func() { allowed = true })
	return allowed
}

// Recent returns the last delivered alerts, oldest first.
func (m *Monitor) Recent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.recent...)
}

// AlertCounts reports delivered, throttled and failed alerts.
type AlertCounts struct {
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

func (m *Monitor) Counts() AlertCounts {
	return AlertCounts{Sent: m.sent.Load(), Skipped: m.skipped.Load(), Failed: m.failed.Load()}
}
