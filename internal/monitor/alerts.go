package monitor

import (
	"fmt"
	"time"

	"doge-trader/pkg/logger"
)

// Level grades an alert.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one operator notification derived from a bus event.
type Alert struct {
	Level   Level     `json:"level"`
	Kind    string    `json:"kind"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", a.At.UTC().Format(time.RFC3339), a.Level, a.Kind, a.Message)
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(alert Alert) error
}

// LogSink writes alerts to the process log.
type LogSink struct {
	Log *logger.Entry
}

func (s LogSink) Send(a Alert) error {
	entry := s.Log.WithFields(logger.Fields{"kind": a.Kind, "source": a.Source})
	switch a.Level {
	case LevelCritical:
		entry.Error("🚨 " + a.Message)
	case LevelWarning:
		entry.Warn("⚠️ " + a.Message)
	default:
		entry.Info("🔔 " + a.Message)
	}
	return nil
}
