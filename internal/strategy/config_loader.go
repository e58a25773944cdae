package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"doge-trader/internal/models"
)

// FileEntry represents a strategy configuration entry in YAML.
type FileEntry struct {
	ID         string     `yaml:"id"`
	Type       string     `yaml:"type"`
	Priority   int        `yaml:"priority"`
	Weight     float64    `yaml:"weight"`
	Enabled    *bool      `yaml:"enabled"`
	RiskLevel  string     `yaml:"risk_level"`
	Pairs      []string   `yaml:"pairs"`
	Conditions Conditions `yaml:"conditions"`
	Params     yaml.Node  `yaml:"params"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []FileEntry `yaml:"strategies"`
}

// Builder constructs a strategy from its YAML params node.
type Builder func(params *yaml.Node) (Strategy, error)

var builders = map[string]Builder{
	"rsi": func(params *yaml.Node) (Strategy, error) {
		p := RSIParams{Period: 14, Oversold: 30, Overbought: 70}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewRSIStrategy(p.Period, p.Oversold, p.Overbought, p.Size)
	},
	"ma_cross": func(params *yaml.Node) (Strategy, error) {
		p := MACrossParams{Fast: 10, Slow: 30}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewMACrossStrategy(p.Fast, p.Slow, p.Size)
	},
	"bollinger": func(params *yaml.Node) (Strategy, error) {
		p := BollingerParams{Period: 20, NumStdDev: 2}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewBollingerStrategy(p.Period, p.NumStdDev, p.Size)
	},
	"drawdown_guard": func(params *yaml.Node) (Strategy, error) {
		var p DrawdownGuardParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewDrawdownGuard(p.ThresholdPct)
	},
}

func decodeParams(node *yaml.Node, out interface{}) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	return node.Decode(out)
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]FileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes a strategies document.
func ParseConfig(data []byte) ([]FileEntry, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategies: %w", err)
	}
	return file.Strategies, nil
}

// Build turns one entry into a strategy and its orchestration config.
func Build(e FileEntry) (Strategy, Config, error) {
	builder, ok := builders[strings.ToLower(e.Type)]
	if !ok {
		return nil, Config{}, models.NewValidationError("type", fmt.Sprintf("unknown strategy type %q", e.Type))
	}
	s, err := builder(&e.Params)
	if err != nil {
		return nil, Config{}, fmt.Errorf("build %s: %w", e.ID, err)
	}
	cfg := Config{
		Type:       strings.ToLower(e.Type),
		Priority:   e.Priority,
		Weight:     e.Weight,
		Enabled:    e.Enabled == nil || *e.Enabled,
		RiskLevel:  models.RiskLevel(strings.ToUpper(e.RiskLevel)),
		Conditions: e.Conditions,
	}
	return s, cfg, cfg.Validate()
}

// BuildFromConfig registers every entry on o and activates it for its
// pairs. Entries are processed in file order; the first failure aborts.
func BuildFromConfig(o *Orchestrator, entries []FileEntry) error {
	for _, e := range entries {
		if e.ID == "" {
			return models.NewValidationError("id", "strategy entry without id")
		}
		s, cfg, err := Build(e)
		if err != nil {
			return err
		}
		if err := o.Register(e.ID, s, cfg); err != nil {
			return err
		}
		if !cfg.Enabled {
			continue
		}
		for _, raw := range e.Pairs {
			pair, err := models.ParsePair(raw)
			if err != nil {
				return fmt.Errorf("strategy %s: %w", e.ID, err)
			}
			if err := o.ActivateForPair(e.ID, pair); err != nil {
				return err
			}
		}
	}
	return nil
}

const defaultStrategies = `
strategies:
  - id: rsi_14
    type: rsi
    priority: 60
    weight: 0.4
    risk_level: medium
    params:
      size: "500"
  - id: ma_10_30
    type: ma_cross
    priority: 50
    weight: 0.35
    risk_level: low
    params:
      size: "500"
  - id: bollinger_20
    type: bollinger
    priority: 40
    weight: 0.25
    risk_level: medium
    params:
      size: "300"
  - id: drawdown_guard
    type: drawdown_guard
    priority: 100
    weight: 1
    risk_level: high
    params:
      threshold_pct: 15
`

// DefaultEntries is the stock strategy set, activated for every pair given.
func DefaultEntries(pairs []string) ([]FileEntry, error) {
	entries, err := ParseConfig([]byte(defaultStrategies))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Pairs = append([]string(nil), pairs...)
	}
	return entries, nil
}
