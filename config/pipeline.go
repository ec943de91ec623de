package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ohlc-engine/internal/indicator"
	"ohlc-engine/internal/valueview"
)

// Pipeline describes the indicator graph: one tick source, a chain of
// candle indicators and derived indicators on top of them.
type Pipeline struct {
	Tick       TickSpec        `yaml:"tick"`
	Candles    []CandleSpec    `yaml:"candles"`
	Indicators []IndicatorSpec `yaml:"indicators"`
}

// TickSpec configures the tick source and its backfill.
type TickSpec struct {
	Name     string        `yaml:"name"`
	Lookback time.Duration `yaml:"lookback"`
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// CandleSpec configures one candle indicator. Source names either the tick
// source or an earlier candle indicator.
type CandleSpec struct {
	Name         string `yaml:"name"`
	Interval     int64  `yaml:"interval"` // seconds
	Source       string `yaml:"source"`
	Side         string `yaml:"side"`
	Ceiling      int    `yaml:"ceiling"`
	MaxConflicts int    `yaml:"max_conflicts"`
}

// IndicatorSpec configures one derived indicator over a candle indicator.
type IndicatorSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Period  int    `yaml:"period"`
	Applied string `yaml:"applied"`
	Source  string `yaml:"source"`
}

// DefaultPipeline is used when no pipeline file is configured:
// ticks -> M1 -> M5, with SMA(20) and EMA(20) on M1 close.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Tick: TickSpec{Name: "ticks"},
		Candles: []CandleSpec{
			{Name: "M1", Interval: 60, Source: "ticks"},
			{Name: "M5", Interval: 300, Source: "M1"},
		},
		Indicators: []IndicatorSpec{
			{Name: "M1_SMA_20", Type: "SMA", Period: 20, Applied: "close", Source: "M1"},
			{Name: "M1_EMA_20", Type: "EMA", Period: 20, Applied: "close", Source: "M1"},
		},
	}
}

// LoadPipeline reads a pipeline file. An empty path yields DefaultPipeline.
func LoadPipeline(path string) (*Pipeline, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file '%s': %w", path, err)
	}
	return ParsePipeline(data)
}

// ParsePipeline decodes and validates a YAML pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline from YAML: %w", err)
	}
	if p.Tick.Name == "" {
		p.Tick.Name = "ticks"
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline validation failed: %w", err)
	}
	return &p, nil
}

// Validate checks names, intervals and references. Sources must be
// declared before they are used.
func (p *Pipeline) Validate() error {
	seen := map[string]bool{p.Tick.Name: true}
	candles := make(map[string]int64)

	if len(p.Candles) == 0 {
		return fmt.Errorf("at least one candle indicator must be configured")
	}
	for i, c := range p.Candles {
		if c.Name == "" {
			return fmt.Errorf("candle %d must have a name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate name %q", c.Name)
		}
		if c.Interval <= 0 {
			return fmt.Errorf("candle %q: interval must be greater than 0", c.Name)
		}
		if c.Source != p.Tick.Name {
			srcInterval, ok := candles[c.Source]
			if !ok {
				return fmt.Errorf("candle %q: unknown source %q", c.Name, c.Source)
			}
			if c.Interval%srcInterval != 0 {
				return fmt.Errorf("candle %q: interval %d is not a multiple of source interval %d",
					c.Name, c.Interval, srcInterval)
			}
		}
		if s := strings.ToLower(c.Side); s != "" && s != "ask" && s != "bid" {
			return fmt.Errorf("candle %q: side must be ask or bid, got %q", c.Name, c.Side)
		}
		if c.Ceiling < 0 || c.MaxConflicts < 0 {
			return fmt.Errorf("candle %q: store limits cannot be negative", c.Name)
		}
		seen[c.Name] = true
		candles[c.Name] = c.Interval
	}

	for i, ind := range p.Indicators {
		if ind.Name == "" {
			return fmt.Errorf("indicator %d must have a name", i)
		}
		if seen[ind.Name] {
			return fmt.Errorf("duplicate name %q", ind.Name)
		}
		if _, ok := candles[ind.Source]; !ok {
			return fmt.Errorf("indicator %q: source %q is not a candle indicator", ind.Name, ind.Source)
		}
		if _, err := indicator.NewCalc(ind.Type, ind.Period); err != nil {
			return fmt.Errorf("indicator %q: %w", ind.Name, err)
		}
		if ind.Applied != "" {
			if _, err := valueview.ParseKind(ind.Applied); err != nil {
				return fmt.Errorf("indicator %q: %w", ind.Name, err)
			}
		}
		seen[ind.Name] = true
	}
	return nil
}
