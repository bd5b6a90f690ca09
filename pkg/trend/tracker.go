// Package trend keeps a short rolling window of occupancy counts and derives
// the trend direction and spike signal from consecutive samples.
package trend

import (
	"time"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

const (
	// DefaultWindowSize is the number of history entries kept.
	DefaultWindowSize = 20
	// DefaultTrendDelta is the absolute change needed to report Up or Down.
	DefaultTrendDelta = 2
	// DefaultSpikeDelta is the increase that must be exceeded to report a spike.
	DefaultSpikeDelta = 15
	// LabelLayout formats history labels.
	LabelLayout = "15:04:05"
)

// Config tunes the tracker.
type Config struct {
	WindowSize int `mapstructure:"history_size" yaml:"history_size"`
	TrendDelta int `mapstructure:"trend_delta" yaml:"trend_delta"`
	SpikeDelta int `mapstructure:"spike_delta" yaml:"spike_delta"`
}

// DefaultConfig returns the 20 / 2 / 15 policy.
func DefaultConfig() Config {
	return Config{
		WindowSize: DefaultWindowSize,
		TrendDelta: DefaultTrendDelta,
		SpikeDelta: DefaultSpikeDelta,
	}
}

// Validate rejects non-positive window sizes and negative deltas.
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return models.InvalidConfigurationf("trend: window size must be positive, got %d", c.WindowSize)
	}
	if c.TrendDelta < 0 || c.SpikeDelta < 0 {
		return models.InvalidConfigurationf("trend: deltas must not be negative (trend %d, spike %d)", c.TrendDelta, c.SpikeDelta)
	}
	return nil
}

// Observation is the result of feeding one count into the tracker.
type Observation struct {
	Trend   models.TrendDirection
	IsSpike bool
	Delta   int
}

// Tracker is not safe for concurrent use; the engine confines each tracker to
// a single session loop.
type Tracker struct {
	cfg      Config
	previous int
	observed bool
	window   []models.HistoryEntry
}

// NewTracker creates a tracker; zero fields in cfg take their defaults.
func NewTracker(cfg Config) *Tracker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.TrendDelta < 0 {
		cfg.TrendDelta = DefaultTrendDelta
	}
	if cfg.SpikeDelta < 0 {
		cfg.SpikeDelta = DefaultSpikeDelta
	}
	return &Tracker{
		cfg:    cfg,
		window: make([]models.HistoryEntry, 0, cfg.WindowSize),
	}
}

// Observe records count at time at and reports trend and spike against the
// previous count. The first observation has nothing to compare with and is
// always Stable without a spike.
func (t *Tracker) Observe(count int, at time.Time) Observation {
	var obs Observation
	if !t.observed {
		obs = Observation{Trend: models.Stable}
	} else {
		delta := count - t.previous
		obs = Observation{Trend: t.direction(delta), IsSpike: delta > t.cfg.SpikeDelta, Delta: delta}
	}

	t.previous = count
	t.observed = true
	t.append(models.HistoryEntry{Label: at.Format(LabelLayout), Count: count})

	return obs
}

func (t *Tracker) direction(delta int) models.TrendDirection {
	switch {
	case delta > t.cfg.TrendDelta:
		return models.Up
	case delta < -t.cfg.TrendDelta:
		return models.Down
	default:
		return models.Stable
	}
}

// append evicts from the front once the window is full
func (t *Tracker) append(e models.HistoryEntry) {
	if len(t.window) == t.cfg.WindowSize {
		copy(t.window, t.window[1:])
		t.window = t.window[:len(t.window)-1]
	}
	t.window = append(t.window, e)
}

// History returns a copy of the window, oldest first.
func (t *Tracker) History() []models.HistoryEntry {
	out := make([]models.HistoryEntry, len(t.window))
	copy(out, t.window)
	return out
}

// Previous returns the last observed count and whether any was observed.
func (t *Tracker) Previous() (int, bool) {
	return t.previous, t.observed
}

// Reset clears the window and the previous count.
func (t *Tracker) Reset() {
	t.previous = 0
	t.observed = false
	t.window = t.window[:0]
}
