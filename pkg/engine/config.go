package engine

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/kass/go-crowd-monitor/pkg/cooldown"
	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/trend"
)

const (
	// DefaultSamplePeriod is the interval between sample ticks.
	DefaultSamplePeriod = 3 * time.Second
	// cooldownPeriod drives the alert cooldown countdown.
	cooldownPeriod = time.Second
	// publishTimeout bounds each spike hand-off to the event sink.
	publishTimeout = 5 * time.Second
)

// Config tunes every session started by a Manager.
type Config struct {
	SamplePeriod    time.Duration
	FetchTimeout    time.Duration
	CooldownSeconds int
	PeoplePerMeter  float64
	Thresholds      density.Thresholds
	Trend           trend.Config
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		SamplePeriod:    DefaultSamplePeriod,
		FetchTimeout:    DefaultSamplePeriod,
		CooldownSeconds: cooldown.DefaultSeconds,
		PeoplePerMeter:  density.DefaultPeoplePerMeter,
		Thresholds:      density.DefaultThresholds(),
		Trend:           trend.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SamplePeriod <= 0 {
		return models.InvalidConfigurationf("engine: sample period must be positive, got %s", c.SamplePeriod)
	}
	if c.FetchTimeout < 0 {
		return models.InvalidConfigurationf("engine: fetch timeout must not be negative, got %s", c.FetchTimeout)
	}
	if c.CooldownSeconds <= 0 {
		return models.InvalidConfigurationf("engine: cooldown must be positive, got %d", c.CooldownSeconds)
	}
	if c.PeoplePerMeter <= 0 {
		return models.InvalidConfigurationf("engine: people per meter must be positive, got %g", c.PeoplePerMeter)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return eris.Wrap(err, "engine: thresholds")
	}
	if err := c.Trend.Validate(); err != nil {
		return eris.Wrap(err, "engine: trend")
	}
	return nil
}

func (c Config) fetchTimeout() time.Duration {
	if c.FetchTimeout == 0 {
		return c.SamplePeriod
	}
	return c.FetchTimeout
}
