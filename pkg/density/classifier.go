// Package density classifies occupancy counts into crowd tiers relative to
// the expected baseline for a search radius.
package density

import (
	"math"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

const (
	// DefaultMediumRatio is the count/baseline ratio above which a crowd is Medium.
	DefaultMediumRatio = 1.1
	// DefaultHeavyRatio is the count/baseline ratio above which a crowd is Heavy.
	DefaultHeavyRatio = 1.5
	// DefaultPeoplePerMeter scales the radius into a baseline count.
	DefaultPeoplePerMeter = 1.0
)

// Thresholds holds the tier ratios relative to baseline.
type Thresholds struct {
	Medium float64 `mapstructure:"medium_ratio" yaml:"medium_ratio"`
	Heavy  float64 `mapstructure:"heavy_ratio" yaml:"heavy_ratio"`
}

// DefaultThresholds returns the 1.1x / 1.5x policy.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: DefaultMediumRatio, Heavy: DefaultHeavyRatio}
}

// Validate checks that both ratios are positive and ordered.
func (t Thresholds) Validate() error {
	if t.Medium <= 0 || math.IsNaN(t.Medium) || math.IsNaN(t.Heavy) {
		return models.InvalidConfigurationf("density: medium ratio must be positive, got %v", t.Medium)
	}
	if t.Heavy < t.Medium {
		return models.InvalidConfigurationf("density: heavy ratio %v below medium ratio %v", t.Heavy, t.Medium)
	}
	return nil
}

// Classifier maps a count and baseline to a DensityTier. It is stateless.
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier creates a classifier after validating the thresholds.
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: t}, nil
}

// Thresholds returns the ratios in use.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify applies the strict-greater-than ratio policy; exact boundaries fall
// to the lower tier.
func (c *Classifier) Classify(count, baseline int) models.DensityTier {
	n := float64(count)
	b := float64(baseline)

	switch {
	case n > b*c.thresholds.Heavy:
		return models.Heavy
	case n > b*c.thresholds.Medium:
		return models.Medium
	default:
		return models.Low
	}
}

// BaselineFor returns the expected normal occupancy for a radius. Wider radii
// get a proportionally higher baseline.
func BaselineFor(radius models.Radius, peoplePerMeter float64) int {
	if peoplePerMeter <= 0 {
		peoplePerMeter = DefaultPeoplePerMeter
	}
	return int(math.Round(radius.Meters() * peoplePerMeter))
}
