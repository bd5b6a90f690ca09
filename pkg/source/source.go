// Package source provides occupancy sample feeds.
package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

// DefaultJitter bounds the simulated deviation from the baseline.
const DefaultJitter = 20

// Source produces one occupancy sample for a radius around center.
// Failures wrap models.ErrSampleUnavailable.
type Source interface {
	Fetch(ctx context.Context, center models.Coordinate, radius models.Radius) (models.Sample, error)
}

// Func adapts a plain function to the Source interface.
type Func func(ctx context.Context, center models.Coordinate, radius models.Radius) (models.Sample, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, center models.Coordinate, radius models.Radius) (models.Sample, error) {
	return f(ctx, center, radius)
}

// Simulated is the reference feed: the radius baseline plus uniform jitter.
type Simulated struct {
	mu             sync.Mutex
	rng            *rand.Rand
	jitter         int
	peoplePerMeter float64
	now            func() time.Time
}

// SimulatedOption configures a Simulated feed.
type SimulatedOption func(*Simulated)

// WithJitter sets the maximum deviation from the baseline.
func WithJitter(jitter int) SimulatedOption {
	return func(s *Simulated) {
		if jitter >= 0 {
			s.jitter = jitter
		}
	}
}

// WithPeoplePerMeter sets the baseline density policy.
func WithPeoplePerMeter(ppm float64) SimulatedOption {
	return func(s *Simulated) {
		s.peoplePerMeter = ppm
	}
}

// WithClock overrides the sample timestamp source.
func WithClock(now func() time.Time) SimulatedOption {
	return func(s *Simulated) {
		s.now = now
	}
}

// NewSimulated creates a simulated feed seeded with seed.
func NewSimulated(seed int64, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		rng:            rand.New(rand.NewSource(seed)),
		jitter:         DefaultJitter,
		peoplePerMeter: density.DefaultPeoplePerMeter,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch implements Source.
func (s *Simulated) Fetch(ctx context.Context, _ models.Coordinate, radius models.Radius) (models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return models.Sample{}, eris.Wrap(models.ErrSampleUnavailable, "source: simulated fetch cancelled")
	}
	if !radius.Valid() {
		return models.Sample{}, models.InvalidConfigurationf("source: unsupported radius %dm", radius)
	}

	s.mu.Lock()
	offset := 0
	if s.jitter > 0 {
		offset = s.rng.Intn(2*s.jitter+1) - s.jitter
	}
	s.mu.Unlock()

	count := density.BaselineFor(radius, s.peoplePerMeter) + offset
	if count < 0 {
		count = 0
	}

	return models.Sample{
		Timestamp: s.now(),
		Count:     count,
		Radius:    radius,
	}, nil
}
