// Package location supplies the user's current coordinate to monitoring
// sessions.
package location

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

// ApproximateAccuracyMeters is the accuracy above which a fix is treated as a
// coarse network position rather than GPS.
const ApproximateAccuracyMeters = 2000.0

// Provider returns the current coordinate, or false when none is known.
type Provider interface {
	Current() (models.Coordinate, bool)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func() (models.Coordinate, bool)

// Current calls f.
func (f ProviderFunc) Current() (models.Coordinate, bool) {
	return f()
}

// Manual holds a user-chosen coordinate.
type Manual struct {
	mu    sync.RWMutex
	coord models.Coordinate
	set   bool
}

// NewManual returns a provider fixed at c.
func NewManual(c models.Coordinate) (*Manual, error) {
	m := &Manual{}
	if err := m.Set(c); err != nil {
		return nil, err
	}
	return m, nil
}

// Set replaces the coordinate.
func (m *Manual) Set(c models.Coordinate) error {
	if err := geo.Validate(c); err != nil {
		return eris.Wrap(err, "location: set manual coordinate")
	}
	m.mu.Lock()
	m.coord, m.set = c, true
	m.mu.Unlock()
	return nil
}

// Clear forgets the coordinate.
func (m *Manual) Clear() {
	m.mu.Lock()
	m.coord, m.set = models.Coordinate{}, false
	m.mu.Unlock()
}

// Current implements Provider.
func (m *Manual) Current() (models.Coordinate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coord, m.set
}

// Fix is one position report from a positioning device.
type Fix struct {
	Coordinate     models.Coordinate
	AccuracyMeters float64
	Timestamp      time.Time
}

// Live tracks the latest position fix.
type Live struct {
	mu  sync.RWMutex
	fix *Fix
}

// NewLive returns a provider with no fix yet.
func NewLive() *Live {
	return &Live{}
}

// Update records a fix. Fixes older than the current one are ignored.
func (l *Live) Update(fix Fix) error {
	if err := geo.Validate(fix.Coordinate); err != nil {
		return eris.Wrap(err, "location: update fix")
	}
	if fix.AccuracyMeters < 0 {
		return models.InvalidConfigurationf("location: negative accuracy %.1f", fix.AccuracyMeters)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fix != nil && fix.Timestamp.Before(l.fix.Timestamp) {
		return nil
	}
	l.fix = &fix
	return nil
}

// Lost drops the current fix, e.g. when tracking is switched off.
func (l *Live) Lost() {
	l.mu.Lock()
	l.fix = nil
	l.mu.Unlock()
}

// Current implements Provider.
func (l *Live) Current() (models.Coordinate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fix == nil {
		return models.Coordinate{}, false
	}
	return l.fix.Coordinate, true
}

// Accuracy returns the accuracy of the current fix in meters.
func (l *Live) Accuracy() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fix == nil {
		return 0, false
	}
	return l.fix.AccuracyMeters, true
}

// Approximate reports whether the current fix is too coarse to be GPS.
func (l *Live) Approximate() bool {
	acc, ok := l.Accuracy()
	return ok && acc > ApproximateAccuracyMeters
}

// ReverseGeocoder resolves a coordinate into a human-readable place name.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, c models.Coordinate) (string, error)
}

// Label names c for display. Lookup failures fall back to the formatted
// coordinate and are never returned.
func Label(ctx context.Context, geocoder ReverseGeocoder, c models.Coordinate) string {
	if geocoder == nil {
		return c.String()
	}
	name, err := geocoder.Reverse(ctx, c)
	if err != nil {
		zap.L().Debug("location: reverse geocoding failed", zap.Stringer("coordinate", c), zap.Error(err))
		return c.String()
	}
	if name = strings.TrimSpace(name); name == "" {
		return c.String()
	}
	return name
}
