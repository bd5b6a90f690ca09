// Package safezone proposes a nearby, less crowded location while the user's
// current zone is classified Heavy.
package safezone

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

const (
	// DefaultOffsetDegrees shifts the reference candidate roughly 200m away.
	DefaultOffsetDegrees = 0.002
	// DefaultSearchMeters bounds spatial lookups.
	DefaultSearchMeters = 500.0
)

// Advisor suggests a safe zone. Implementations return nil when tier is not
// Heavy or current is nil.
type Advisor interface {
	Suggest(ctx context.Context, current *models.Coordinate, tier models.DensityTier) (*models.SafeZone, error)
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc func(ctx context.Context, current *models.Coordinate, tier models.DensityTier) (*models.SafeZone, error)

// Suggest calls f.
func (f AdvisorFunc) Suggest(ctx context.Context, current *models.Coordinate, tier models.DensityTier) (*models.SafeZone, error) {
	return f(ctx, current, tier)
}

// Offset is the reference policy: the candidate is the current position
// shifted by a fixed number of degrees in both latitude and longitude.
type Offset struct {
	Degrees float64
}

// NewOffset returns the reference advisor; non-positive degrees use the default.
func NewOffset(degrees float64) *Offset {
	if degrees <= 0 {
		degrees = DefaultOffsetDegrees
	}
	return &Offset{Degrees: degrees}
}

// Suggest implements Advisor.
func (o *Offset) Suggest(_ context.Context, current *models.Coordinate, tier models.DensityTier) (*models.SafeZone, error) {
	if current == nil || tier != models.Heavy {
		return nil, nil
	}
	candidate := geo.Offset(*current, o.Degrees, o.Degrees)
	return newSafeZone(*current, candidate), nil
}

// CellFinder looks up the nearest occupancy cell under a crowd ceiling.
// Both the R-Tree index and the PostGIS store satisfy it.
type CellFinder interface {
	NearestBelow(ctx context.Context, center models.Coordinate, withinMeters, maxPerMeter float64) (*models.Cell, error)
}

// Indexed suggests the nearest cell that would classify Low for its own
// radius, falling back to another advisor when no cell qualifies or the
// lookup fails.
type Indexed struct {
	finder       CellFinder
	fallback     Advisor
	searchMeters float64
	maxPerMeter  float64
}

// NewIndexed builds a spatial advisor. The ceiling is the Low/Medium boundary
// for the given thresholds and people-per-meter baseline.
func NewIndexed(finder CellFinder, fallback Advisor, searchMeters float64, thresholds density.Thresholds, peoplePerMeter float64) *Indexed {
	if searchMeters <= 0 {
		searchMeters = DefaultSearchMeters
	}
	if peoplePerMeter <= 0 {
		peoplePerMeter = density.DefaultPeoplePerMeter
	}
	return &Indexed{
		finder:       finder,
		fallback:     fallback,
		searchMeters: searchMeters,
		maxPerMeter:  peoplePerMeter * thresholds.Medium,
	}
}

// Suggest implements Advisor.
func (a *Indexed) Suggest(ctx context.Context, current *models.Coordinate, tier models.DensityTier) (*models.SafeZone, error) {
	if current == nil || tier != models.Heavy {
		return nil, nil
	}

	cell, err := a.finder.NearestBelow(ctx, *current, a.searchMeters, a.maxPerMeter)
	if err != nil {
		if a.fallback == nil {
			return nil, err
		}
		zap.L().Warn("safezone: cell lookup failed, using fallback", zap.Error(err))
		return a.fallback.Suggest(ctx, current, tier)
	}
	if cell == nil {
		if a.fallback == nil {
			return nil, nil
		}
		return a.fallback.Suggest(ctx, current, tier)
	}

	return newSafeZone(*current, cell.Location), nil
}

func newSafeZone(from, to models.Coordinate) *models.SafeZone {
	return &models.SafeZone{
		Location:       to,
		DistanceMeters: int(math.Round(geo.DistanceMeters(from, to))),
	}
}
