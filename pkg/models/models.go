package models

import (
	"fmt"
	"time"
)

// Coordinate is a resolved geographic position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// String formats the coordinate the way display fallbacks expect it.
func (c Coordinate) String() string {
	return fmt.Sprintf("%.4f, %.4f", c.Lat, c.Lng)
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Coordinate
	TopRight   Coordinate
}

// Contains reports whether c lies inside the box, edges included.
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.Lat >= b.BottomLeft.Lat && c.Lat <= b.TopRight.Lat &&
		c.Lng >= b.BottomLeft.Lng && c.Lng <= b.TopRight.Lng
}

// Radius is one of the supported search radii in meters.
type Radius int

const (
	Radius25  Radius = 25
	Radius50  Radius = 50
	Radius100 Radius = 100
)

// Radii lists the supported radii in ascending order.
var Radii = []Radius{Radius25, Radius50, Radius100}

// Valid reports whether r is one of the supported radii.
func (r Radius) Valid() bool {
	switch r {
	case Radius25, Radius50, Radius100:
		return true
	}
	return false
}

// Meters returns the radius as a float for distance comparisons.
func (r Radius) Meters() float64 {
	return float64(r)
}

// ParseRadius converts a raw meter value into a Radius.
func ParseRadius(meters int) (Radius, error) {
	r := Radius(meters)
	if !r.Valid() {
		return 0, InvalidConfigurationf("unsupported radius %dm", meters)
	}
	return r, nil
}

// Sample is one occupancy reading for a radius around the user.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Radius    Radius    `json:"radius_m"`
}

// DensityTier is the coarse crowd classification.
type DensityTier string

const (
	Low    DensityTier = "Low"
	Medium DensityTier = "Medium"
	Heavy  DensityTier = "Heavy"
)

// Rank orders tiers from safest to most crowded.
func (t DensityTier) Rank() int {
	switch t {
	case Medium:
		return 1
	case Heavy:
		return 2
	default:
		return 0
	}
}

// TrendDirection is the short-term direction of the occupancy count.
type TrendDirection string

const (
	Up     TrendDirection = "Up"
	Down   TrendDirection = "Down"
	Stable TrendDirection = "Stable"
)

// HistoryEntry is one point of the rolling occupancy window.
type HistoryEntry struct {
	Label string `json:"time"`
	Count int    `json:"count"`
}

// CooldownState exposes how long the manual alert stays suppressed.
type CooldownState struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// Ready reports whether a manual alert would be accepted.
func (c CooldownState) Ready() bool {
	return c.RemainingSeconds == 0
}

// SafeZone is a nearby point expected to be less crowded.
type SafeZone struct {
	Location       Coordinate `json:"location"`
	DistanceMeters int        `json:"distance_m"`
}

// Snapshot is the complete engine output published after every tick.
type Snapshot struct {
	Sequence    uint64         `json:"sequence"`
	Radius      Radius         `json:"radius_m"`
	Density     DensityTier    `json:"density"`
	Count       int            `json:"count"`
	Trend       TrendDirection `json:"trend"`
	History     []HistoryEntry `json:"history"`
	LastSpikeAt *time.Time     `json:"last_spike_at,omitempty"`
	Cooldown    CooldownState  `json:"cooldown"`
	SafeZone    *SafeZone      `json:"safe_zone,omitempty"`
	Label       string         `json:"label,omitempty"`
	TakenAt     time.Time      `json:"taken_at"`
}

// SpikeEvent is emitted each time a single-tick increase crosses the spike threshold.
type SpikeEvent struct {
	Handle    string      `json:"handle"`
	Timestamp time.Time   `json:"timestamp"`
	Count     int         `json:"count"`
	Delta     int         `json:"delta"`
	Radius    Radius      `json:"radius_m"`
	Density   DensityTier `json:"density"`
	Location  Coordinate  `json:"location"`
}

// Cell is an indexed location with a recent occupancy count
type Cell struct {
	ID       string     `json:"id" yaml:"id"`
	Location Coordinate `json:"location" yaml:"location"`
	Count    int        `json:"count" yaml:"count"`
	Radius   Radius     `json:"radius_m" yaml:"radius_m"`
}
