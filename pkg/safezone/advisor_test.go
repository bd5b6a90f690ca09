package safezone

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/rtree"
)

var here = models.Coordinate{Lat: 51.505, Lng: -0.09}

type mockFinder struct {
	nearestBelowFn func(ctx context.Context, center models.Coordinate, withinMeters, maxPerMeter float64) (*models.Cell, error)
	calls          int
}

func (m *mockFinder) NearestBelow(ctx context.Context, center models.Coordinate, withinMeters, maxPerMeter float64) (*models.Cell, error) {
	m.calls++
	return m.nearestBelowFn(ctx, center, withinMeters, maxPerMeter)
}

func TestOffsetSuggest(t *testing.T) {
	advisor := NewOffset(0)
	ctx := context.Background()

	zone, err := advisor.Suggest(ctx, &here, models.Heavy)
	require.NoError(t, err)
	require.NotNil(t, zone)
	assert.InDelta(t, 51.507, zone.Location.Lat, 1e-9)
	assert.InDelta(t, -0.088, zone.Location.Lng, 1e-9)
	assert.InDelta(t, 262, zone.DistanceMeters, 3)
	assert.GreaterOrEqual(t, zone.DistanceMeters, 0)
}

func TestOffsetSuggestAbsent(t *testing.T) {
	advisor := NewOffset(DefaultOffsetDegrees)
	ctx := context.Background()

	for _, tier := range []models.DensityTier{models.Low, models.Medium} {
		zone, err := advisor.Suggest(ctx, &here, tier)
		assert.NoError(t, err)
		assert.Nil(t, zone, "tier %s", tier)
	}

	zone, err := advisor.Suggest(ctx, nil, models.Heavy)
	assert.NoError(t, err)
	assert.Nil(t, zone)
}

func TestIndexedUsesNearestQuietCell(t *testing.T) {
	index := rtree.NewCellIndex()
	quiet := geo.Offset(here, 0.001, 0)
	require.NoError(t, index.IndexCells([]*models.Cell{
		{ID: "busy", Location: geo.Offset(here, 0.0003, 0), Count: 80, Radius: models.Radius50},
		{ID: "quiet", Location: quiet, Count: 30, Radius: models.Radius50},
	}))

	advisor := NewIndexed(index, NewOffset(0), 500, density.DefaultThresholds(), 1)
	zone, err := advisor.Suggest(context.Background(), &here, models.Heavy)
	require.NoError(t, err)
	require.NotNil(t, zone)
	assert.Equal(t, quiet, zone.Location)
	assert.InDelta(t, 111, zone.DistanceMeters, 1)
}

func TestIndexedPassesCeiling(t *testing.T) {
	finder := &mockFinder{
		nearestBelowFn: func(_ context.Context, center models.Coordinate, within, maxPerMeter float64) (*models.Cell, error) {
			assert.Equal(t, here, center)
			assert.Equal(t, 300.0, within)
			assert.InDelta(t, 2.2, maxPerMeter, 1e-9)
			return nil, nil
		},
	}

	advisor := NewIndexed(finder, nil, 300, density.DefaultThresholds(), 2)
	zone, err := advisor.Suggest(context.Background(), &here, models.Heavy)
	assert.NoError(t, err)
	assert.Nil(t, zone)
	assert.Equal(t, 1, finder.calls)
}

func TestIndexedFallsBack(t *testing.T) {
	testCases := []struct {
		name string
		cell *models.Cell
		err  error
	}{
		{"no qualifying cell", nil, nil},
		{"lookup error", nil, errors.New("db down")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			finder := &mockFinder{
				nearestBelowFn: func(context.Context, models.Coordinate, float64, float64) (*models.Cell, error) {
					return tc.cell, tc.err
				},
			}
			advisor := NewIndexed(finder, NewOffset(0), 0, density.DefaultThresholds(), 0)

			zone, err := advisor.Suggest(context.Background(), &here, models.Heavy)
			require.NoError(t, err)
			require.NotNil(t, zone)
			assert.InDelta(t, 51.507, zone.Location.Lat, 1e-9)
		})
	}
}

func TestIndexedErrorWithoutFallback(t *testing.T) {
	finder := &mockFinder{
		nearestBelowFn: func(context.Context, models.Coordinate, float64, float64) (*models.Cell, error) {
			return nil, errors.New("db down")
		},
	}
	advisor := NewIndexed(finder, nil, 0, density.DefaultThresholds(), 0)

	_, err := advisor.Suggest(context.Background(), &here, models.Heavy)
	assert.Error(t, err)
}

func TestIndexedSkipsLookupUnlessHeavy(t *testing.T) {
	finder := &mockFinder{
		nearestBelowFn: func(context.Context, models.Coordinate, float64, float64) (*models.Cell, error) {
			t.Fatal("lookup should not run")
			return nil, nil
		},
	}
	advisor := NewIndexed(finder, NewOffset(0), 0, density.DefaultThresholds(), 0)

	zone, err := advisor.Suggest(context.Background(), &here, models.Medium)
	assert.NoError(t, err)
	assert.Nil(t, zone)

	zone, err = advisor.Suggest(context.Background(), nil, models.Heavy)
	assert.NoError(t, err)
	assert.Nil(t, zone)
	assert.Zero(t, finder.calls)
}

func TestAdvisorFunc(t *testing.T) {
	var a Advisor = AdvisorFunc(func(context.Context, *models.Coordinate, models.DensityTier) (*models.SafeZone, error) {
		return &models.SafeZone{DistanceMeters: 7}, nil
	})
	zone, err := a.Suggest(context.Background(), &here, models.Heavy)
	require.NoError(t, err)
	assert.Equal(t, 7, zone.DistanceMeters)
}
