package postgis

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

// These tests need a PostGIS database; they are skipped unless
// CROWDWATCH_TEST_POSTGIS_DSN points at one.
func newTestStore(t *testing.T) *CellStore {
	t.Helper()

	dsn := os.Getenv("CROWDWATCH_TEST_POSTGIS_DSN")
	if dsn == "" {
		t.Skip("CROWDWATCH_TEST_POSTGIS_DSN not set")
	}

	store, err := NewCellStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))
	_, err = store.db.ExecContext(ctx, "TRUNCATE occupancy_cells")
	require.NoError(t, err)
	return store
}

func TestCellStoreNearestBelow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	center := models.Coordinate{Lat: 51.505, Lng: -0.09}

	cells := []*models.Cell{
		{ID: "crowded", Location: models.Coordinate{Lat: 51.5055, Lng: -0.09}, Count: 90, Radius: models.Radius50},
		{ID: "quiet", Location: models.Coordinate{Lat: 51.507, Lng: -0.09}, Count: 40, Radius: models.Radius50},
		{ID: "far", Location: models.Coordinate{Lat: 51.6, Lng: -0.09}, Count: 0, Radius: models.Radius50},
	}
	require.NoError(t, store.UpsertCells(ctx, cells))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	cell, err := store.NearestBelow(ctx, center, 500, 1.1)
	require.NoError(t, err)
	require.NotNil(t, cell)
	assert.Equal(t, "quiet", cell.ID)
	assert.Equal(t, models.Radius50, cell.Radius)

	ok, err := store.UpdateCount(ctx, "crowded", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	cell, err = store.NearestBelow(ctx, center, 500, 1.1)
	require.NoError(t, err)
	require.NotNil(t, cell)
	assert.Equal(t, "crowded", cell.ID)

	cell, err = store.NearestBelow(ctx, center, 10, 1.1)
	require.NoError(t, err)
	assert.Nil(t, cell)
}

func TestCellStoreQueryBox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var cells []*models.Cell
	for i := 0; i < 10; i++ {
		cells = append(cells, &models.Cell{
			ID:       fmt.Sprintf("c%02d", i),
			Location: models.Coordinate{Lat: 51.50 + float64(i)*0.001, Lng: -0.09},
			Radius:   models.Radius25,
		})
	}
	require.NoError(t, store.UpsertCells(ctx, cells))

	results, err := store.QueryBox(ctx, models.BoundingBox{
		BottomLeft: models.Coordinate{Lat: 51.4995, Lng: -0.1},
		TopRight:   models.Coordinate{Lat: 51.5045, Lng: -0.08},
	})
	require.NoError(t, err)
	assert.Len(t, results, 5)
	assert.Equal(t, "c00", results[0].ID)
}
