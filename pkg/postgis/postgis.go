// Package postgis stores occupancy cells in PostGIS and answers the same
// nearest-quieter-cell query as the in-memory R-Tree.
package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

const batchSize = 1000

// CellStore is a PostGIS-backed cell table
type CellStore struct {
	db *sql.DB
}

// NewCellStore opens a PostGIS connection from a lib/pq DSN
func NewCellStore(dsn string) (*CellStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgis: open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "postgis: ping database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &CellStore{db: db}, nil
}

// NewCellStoreFromDB wraps an existing connection pool
func NewCellStoreFromDB(db *sql.DB) *CellStore {
	return &CellStore{db: db}
}

// InitSchema creates the cell table and its spatial index if missing
func (p *CellStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		`CREATE TABLE IF NOT EXISTS occupancy_cells (
			id TEXT PRIMARY KEY,
			radius_m INTEGER NOT NULL,
			count INTEGER NOT NULL CHECK (count >= 0),
			location GEOGRAPHY(POINT, 4326) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_occupancy_cells_location ON occupancy_cells USING GIST(location);`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return eris.Wrapf(err, "postgis: execute %q", query)
		}
	}
	return nil
}

// UpsertCells inserts or refreshes cells in batches
func (p *CellStore) UpsertCells(ctx context.Context, cells []*models.Cell) error {
	start := time.Now()

	for i := 0; i < len(cells); i += batchSize {
		end := i + batchSize
		if end > len(cells) {
			end = len(cells)
		}
		if err := p.upsertBatch(ctx, cells[i:end]); err != nil {
			return err
		}
	}

	zap.L().Debug("postgis: upserted cells",
		zap.Int("cells", len(cells)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (p *CellStore) upsertBatch(ctx context.Context, cells []*models.Cell) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "postgis: begin transaction")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO occupancy_cells (id, radius_m, count, location, updated_at)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography, now())
		ON CONFLICT (id) DO UPDATE
		SET radius_m = EXCLUDED.radius_m,
		    count = EXCLUDED.count,
		    location = EXCLUDED.location,
		    updated_at = now()
	`)
	if err != nil {
		tx.Rollback()
		return eris.Wrap(err, "postgis: prepare upsert")
	}
	defer stmt.Close()

	for _, cell := range cells {
		if cell == nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, cell.ID, int(cell.Radius), cell.Count, cell.Location.Lng, cell.Location.Lat); err != nil {
			tx.Rollback()
			return eris.Wrapf(err, "postgis: upsert cell %s", cell.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "postgis: commit batch")
	}
	return nil
}

// UpdateCount records a fresh occupancy count for one cell
func (p *CellStore) UpdateCount(ctx context.Context, id string, count int) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE occupancy_cells SET count = $2, updated_at = now() WHERE id = $1`, id, count)
	if err != nil {
		return false, eris.Wrapf(err, "postgis: update cell %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "postgis: rows affected")
	}
	return n > 0, nil
}

// NearestBelow returns the closest cell within withinMeters of center whose
// count does not exceed maxPerMeter people per meter of its radius, or nil.
func (p *CellStore) NearestBelow(ctx context.Context, center models.Coordinate, withinMeters, maxPerMeter float64) (*models.Cell, error) {
	query := `
		SELECT id, radius_m, count, ST_Y(location::geometry) AS lat, ST_X(location::geometry) AS lng
		FROM occupancy_cells
		WHERE ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		  AND count::float8 <= radius_m * $4
		ORDER BY location <-> ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, id
		LIMIT 1
	`

	var (
		cell   models.Cell
		radius int
	)
	err := p.db.QueryRowContext(ctx, query, center.Lng, center.Lat, withinMeters, maxPerMeter).
		Scan(&cell.ID, &radius, &cell.Count, &cell.Location.Lat, &cell.Location.Lng)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgis: nearest below")
	}
	cell.Radius = models.Radius(radius)
	return &cell, nil
}

// QueryBox performs a bounding box query
func (p *CellStore) QueryBox(ctx context.Context, box models.BoundingBox) ([]*models.Cell, error) {
	query := `
		SELECT id, radius_m, count, ST_Y(location::geometry) AS lat, ST_X(location::geometry) AS lng
		FROM occupancy_cells
		WHERE location::geometry && ST_MakeEnvelope($1, $2, $3, $4, 4326)
		ORDER BY id
	`

	rows, err := p.db.QueryContext(ctx, query,
		box.BottomLeft.Lng, box.BottomLeft.Lat,
		box.TopRight.Lng, box.TopRight.Lat)
	if err != nil {
		return nil, eris.Wrap(err, "postgis: query box")
	}
	defer rows.Close()

	var results []*models.Cell
	for rows.Next() {
		var (
			cell   models.Cell
			radius int
		)
		if err := rows.Scan(&cell.ID, &radius, &cell.Count, &cell.Location.Lat, &cell.Location.Lng); err != nil {
			return nil, eris.Wrap(err, "postgis: scan row")
		}
		cell.Radius = models.Radius(radius)
		results = append(results, &cell)
	}

	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgis: rows")
	}
	return results, nil
}

// Count returns the number of stored cells
func (p *CellStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM occupancy_cells").Scan(&count); err != nil {
		return 0, eris.Wrap(err, "postgis: count cells")
	}
	return count, nil
}

// Stats returns table and index sizes for the status command
func (p *CellStore) Stats(ctx context.Context) (map[string]string, error) {
	stats := make(map[string]string)

	var tableSize, indexSize string
	err := p.db.QueryRowContext(ctx, `
		SELECT
			pg_size_pretty(pg_total_relation_size('occupancy_cells')),
			pg_size_pretty(pg_indexes_size('occupancy_cells'))
	`).Scan(&tableSize, &indexSize)
	if err != nil {
		return nil, eris.Wrap(err, "postgis: table stats")
	}
	stats["table_size"] = tableSize
	stats["index_size"] = indexSize

	count, err := p.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats["row_count"] = fmt.Sprintf("%d", count)

	return stats, nil
}

// Close closes the database connection
func (p *CellStore) Close() error {
	return p.db.Close()
}
