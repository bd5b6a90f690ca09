// Package rtree implements an R-Tree index of occupancy cells used to answer
// "nearest quieter place" queries, with goroutine-based parallel search over
// longitude partitions.
package rtree

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"
	"github.com/rotisserie/eris"

	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

const (
	tolerance   = 1e-6
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
)

// spatialCell wraps a cell to implement rtreego.Spatial interface
type spatialCell struct {
	*models.Cell
	rect      *rtreego.Rect
	partition int
}

func (sc *spatialCell) Bounds() *rtreego.Rect {
	return sc.rect
}

// CellIndex is a thread-safe R-Tree based index of occupancy cells
type CellIndex struct {
	// Partitioned trees for parallel query execution
	partitions []*rtreego.Rtree
	numParts   int
	mu         sync.RWMutex
	byID       map[string]*spatialCell
	itemCount  atomic.Int64

	// Partition bounds for efficient query routing
	partitionBounds []models.BoundingBox
}

// NewCellIndex creates a new cell index with CPU-aware partitioning
func NewCellIndex() *CellIndex {
	return NewCellIndexWithWorkers(runtime.NumCPU())
}

// NewCellIndexWithWorkers creates a new cell index with the given partition count
func NewCellIndexWithWorkers(numPartitions int) *CellIndex {
	if numPartitions <= 0 {
		numPartitions = runtime.NumCPU()
	}

	partitions := make([]*rtreego.Rtree, numPartitions)
	partitionBounds := make([]models.BoundingBox, numPartitions)

	// Create partitions based on longitude bands
	lngRange := 360.0 / float64(numPartitions)
	for i := 0; i < numPartitions; i++ {
		partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)

		minLng := -180.0 + float64(i)*lngRange
		maxLng := minLng + lngRange
		if i == numPartitions-1 {
			maxLng = 180.0
		}

		partitionBounds[i] = models.BoundingBox{
			BottomLeft: models.Coordinate{Lat: -90, Lng: minLng},
			TopRight:   models.Coordinate{Lat: 90, Lng: maxLng},
		}
	}

	return &CellIndex{
		partitions:      partitions,
		numParts:        numPartitions,
		byID:            make(map[string]*spatialCell),
		partitionBounds: partitionBounds,
	}
}

// IndexCells indexes a batch of cells. A cell whose ID is already indexed
// replaces the previous entry.
func (g *CellIndex) IndexCells(cells []*models.Cell) error {
	if len(cells) == 0 {
		return nil
	}

	// Last occurrence of an ID within the batch wins
	latest := make(map[string]int, len(cells))
	for i, cell := range cells {
		if cell == nil {
			continue
		}
		if err := geo.Validate(cell.Location); err != nil {
			return eris.Wrapf(err, "rtree: cell %q", cell.ID)
		}
		latest[cell.ID] = i
	}

	// Group cells by partition
	grouped := make([][]*spatialCell, g.numParts)
	for i, cell := range cells {
		if cell == nil || latest[cell.ID] != i {
			continue
		}

		p := rtreego.Point{cell.Location.Lat, cell.Location.Lng}
		idx := g.partitionFor(cell.Location.Lng)
		grouped[idx] = append(grouped[idx], &spatialCell{Cell: cell, rect: p.ToRect(tolerance), partition: idx})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Drop replaced cells first so the trees never hold two entries per ID
	for _, items := range grouped {
		for _, item := range items {
			if old, ok := g.byID[item.ID]; ok {
				g.partitions[old.partition].Delete(old)
				delete(g.byID, item.ID)
			}
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < g.numParts; i++ {
		if len(grouped[i]) == 0 {
			continue
		}

		wg.Add(1)
		go func(partitionIdx int, items []*spatialCell) {
			defer wg.Done()

			// Each partition can be updated independently
			for _, item := range items {
				g.partitions[partitionIdx].Insert(item)
			}
		}(i, grouped[i])
	}
	wg.Wait()

	for _, items := range grouped {
		for _, item := range items {
			g.byID[item.ID] = item
		}
	}
	g.itemCount.Store(int64(len(g.byID)))
	return nil
}

// UpdateCount records a fresh occupancy count for an indexed cell.
func (g *CellIndex) UpdateCount(id string, count int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.byID[id]
	if !ok {
		return false
	}
	updated := *item.Cell
	updated.Count = count
	item.Cell = &updated
	return true
}

// Remove deletes a cell from the index.
func (g *CellIndex) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.byID[id]
	if !ok {
		return false
	}
	g.partitions[item.partition].Delete(item)
	delete(g.byID, id)
	g.itemCount.Store(int64(len(g.byID)))
	return true
}

// QueryBox returns all cells within the given bounding box using parallel search
func (g *CellIndex) QueryBox(box models.BoundingBox) ([]*models.Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.searchBox(box, box.Contains)
}

// QueryRadius returns all cells within meters of center, across the
// antimeridian when the circle crosses it
func (g *CellIndex) QueryRadius(center models.Coordinate, meters float64) ([]*models.Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	within := func(c models.Coordinate) bool {
		return geo.DistanceMeters(center, c) <= meters
	}

	var all []*models.Cell
	for _, box := range geo.SearchBoxes(center, meters) {
		cells, err := g.searchBox(box, within)
		if err != nil {
			return nil, err
		}
		all = append(all, cells...)
	}
	return all, nil
}

// NearestNeighbors returns the n cells closest to center
func (g *CellIndex) NearestNeighbors(center models.Coordinate, n int) []*models.Cell {
	if n <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type nearestResult struct {
		cell     *models.Cell
		distance float64
	}

	// Search all partitions in parallel
	resultsChan := make(chan []nearestResult, g.numParts)
	for i := 0; i < g.numParts; i++ {
		go func(idx int) {
			queryPoint := rtreego.Point{center.Lat, center.Lng}
			// Degree-space neighbours; over-fetch and re-rank by meters
			results := g.partitions[idx].NearestNeighbors(n*2, queryPoint)

			nearest := make([]nearestResult, 0, len(results))
			for _, result := range results {
				sc, ok := result.(*spatialCell)
				if !ok || sc == nil {
					continue
				}
				nearest = append(nearest, nearestResult{
					cell:     sc.Cell,
					distance: geo.DistanceMeters(center, sc.Location),
				})
			}
			resultsChan <- nearest
		}(i)
	}

	var all []nearestResult
	for i := 0; i < g.numParts; i++ {
		all = append(all, <-resultsChan...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].distance < all[j].distance })
	if len(all) > n {
		all = all[:n]
	}

	cells := make([]*models.Cell, len(all))
	for i, r := range all {
		cells[i] = r.cell
	}
	return cells
}

// NearestBelow returns the closest cell within withinMeters of center whose
// count does not exceed maxPerMeter people per meter of its radius. It
// returns nil when no cell qualifies.
func (g *CellIndex) NearestBelow(ctx context.Context, center models.Coordinate, withinMeters, maxPerMeter float64) (*models.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "rtree: nearest below")
	}

	candidates, err := g.QueryRadius(center, withinMeters)
	if err != nil {
		return nil, err
	}

	var best *models.Cell
	bestDist := 0.0
	for _, cell := range candidates {
		if float64(cell.Count) > cell.Radius.Meters()*maxPerMeter {
			continue
		}
		d := geo.DistanceMeters(center, cell.Location)
		if best == nil || d < bestDist || (d == bestDist && cell.ID < best.ID) {
			best, bestDist = cell, d
		}
	}
	return best, nil
}

// Count returns the number of indexed cells
func (g *CellIndex) Count() int64 {
	return g.itemCount.Load()
}

// Cells returns every indexed cell ordered by ID
func (g *CellIndex) Cells() []*models.Cell {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.all()
}

// Clear removes all cells from the index
func (g *CellIndex) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < g.numParts; i++ {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}
	g.byID = make(map[string]*spatialCell)
	g.itemCount.Store(0)
}

// searchBox fans the query out to every partition intersecting box and keeps
// the hits accepted by keep. Callers hold the read lock.
func (g *CellIndex) searchBox(box models.BoundingBox, keep func(models.Coordinate) bool) ([]*models.Cell, error) {
	bounds, err := rtreego.NewRect(
		rtreego.Point{box.BottomLeft.Lat, box.BottomLeft.Lng},
		[]float64{
			nonZero(box.TopRight.Lat - box.BottomLeft.Lat),
			nonZero(box.TopRight.Lng - box.BottomLeft.Lng),
		},
	)
	if err != nil {
		return nil, eris.Wrap(err, "rtree: invalid bounding box")
	}

	relevant := g.getRelevantPartitions(box)
	resultsChan := make(chan []*models.Cell, len(relevant))

	for _, partitionIdx := range relevant {
		go func(idx int) {
			results := g.partitions[idx].SearchIntersect(bounds)

			cells := make([]*models.Cell, 0, len(results))
			for _, result := range results {
				item, ok := result.(*spatialCell)
				if !ok || item.Cell == nil {
					continue
				}
				if keep(item.Location) {
					cells = append(cells, item.Cell)
				}
			}
			resultsChan <- cells
		}(partitionIdx)
	}

	var all []*models.Cell
	for i := 0; i < len(relevant); i++ {
		all = append(all, <-resultsChan...)
	}
	return all, nil
}

func (g *CellIndex) partitionFor(lng float64) int {
	lngRange := 360.0 / float64(g.numParts)
	idx := int((lng + 180.0) / lngRange)
	if idx >= g.numParts {
		idx = g.numParts - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// getRelevantPartitions returns the indices of partitions that intersect with the given bounding box
func (g *CellIndex) getRelevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, bounds := range g.partitionBounds {
		if box.BottomLeft.Lng <= bounds.TopRight.Lng &&
			box.TopRight.Lng >= bounds.BottomLeft.Lng {
			relevant = append(relevant, i)
		}
	}
	return relevant
}

// all returns every indexed cell. Callers hold the read lock.
func (g *CellIndex) all() []*models.Cell {
	cells := make([]*models.Cell, 0, len(g.byID))
	for _, item := range g.byID {
		cells = append(cells, item.Cell)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })
	return cells
}

// rtreego rejects zero-length rect sides
func nonZero(v float64) float64 {
	if v <= 0 {
		return tolerance
	}
	return v
}
