package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/postgis"
	"github.com/kass/go-crowd-monitor/pkg/rtree"
)

var (
	cellsFile    string
	cellsLat     float64
	cellsLng     float64
	cellsSpread  float64
	cellsWithin  float64
	numCells     int
	numQueries   int
	numNeighbors int
	numWorkers   int
	cellsSeed    int64
)

var cellsCmd = &cobra.Command{
	Use:   "cells",
	Short: "Build and query the occupancy cell index used for safe zones",
}

var cellsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate random occupancy cells around a position",
	RunE:  runCellsGenerate,
}

var cellsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find the nearest quiet cell and the closest cells to a position",
	RunE:  runCellsQuery,
}

var cellsBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark safe zone lookups against the cell index",
	RunE:  runCellsBench,
}

var cellsPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upsert the cells of an index file into PostGIS",
	RunE:  runCellsPush,
}

func init() {
	cellsCmd.PersistentFlags().StringVarP(&cellsFile, "file", "f", "", "Cell index file, .yaml or gob (default safezone.cells_file)")
	cellsCmd.PersistentFlags().Float64Var(&cellsLat, "lat", 0, "Latitude of the area center")
	cellsCmd.PersistentFlags().Float64Var(&cellsLng, "lng", 0, "Longitude of the area center")
	cellsCmd.PersistentFlags().Float64Var(&cellsSpread, "spread", 1000, "Half-width of the area in meters")

	cellsGenerateCmd.Flags().IntVarP(&numCells, "cells", "n", 10000, "Number of cells to generate")
	cellsGenerateCmd.Flags().IntVarP(&numWorkers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")
	cellsGenerateCmd.Flags().Int64Var(&cellsSeed, "seed", time.Now().UnixNano(), "Random seed")

	cellsQueryCmd.Flags().Float64Var(&cellsWithin, "within", 0, "Search distance in meters (default safezone.search_meters)")
	cellsQueryCmd.Flags().IntVarP(&numNeighbors, "neighbors", "k", 5, "Number of closest cells to list")

	cellsBenchCmd.Flags().IntVarP(&numQueries, "queries", "q", 1000, "Number of queries to run")
	cellsBenchCmd.Flags().IntVarP(&numWorkers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")
	cellsBenchCmd.Flags().Float64Var(&cellsWithin, "within", 0, "Search distance in meters (default safezone.search_meters)")

	cellsCmd.AddCommand(cellsGenerateCmd, cellsQueryCmd, cellsBenchCmd, cellsPushCmd)
	rootCmd.AddCommand(cellsCmd)
}

func indexPath() (string, error) {
	if cellsFile != "" {
		return cellsFile, nil
	}
	if cfg.SafeZone.CellsFile != "" {
		return cfg.SafeZone.CellsFile, nil
	}
	return "", eris.New("no cell file: pass --file or set safezone.cells_file")
}

func searchMeters() float64 {
	if cellsWithin > 0 {
		return cellsWithin
	}
	return cfg.SafeZone.SearchMeters
}

func center() (models.Coordinate, error) {
	c := models.Coordinate{Lat: cellsLat, Lng: cellsLng}
	return c, geo.Validate(c)
}

func loadIndex() (*rtree.CellIndex, error) {
	path, err := indexPath()
	if err != nil {
		return nil, err
	}
	index := rtree.NewCellIndex()
	zap.L().Info("loading cell index", zap.String("file", path))
	if err := index.LoadFromFile(path); err != nil {
		return nil, err
	}
	return index, nil
}

func runCellsGenerate(cmd *cobra.Command, args []string) error {
	path, err := indexPath()
	if err != nil {
		return err
	}
	c, err := center()
	if err != nil {
		return err
	}
	if numCells <= 0 || numWorkers <= 0 {
		return eris.New("cells and workers must be positive")
	}

	zap.L().Info("generating cells", zap.Int("cells", numCells), zap.Int("workers", numWorkers))
	cells := generateCells(numCells, c, cellsSpread, numWorkers, cellsSeed, cfg.Density.PeoplePerMeter)

	start := time.Now()
	index := rtree.NewCellIndexWithWorkers(numWorkers)
	if err := index.IndexCells(cells); err != nil {
		return err
	}
	indexTime := time.Since(start)

	if err := index.SaveToFile(path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexed %d cells in %v (%.0f cells/sec)\n", index.Count(), indexTime, float64(numCells)/indexTime.Seconds())
	if info, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Saved to %s (%.2f MB)\n", path, float64(info.Size())/(1024*1024))
	}
	return nil
}

// generateCells spreads n cells uniformly over a square around c. Each cell
// gets a random supported radius and a count between half and double its
// baseline, so roughly a third of them classify Low.
func generateCells(n int, c models.Coordinate, spreadMeters float64, workers int, seed int64, peoplePerMeter float64) []*models.Cell {
	cells := make([]*models.Cell, n)
	box := geo.BoundsAround(c, spreadMeters)
	latSpan := box.TopRight.Lat - box.BottomLeft.Lat
	lngSpan := box.TopRight.Lng - box.BottomLeft.Lng

	type workRange struct {
		start, end int
	}
	work := make(chan workRange, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			// Each worker gets its own generator to avoid contention
			r := rand.New(rand.NewSource(seed + int64(workerID)))

			for wr := range work {
				for i := wr.start; i < wr.end; i++ {
					radius := models.Radii[r.Intn(len(models.Radii))]
					baseline := float64(density.BaselineFor(radius, peoplePerMeter))
					cells[i] = &models.Cell{
						ID: fmt.Sprintf("cell_%d", i),
						Location: models.Coordinate{
							Lat: box.BottomLeft.Lat + r.Float64()*latSpan,
							Lng: box.BottomLeft.Lng + r.Float64()*lngSpan,
						},
						Count:  int(baseline * (0.5 + r.Float64()*1.5)),
						Radius: radius,
					}
				}
			}
		}(w)
	}

	perWorker := n / workers
	remainder := n % workers
	start := 0
	for w := 0; w < workers; w++ {
		size := perWorker
		if w < remainder {
			size++
		}
		work <- workRange{start: start, end: start + size}
		start += size
	}
	close(work)
	wg.Wait()

	return cells
}

func runCellsQuery(cmd *cobra.Command, args []string) error {
	index, err := loadIndex()
	if err != nil {
		return err
	}
	c, err := center()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	within := searchMeters()
	maxPerMeter := cfg.Density.PeoplePerMeter * cfg.Density.Medium

	quiet, err := index.NearestBelow(cmd.Context(), c, within, maxPerMeter)
	if err != nil {
		return err
	}
	if quiet == nil {
		fmt.Fprintf(out, "No quiet cell within %.0fm of %s\n", within, c)
	} else {
		fmt.Fprintf(out, "Nearest quiet cell: %s\n", describeCell(c, quiet))
	}

	fmt.Fprintf(out, "\nClosest %d cells:\n", numNeighbors)
	for _, cell := range index.NearestNeighbors(c, numNeighbors) {
		fmt.Fprintf(out, "  %s\n", describeCell(c, cell))
	}
	return nil
}

func describeCell(from models.Coordinate, cell *models.Cell) string {
	classifier, err := density.NewClassifier(cfg.Density.Thresholds)
	tier := models.DensityTier("?")
	if err == nil {
		tier = classifier.Classify(cell.Count, density.BaselineFor(cell.Radius, cfg.Density.PeoplePerMeter))
	}
	return fmt.Sprintf("%s at %s, %.0fm away, %d people within %dm (%s)",
		cell.ID, cell.Location, geo.DistanceMeters(from, cell.Location), cell.Count, cell.Radius, tier)
}

type benchResult struct {
	queries   int64
	found     int64
	elapsed   time.Duration
	latencies []time.Duration
}

func runCellsBench(cmd *cobra.Command, args []string) error {
	index, err := loadIndex()
	if err != nil {
		return err
	}
	c, err := center()
	if err != nil {
		return err
	}
	if numQueries <= 0 || numWorkers <= 0 {
		return eris.New("queries and workers must be positive")
	}

	zap.L().Info("running safe zone lookups", zap.Int("queries", numQueries), zap.Int("workers", numWorkers))
	res := benchNearestBelow(cmd.Context(), index, c, cellsSpread, searchMeters(),
		cfg.Density.PeoplePerMeter*cfg.Density.Medium, numQueries, numWorkers)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== Safe Zone Lookup Benchmark ===")
	fmt.Fprintf(out, "Cells indexed: %d\n", index.Count())
	fmt.Fprintf(out, "Total queries: %d\n", res.queries)
	fmt.Fprintf(out, "Total time: %v\n", res.elapsed)
	fmt.Fprintf(out, "Queries per second: %.0f\n", float64(res.queries)/res.elapsed.Seconds())
	if len(res.latencies) > 0 {
		fmt.Fprintf(out, "Latency p50: %v  p99: %v\n", percentile(res.latencies, 0.50), percentile(res.latencies, 0.99))
	}
	fmt.Fprintf(out, "Queries with a quiet cell: %d\n", res.found)
	return nil
}

func benchNearestBelow(ctx context.Context, index *rtree.CellIndex, c models.Coordinate, spread, within, maxPerMeter float64, queries, workers int) benchResult {
	box := geo.BoundsAround(c, spread)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	centers := make([]models.Coordinate, queries)
	for i := range centers {
		centers[i] = models.Coordinate{
			Lat: box.BottomLeft.Lat + r.Float64()*(box.TopRight.Lat-box.BottomLeft.Lat),
			Lng: box.BottomLeft.Lng + r.Float64()*(box.TopRight.Lng-box.BottomLeft.Lng),
		}
	}

	var (
		completed atomic.Int64
		found     atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, queries)
		wg        sync.WaitGroup
	)

	start := time.Now()
	perWorker := queries / workers
	for w := 0; w < workers; w++ {
		from := w * perWorker
		to := from + perWorker
		if w == workers-1 {
			to = queries
		}

		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			local := make([]time.Duration, 0, to-from)
			for i := from; i < to; i++ {
				t := time.Now()
				cell, err := index.NearestBelow(ctx, centers[i], within, maxPerMeter)
				if err != nil {
					zap.L().Debug("lookup failed", zap.Error(err))
					continue
				}
				local = append(local, time.Since(t))
				completed.Add(1)
				if cell != nil {
					found.Add(1)
				}
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(from, to)
	}
	wg.Wait()

	return benchResult{
		queries:   completed.Load(),
		found:     found.Load(),
		elapsed:   time.Since(start),
		latencies: latencies,
	}
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func runCellsPush(cmd *cobra.Command, args []string) error {
	if cfg.PostGIS.DSN == "" {
		return eris.New("postgis.dsn is not set")
	}
	index, err := loadIndex()
	if err != nil {
		return err
	}

	store, err := postgis.NewCellStore(cfg.PostGIS.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	start := time.Now()
	if err := store.UpsertCells(ctx, index.Cells()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Upserted %d cells in %v\n", index.Count(), time.Since(start))

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, stats[k])
	}
	return nil
}
