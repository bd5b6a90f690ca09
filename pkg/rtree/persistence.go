package rtree

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

// IndexData represents the serializable form of the cell index
type IndexData struct {
	Cells []*models.Cell `json:"cells" yaml:"cells"`
	Count int64          `json:"count" yaml:"count"`
}

// SaveToFile writes the index to filename. Files ending in .yaml or .yml are
// written as YAML seed files, anything else as gob.
func (g *CellIndex) SaveToFile(filename string) error {
	g.mu.RLock()
	data := IndexData{Cells: g.all(), Count: g.itemCount.Load()}
	g.mu.RUnlock()

	file, err := os.Create(filename)
	if err != nil {
		return eris.Wrap(err, "rtree: create file")
	}
	defer file.Close()

	if isYAML(filename) {
		enc := yaml.NewEncoder(file)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return eris.Wrap(err, "rtree: encode yaml")
		}
		return enc.Close()
	}

	if err := gob.NewEncoder(file).Encode(data); err != nil {
		return eris.Wrap(err, "rtree: encode gob")
	}
	return nil
}

// LoadFromFile replaces the index contents with the cells stored in filename.
func (g *CellIndex) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return eris.Wrap(err, "rtree: open file")
	}
	defer file.Close()

	var data IndexData
	if isYAML(filename) {
		if err := yaml.NewDecoder(file).Decode(&data); err != nil {
			return eris.Wrap(err, "rtree: decode yaml")
		}
	} else if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return eris.Wrap(err, "rtree: decode gob")
	}

	for _, cell := range data.Cells {
		if cell != nil && !cell.Radius.Valid() {
			return models.InvalidConfigurationf("rtree: cell %q has unsupported radius %d", cell.ID, cell.Radius)
		}
	}

	// Clear existing index and rebuild
	g.Clear()
	if err := g.IndexCells(data.Cells); err != nil {
		return eris.Wrap(err, "rtree: index cells")
	}
	return nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}
