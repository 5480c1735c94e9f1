package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/neural"
)

// Elite is one repertoire cell selected for export.
type Elite struct {
	Cell       int
	Fitness    float64
	Spread     float64
	Descriptor []float64
	Genotype   []float64
}

// Elites is the top of a repertoire, best first.
type Elites struct {
	Env       string
	Structure neural.Structure
	Entries   []Elite
}

// TopElites returns the k fittest occupied cells, best first. Ties go to the
// lower cell index. k <= 0 returns every occupied cell.
func TopElites(rep *archive.Repertoire, structure neural.Structure, envName string, k int) Elites {
	cells := rep.OccupiedCells()
	sort.SliceStable(cells, func(a, b int) bool {
		return rep.Fitnesses[cells[a]] > rep.Fitnesses[cells[b]]
	})
	if k > 0 && len(cells) > k {
		cells = cells[:k]
	}

	entries := make([]Elite, len(cells))
	for i, c := range cells {
		entries[i] = Elite{
			Cell:       c,
			Fitness:    rep.Fitnesses[c],
			Spread:     rep.Spreads[c],
			Descriptor: rep.Descriptors[c],
			Genotype:   rep.Genotypes[c],
		}
	}
	return Elites{Env: envName, Structure: structure, Entries: entries}
}

// eliteJSON is the JSON export format for an elite.
type eliteJSON struct {
	Rank       int                   `json:"rank"`
	Cell       int                   `json:"cell"`
	Fitness    float64               `json:"fitness"`
	Spread     float64               `json:"spread"`
	Descriptor []float64             `json:"descriptor"`
	Layers     []neural.LayerWeights `json:"layers"`
}

type elitesJSON struct {
	Env     string      `json:"env"`
	Sizes   []int       `json:"layer_sizes"`
	Entries []eliteJSON `json:"elites"`
}

// MarshalJSON serializes the elites with per-layer weights.
func (e Elites) MarshalJSON() ([]byte, error) {
	export := elitesJSON{
		Env:     e.Env,
		Sizes:   e.Structure.Sizes,
		Entries: make([]eliteJSON, len(e.Entries)),
	}
	for i, el := range e.Entries {
		layers, err := e.Structure.Layers(el.Genotype)
		if err != nil {
			return nil, fmt.Errorf("elite in cell %d: %w", el.Cell, err)
		}
		export.Entries[i] = eliteJSON{
			Rank:       i + 1,
			Cell:       el.Cell,
			Fitness:    el.Fitness,
			Spread:     el.Spread,
			Descriptor: el.Descriptor,
			Layers:     layers,
		}
	}
	return json.MarshalIndent(export, "", "  ")
}

// LoadElitesFromFile reads an elites.json file, restoring flat genotypes
// from the exported layers.
func LoadElitesFromFile(path string) (Elites, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Elites{}, fmt.Errorf("reading elites: %w", err)
	}

	var raw elitesJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Elites{}, fmt.Errorf("parsing elites JSON: %w", err)
	}

	out := Elites{
		Env:       raw.Env,
		Structure: neural.Structure{Sizes: raw.Sizes},
		Entries:   make([]Elite, len(raw.Entries)),
	}
	for i, ej := range raw.Entries {
		genotype, err := out.Structure.Reconstruct(neural.Flatten(ej.Layers))
		if err != nil {
			return Elites{}, fmt.Errorf("elite rank %d: %w", ej.Rank, err)
		}
		out.Entries[i] = Elite{
			Cell:       ej.Cell,
			Fitness:    ej.Fitness,
			Spread:     ej.Spread,
			Descriptor: ej.Descriptor,
			Genotype:   genotype,
		}
	}
	return out, nil
}
