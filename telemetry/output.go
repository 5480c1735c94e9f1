package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/lowspread/config"
)

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir          string
	logFile      *os.File
	perfFile     *os.File
	bookmarkFile *os.File

	// Track if headers have been written
	logHeaderWritten      bool
	perfHeaderWritten     bool
	bookmarkHeaderWritten bool
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled). When appending, existing
// log files are kept and new rows are added without a header.
func NewOutputManager(dir string, appendLogs bool) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	// Create output directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	f, written, err := openCSV(filepath.Join(dir, "log.csv"), appendLogs)
	if err != nil {
		return nil, fmt.Errorf("creating log.csv: %w", err)
	}
	om.logFile, om.logHeaderWritten = f, written

	f, written, err = openCSV(filepath.Join(dir, "perf.csv"), appendLogs)
	if err != nil {
		om.logFile.Close()
		return nil, fmt.Errorf("creating perf.csv: %w", err)
	}
	om.perfFile, om.perfHeaderWritten = f, written

	f, written, err = openCSV(filepath.Join(dir, "bookmarks.csv"), appendLogs)
	if err != nil {
		om.logFile.Close()
		om.perfFile.Close()
		return nil, fmt.Errorf("creating bookmarks.csv: %w", err)
	}
	om.bookmarkFile, om.bookmarkHeaderWritten = f, written

	return om, nil
}

// openCSV creates or appends to path. written reports whether the file
// already has content, and therefore a header.
func openCSV(path string, appendLogs bool) (*os.File, bool, error) {
	if !appendLogs {
		f, err := os.Create(path)
		return f, false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return f, info.Size() > 0, nil
}

// WriteConfig saves the current configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	configPath := filepath.Join(om.dir, "config.yaml")
	return cfg.WriteYAML(configPath)
}

// WriteLog appends a row to log.csv.
func (om *OutputManager) WriteLog(row LogRow) error {
	if om == nil {
		return nil
	}

	records := []LogRow{row}

	if !om.logHeaderWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, om.logFile); err != nil {
			return fmt.Errorf("writing log: %w", err)
		}
		om.logHeaderWritten = true
	} else {
		// Subsequent writes skip headers
		if err := gocsv.MarshalWithoutHeaders(records, om.logFile); err != nil {
			return fmt.Errorf("writing log: %w", err)
		}
	}

	return nil
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, loop int) error {
	if om == nil {
		return nil
	}

	records := []PerfStatsCSV{stats.ToCSV(loop)}

	if !om.perfHeaderWritten {
		if err := gocsv.Marshal(records, om.perfFile); err != nil {
			return fmt.Errorf("writing perf: %w", err)
		}
		om.perfHeaderWritten = true
	} else {
		if err := gocsv.MarshalWithoutHeaders(records, om.perfFile); err != nil {
			return fmt.Errorf("writing perf: %w", err)
		}
	}

	return nil
}

// WriteBookmark writes a bookmark record to bookmarks.csv.
func (om *OutputManager) WriteBookmark(b Bookmark) error {
	if om == nil {
		return nil
	}

	records := []Bookmark{b}

	if !om.bookmarkHeaderWritten {
		if err := gocsv.Marshal(records, om.bookmarkFile); err != nil {
			return fmt.Errorf("writing bookmark: %w", err)
		}
		om.bookmarkHeaderWritten = true
	} else {
		if err := gocsv.MarshalWithoutHeaders(records, om.bookmarkFile); err != nil {
			return fmt.Errorf("writing bookmark: %w", err)
		}
	}

	return nil
}

// WriteElites saves the top elites as JSON.
func (om *OutputManager) WriteElites(elites Elites) error {
	if om == nil {
		return nil
	}

	path := filepath.Join(om.dir, "elites.json")
	data, err := elites.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling elites: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing elites.json: %w", err)
	}

	return nil
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Path joins name onto the output directory.
func (om *OutputManager) Path(name string) string {
	if om == nil {
		return ""
	}
	return filepath.Join(om.dir, name)
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error

	if om.logFile != nil {
		if err := om.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if om.perfFile != nil {
		if err := om.perfFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if om.bookmarkFile != nil {
		if err := om.bookmarkFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ReadLog loads the rows of an existing log.csv. A missing file yields no
// rows.
func ReadLog(path string) ([]LogRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	// Output opened but no loop finished yet.
	if info, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	} else if info.Size() == 0 {
		return nil, nil
	}

	var rows []LogRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return rows, nil
}
