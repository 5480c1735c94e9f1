package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pthm-cable/lowspread/config"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestOutputManagerDisabled(t *testing.T) {
	om, err := NewOutputManager("", false)
	if err != nil || om != nil {
		t.Fatalf("om=%v err=%v", om, err)
	}
	// Nil manager methods are no-ops
	if err := om.WriteLog(LogRow{}); err != nil {
		t.Error(err)
	}
	if err := om.Close(); err != nil {
		t.Error(err)
	}
}

func TestOutputManagerLogCSV(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := om.WriteLog(LogRow{Loop: i, Iteration: i * 10, QDScore: 1.5, MaxFitness: 2, Coverage: 0.25, Time: 0.5}); err != nil {
			t.Fatal(err)
		}
	}
	if err := om.WriteBookmark(Bookmark{Type: BookmarkStagnation, Loop: 3}); err != nil {
		t.Fatal(err)
	}
	if err := om.WritePerf(PerfStats{}, 3); err != nil {
		t.Fatal(err)
	}
	if err := om.Close(); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, filepath.Join(dir, "log.csv"))
	if lines[0] != "loop,iteration,qd_score,max_fitness,coverage,time" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header + 3 rows", len(lines))
	}
	if !strings.HasPrefix(lines[2], "2,20,") {
		t.Errorf("row 2 = %q", lines[2])
	}
	if got := readLines(t, filepath.Join(dir, "bookmarks.csv")); len(got) != 2 {
		t.Errorf("bookmarks.csv has %d lines", len(got))
	}
	if got := readLines(t, filepath.Join(dir, "perf.csv")); len(got) != 2 {
		t.Errorf("perf.csv has %d lines", len(got))
	}
}

func TestOutputManagerAppend(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	om.WriteLog(LogRow{Loop: 1})
	om.Close()

	om, err = NewOutputManager(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	om.WriteLog(LogRow{Loop: 2})
	om.Close()

	lines := readLines(t, filepath.Join(dir, "log.csv"))
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if strings.HasPrefix(lines[2], "loop") {
		t.Error("header repeated on append")
	}

	rows, err := ReadLog(filepath.Join(dir, "log.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Loop != 1 || rows[1].Loop != 2 {
		t.Errorf("ReadLog = %+v", rows)
	}
	if rows, err := ReadLog(filepath.Join(dir, "missing.csv")); err != nil || rows != nil {
		t.Errorf("missing log: rows=%v err=%v", rows, err)
	}
}

func TestReadLogEmptyFile(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	om.Close()

	rows, err := ReadLog(filepath.Join(dir, "log.csv"))
	if err != nil || len(rows) != 0 {
		t.Errorf("empty log: rows=%v err=%v", rows, err)
	}
}

func TestOutputManagerWriteConfig(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	om, err := NewOutputManager(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer om.Close()
	if err := om.WriteConfig(cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(om.Path("config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Seed != cfg.Seed || loaded.Algorithm.BatchSize != cfg.Algorithm.BatchSize {
		t.Error("config.yaml does not round-trip")
	}
}
