package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/randkey"
)

// SQLiteStore keeps checkpoints of many runs in one database. Each run has a
// row in runs and one row per cell in cells; empty cells have a NULL
// genotype.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if cp.RunID == "" {
		return errors.New("checkpoint run id is required")
	}
	rep := cp.Repertoire

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, loop, iteration, rng_key, num_cells, descriptor_size, genotype_size, saved_at,
			emitted, accepted, last_emitted, last_accepted, acceptance_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			loop = excluded.loop,
			iteration = excluded.iteration,
			rng_key = excluded.rng_key,
			num_cells = excluded.num_cells,
			descriptor_size = excluded.descriptor_size,
			genotype_size = excluded.genotype_size,
			saved_at = excluded.saved_at,
			emitted = excluded.emitted,
			accepted = excluded.accepted,
			last_emitted = excluded.last_emitted,
			last_accepted = excluded.last_accepted,
			acceptance_rate = excluded.acceptance_rate
	`, cp.RunID, cp.Loop, cp.Iteration, cp.Key.String(), rep.NumCells(), rep.DescriptorSize(), rep.GenotypeSize(), cp.SavedAt.UnixNano(),
		cp.Emitter.Emitted, cp.Emitter.Accepted, cp.Emitter.LastEmitted, cp.Emitter.LastAccepted, cp.Emitter.AcceptanceRate)
	if err != nil {
		return fmt.Errorf("save run %s: %w", cp.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE run_id = ?`, cp.RunID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cells (run_id, cell, centroid, genotype, fitness, descriptor, spread)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range rep.NumCells() {
		centroid, err := encodeVector(rep.Centroids[i])
		if err != nil {
			return err
		}
		var genotype, descriptor any
		var fitness, spread sql.NullFloat64
		if rep.Occupied(i) {
			if genotype, err = encodeVector(rep.Genotypes[i]); err != nil {
				return err
			}
			if descriptor, err = encodeVector(rep.Descriptors[i]); err != nil {
				return err
			}
			fitness = sql.NullFloat64{Float64: rep.Fitnesses[i], Valid: true}
			spread = sql.NullFloat64{Float64: rep.Spreads[i], Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, cp.RunID, i, centroid, genotype, fitness, descriptor, spread); err != nil {
			return fmt.Errorf("save cell %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string, reconstruct archive.ReconstructFunc) (Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Checkpoint{}, false, err
	}

	var (
		cp                      Checkpoint
		key                     string
		numCells, dim, genoSize int
		savedAt                 int64
	)
	row := db.QueryRowContext(ctx, `
		SELECT id, loop, iteration, rng_key, num_cells, descriptor_size, genotype_size, saved_at,
			emitted, accepted, last_emitted, last_accepted, acceptance_rate
		FROM runs
		WHERE id = ? OR ? = ''
		ORDER BY saved_at DESC
		LIMIT 1
	`, runID, runID)
	em := &cp.Emitter
	err = row.Scan(&cp.RunID, &cp.Loop, &cp.Iteration, &key, &numCells, &dim, &genoSize, &savedAt,
		&em.Emitted, &em.Accepted, &em.LastEmitted, &em.LastAccepted, &em.AcceptanceRate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	if cp.Key, err = randkey.Parse(key); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode run %s key: %w", cp.RunID, err)
	}
	cp.SavedAt = time.Unix(0, savedAt).UTC()

	rows, err := db.QueryContext(ctx, `
		SELECT cell, centroid, genotype, fitness, descriptor, spread
		FROM cells WHERE run_id = ? ORDER BY cell
	`, cp.RunID)
	if err != nil {
		return Checkpoint{}, false, err
	}
	defer rows.Close()

	centroids := make([][]float64, numCells)
	type occupant struct {
		genotype, descriptor []float64
		fitness, spread      float64
	}
	occupants := make(map[int]occupant)
	for rows.Next() {
		var (
			cell                           int
			centroid, genotype, descriptor []byte
			fitness, spread                sql.NullFloat64
		)
		if err := rows.Scan(&cell, &centroid, &genotype, &fitness, &descriptor, &spread); err != nil {
			return Checkpoint{}, false, err
		}
		if cell < 0 || cell >= numCells {
			return Checkpoint{}, false, fmt.Errorf("%w: cell %d of %d", archive.ErrShapeMismatch, cell, numCells)
		}
		if centroids[cell], err = decodeVector(centroid, dim); err != nil {
			return Checkpoint{}, false, err
		}
		if genotype == nil {
			continue
		}
		var o occupant
		if o.genotype, err = decodeVector(genotype, genoSize); err != nil {
			return Checkpoint{}, false, err
		}
		if o.genotype, err = reconstruct(o.genotype); err != nil {
			return Checkpoint{}, false, fmt.Errorf("%w: cell %d: %v", archive.ErrShapeMismatch, cell, err)
		}
		if o.descriptor, err = decodeVector(descriptor, dim); err != nil {
			return Checkpoint{}, false, err
		}
		o.fitness, o.spread = fitness.Float64, spread.Float64
		occupants[cell] = o
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	for i, c := range centroids {
		if c == nil {
			return Checkpoint{}, false, fmt.Errorf("%w: run %s is missing cell %d", archive.ErrShapeMismatch, cp.RunID, i)
		}
	}

	rep, err := archive.New(centroids)
	if err != nil {
		return Checkpoint{}, false, err
	}
	for cell, o := range occupants {
		rep.Genotypes[cell] = o.genotype
		rep.Descriptors[cell] = o.descriptor
		rep.Fitnesses[cell] = o.fitness
		rep.Spreads[cell] = o.spread
	}
	cp.Repertoire = rep
	return cp, true, nil
}

// Runs lists stored run ids, most recent first.
func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id FROM runs ORDER BY saved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			loop INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			rng_key TEXT NOT NULL,
			num_cells INTEGER NOT NULL,
			descriptor_size INTEGER NOT NULL,
			genotype_size INTEGER NOT NULL,
			saved_at INTEGER NOT NULL,
			emitted INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0,
			last_emitted INTEGER NOT NULL DEFAULT 0,
			last_accepted INTEGER NOT NULL DEFAULT 0,
			acceptance_rate REAL NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS cells (
			run_id TEXT NOT NULL,
			cell INTEGER NOT NULL,
			centroid BLOB NOT NULL,
			genotype BLOB,
			fitness REAL,
			descriptor BLOB,
			spread REAL,
			PRIMARY KEY (run_id, cell)
		);
	`)
	return err
}

// encodeVector stores a slice in gonum's binary vector format.
func encodeVector(v []float64) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty vector", archive.ErrDimension)
	}
	return mat.NewVecDense(len(v), v).MarshalBinary()
}

func decodeVector(data []byte, n int) ([]float64, error) {
	var v mat.VecDense
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	if v.Len() != n {
		return nil, fmt.Errorf("%w: vector of %d, want %d", archive.ErrShapeMismatch, v.Len(), n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out, nil
}
