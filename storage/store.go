// Package storage persists run checkpoints: the repertoire plus the loop
// position and PRNG key needed to continue a run.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/emitter"
	"github.com/pthm-cable/lowspread/randkey"
)

// Checkpoint is a resumable snapshot taken between loops.
type Checkpoint struct {
	RunID      string
	Loop       int
	Iteration  int
	Key        randkey.Key
	SavedAt    time.Time
	Repertoire *archive.Repertoire
	Emitter    emitter.State // acceptance counters carried across resumes
}

// Store saves and restores checkpoints.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns the checkpoint for runID, or the most recent
	// one when runID is empty. ok is false when nothing was found.
	LoadCheckpoint(ctx context.Context, runID string, reconstruct archive.ReconstructFunc) (cp Checkpoint, ok bool, err error)
	Close() error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewStore creates a store for the configured backend. For "dir" the path is
// the repertoire directory, for "sqlite" the database file.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "dir":
		return NewDirStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
