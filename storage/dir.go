package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/emitter"
	"github.com/pthm-cable/lowspread/randkey"
)

const checkpointFile = "checkpoint.yaml"

// checkpointMeta is the YAML sidecar next to the saved repertoire.
type checkpointMeta struct {
	RunID     string      `yaml:"run_id"`
	Loop      int         `yaml:"loop"`
	Iteration int         `yaml:"iteration"`
	Key       string      `yaml:"key"`
	SavedAt   time.Time   `yaml:"saved_at"`
	Emitter   emitterMeta `yaml:"emitter"`
}

type emitterMeta struct {
	Emitted        int     `yaml:"emitted"`
	Accepted       int     `yaml:"accepted"`
	LastEmitted    int     `yaml:"last_emitted"`
	LastAccepted   int     `yaml:"last_accepted"`
	AcceptanceRate float64 `yaml:"acceptance_rate"`
}

// DirStore keeps a single checkpoint in a directory: the archive files
// written by Repertoire.SaveWith plus checkpoint.yaml, all covered by one
// manifest. Each save swaps in a complete new directory.
type DirStore struct {
	dir string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Dir returns the checkpoint directory.
func (s *DirStore) Dir() string { return s.dir }

func (s *DirStore) Init(ctx context.Context) error {
	if s.dir == "" {
		return errors.New("checkpoint directory is required")
	}
	return os.MkdirAll(s.dir, 0755)
}

func (s *DirStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta := checkpointMeta{
		RunID:     cp.RunID,
		Loop:      cp.Loop,
		Iteration: cp.Iteration,
		Key:       cp.Key.String(),
		SavedAt:   cp.SavedAt,
		Emitter:   emitterMeta(cp.Emitter),
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	// The sidecar goes into the same snapshot so key and arrays never mix.
	if err := cp.Repertoire.SaveWith(s.dir, map[string][]byte{checkpointFile: data}); err != nil {
		return fmt.Errorf("saving repertoire: %w", err)
	}
	return nil
}

func (s *DirStore) LoadCheckpoint(ctx context.Context, runID string, reconstruct archive.ReconstructFunc) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	live := archive.ResolveDir(s.dir)
	data, err := archive.ReadFile(live, checkpointFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	var meta checkpointMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if runID != "" && meta.RunID != runID {
		return Checkpoint{}, false, nil
	}
	key, err := randkey.Parse(meta.Key)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("parsing checkpoint key: %w", err)
	}
	rep, err := archive.Load(live, reconstruct)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return Checkpoint{
		RunID:      meta.RunID,
		Loop:       meta.Loop,
		Iteration:  meta.Iteration,
		Key:        key,
		SavedAt:    meta.SavedAt,
		Repertoire: rep,
		Emitter:    emitter.State(meta.Emitter),
	}, true, nil
}

func (s *DirStore) Close() error { return nil }
