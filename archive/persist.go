package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// FormatVersion is incremented when the on-disk layout changes.
const FormatVersion = 2

// File names inside a saved repertoire directory.
const (
	manifestFile    = "manifest.yaml"
	centroidsFile   = "centroids.bin"
	genotypesFile   = "genotypes.bin"
	fitnessesFile   = "fitnesses.bin"
	descriptorsFile = "descriptors.bin"
	spreadsFile     = "spreads.bin"
)

// ErrShapeMismatch is returned by Load when saved arrays disagree with each
// other or with the reconstruction function.
var ErrShapeMismatch = errors.New("archive: saved shape mismatch")

// ErrCorrupt is returned by Load when a file does not match the checksum
// recorded in the manifest, for example after an interrupted copy.
var ErrCorrupt = errors.New("archive: saved file corrupt")

// ReconstructFunc restores a genotype from its flattened form, failing when
// the length does not fit the expected structure.
type ReconstructFunc func(flat []float64) ([]float64, error)

// Manifest describes a saved repertoire.
type Manifest struct {
	Version        int `yaml:"version"`
	NumCells       int `yaml:"num_cells"`
	DescriptorSize int `yaml:"descriptor_size"`
	GenotypeSize   int `yaml:"genotype_size"`
	Occupied       int `yaml:"occupied"`

	// Checksums maps every other file in the directory to its hex SHA-256.
	Checksums map[string]string `yaml:"checksums"`
}

// GenotypeSize returns the length of stored genotypes, or 0 when empty.
func (r *Repertoire) GenotypeSize() int {
	for _, g := range r.Genotypes {
		if g != nil {
			return len(g)
		}
	}
	return 0
}

// Save writes the repertoire into dir as gonum binary matrices plus a YAML
// manifest. Empty cells are stored as zero rows with -Inf fitness.
func (r *Repertoire) Save(dir string) error {
	return r.SaveWith(dir, nil)
}

// SaveWith is Save plus extra files stored alongside the arrays. Everything
// is written to a temporary sibling of dir and swapped in only once
// complete, so dir always holds one whole snapshot; anything else in dir is
// removed. The extra files are covered by the manifest checksums.
func (r *Repertoire) SaveWith(dir string, extra map[string][]byte) error {
	n, d, g := r.NumCells(), r.DescriptorSize(), r.GenotypeSize()

	centroids := mat.NewDense(n, d, nil)
	descriptors := mat.NewDense(n, d, nil)
	fitnesses := mat.NewDense(n, 1, nil)
	spreads := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		centroids.SetRow(i, r.Centroids[i])
		fitnesses.Set(i, 0, r.Fitnesses[i])
		spreads.Set(i, 0, r.Spreads[i])
		if r.Occupied(i) {
			descriptors.SetRow(i, r.Descriptors[i])
		}
	}

	files := map[string]*mat.Dense{
		centroidsFile:   centroids,
		descriptorsFile: descriptors,
		fitnessesFile:   fitnesses,
		spreadsFile:     spreads,
	}
	if g > 0 {
		genotypes := mat.NewDense(n, g, nil)
		for i := 0; i < n; i++ {
			if r.Occupied(i) {
				if len(r.Genotypes[i]) != g {
					return fmt.Errorf("%w: genotype %d has %d values, want %d", ErrDimension, i, len(r.Genotypes[i]), g)
				}
				genotypes.SetRow(i, r.Genotypes[i])
			}
		}
		files[genotypesFile] = genotypes
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("creating repertoire directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)
	if err := os.Chmod(tmp, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	manifest := Manifest{
		Version:        FormatVersion,
		NumCells:       n,
		DescriptorSize: d,
		GenotypeSize:   g,
		Occupied:       r.Size(),
		Checksums:      make(map[string]string, len(files)+len(extra)),
	}
	for name, m := range files {
		sum, err := writeMatrix(filepath.Join(tmp, name), m)
		if err != nil {
			return err
		}
		manifest.Checksums[name] = sum
	}
	for name, data := range extra {
		if reservedFile(name) {
			return fmt.Errorf("archive: extra file %q collides with a repertoire file", name)
		}
		if err := writeFile(filepath.Join(tmp, name), data); err != nil {
			return err
		}
		manifest.Checksums[name] = checksum(data)
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := writeFile(filepath.Join(tmp, manifestFile), data); err != nil {
		return err
	}
	return replaceDir(tmp, dir)
}

// replaceDir moves the complete staging directory tmp to dir, replacing
// whatever dir held. A previous snapshot is parked at dir+".old" until the
// new one is in place; ResolveDir falls back to it if a crash lands between
// the two renames.
func replaceDir(tmp, dir string) error {
	old := dir + oldSuffix
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("removing stale snapshot: %w", err)
		}
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("parking previous snapshot: %w", err)
		}
	} else if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("installing snapshot: %w", err)
	}
	return os.RemoveAll(old)
}

const oldSuffix = ".old"

// ResolveDir returns the directory holding the latest complete snapshot for
// dir: dir itself, or the parked previous snapshot when a save was
// interrupted after parking it.
func ResolveDir(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		return dir
	}
	if _, err := os.Stat(filepath.Join(dir+oldSuffix, manifestFile)); err == nil {
		return dir + oldSuffix
	}
	return dir
}

// ReadFile returns an extra file stored by SaveWith after checking it
// against the manifest.
func ReadFile(dir, name string) ([]byte, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	return readVerified(dir, name, manifest)
}

func readManifest(dir string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return manifest, fmt.Errorf("reading manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.Version != FormatVersion {
		return manifest, fmt.Errorf("%w: format version %d, want %d", ErrShapeMismatch, manifest.Version, FormatVersion)
	}
	return manifest, nil
}

// Load reads a repertoire saved by Save. Every occupied genotype is passed
// through reconstruct; any shape disagreement is reported as
// ErrShapeMismatch.
func Load(dir string, reconstruct ReconstructFunc) (*Repertoire, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	n, d, g := manifest.NumCells, manifest.DescriptorSize, manifest.GenotypeSize

	centroids, err := readMatrix(dir, centroidsFile, manifest, n, d)
	if err != nil {
		return nil, err
	}
	descriptors, err := readMatrix(dir, descriptorsFile, manifest, n, d)
	if err != nil {
		return nil, err
	}
	fitnesses, err := readMatrix(dir, fitnessesFile, manifest, n, 1)
	if err != nil {
		return nil, err
	}
	spreads, err := readMatrix(dir, spreadsFile, manifest, n, 1)
	if err != nil {
		return nil, err
	}
	var genotypes *mat.Dense
	if g > 0 {
		if genotypes, err = readMatrix(dir, genotypesFile, manifest, n, g); err != nil {
			return nil, err
		}
	}

	cents := make([][]float64, n)
	for i := range cents {
		cents[i] = mat.Row(nil, i, centroids)
	}
	r, err := New(cents)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		f := fitnesses.At(i, 0)
		if math.IsInf(f, -1) {
			continue
		}
		if genotypes == nil {
			return nil, fmt.Errorf("%w: cell %d occupied but no genotypes saved", ErrShapeMismatch, i)
		}
		geno, err := reconstruct(mat.Row(nil, i, genotypes))
		if err != nil {
			return nil, fmt.Errorf("%w: cell %d: %v", ErrShapeMismatch, i, err)
		}
		r.Genotypes[i] = geno
		r.Fitnesses[i] = f
		r.Descriptors[i] = mat.Row(nil, i, descriptors)
		r.Spreads[i] = spreads.At(i, 0)
	}
	if got := r.Size(); got != manifest.Occupied {
		return nil, fmt.Errorf("%w: %d occupied cells, manifest says %d", ErrShapeMismatch, got, manifest.Occupied)
	}
	return r, nil
}

func writeMatrix(path string, m *mat.Dense) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	h := sha256.New()
	if _, err := m.MarshalBinaryTo(io.MultiWriter(f, h)); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func reservedFile(name string) bool {
	switch name {
	case manifestFile, centroidsFile, genotypesFile, fitnessesFile, descriptorsFile, spreadsFile:
		return true
	}
	return false
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readVerified reads name from dir and checks it against the manifest.
func readVerified(dir, name string, manifest Manifest) ([]byte, error) {
	want, ok := manifest.Checksums[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not listed in manifest", ErrCorrupt, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if got := checksum(data); got != want {
		return nil, fmt.Errorf("%w: %s checksum %s, manifest says %s", ErrCorrupt, name, got[:12], want[:min(12, len(want))])
	}
	return data, nil
}

func readMatrix(dir, name string, manifest Manifest, rows, cols int) (*mat.Dense, error) {
	data, err := readVerified(dir, name, manifest)
	if err != nil {
		return nil, err
	}
	var m mat.Dense
	if _, err := m.UnmarshalBinaryFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if r, c := m.Dims(); r != rows || c != cols {
		return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShapeMismatch, name, r, c, rows, cols)
	}
	return &m, nil
}
