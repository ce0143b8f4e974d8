package outputs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

// ManifestName is the file name of a batch manifest.
const ManifestName = "manifest.json"

// Kind identifies the pipeline that produced a batch.
type Kind string

const (
	KindRender Kind = "render"
	KindMesh   Kind = "mesh"
)

// Artifact describes one file in a batch.
type Artifact struct {
	Name   string        `json:"name"`
	Size   int64         `json:"size"`
	Digest digest.Digest `json:"digest"`
}

// Manifest records what a batch produced.
type Manifest struct {
	BatchID   string     `json:"batch_id"`
	Kind      Kind       `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	Seed      *int64     `json:"seed,omitempty"`
	Artifacts []Artifact `json:"artifacts"`
}

// Describe computes the artifact record for the file at path.
func Describe(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Artifact{}, err
	}
	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return Artifact{}, fmt.Errorf("digesting %s: %w", path, err)
	}
	return Artifact{Name: filepath.Base(path), Size: info.Size(), Digest: dgst}, nil
}

// WriteManifest describes each of paths and writes the manifest into the
// batch directory.
func WriteManifest(b *Batch, kind Kind, seed *int64, paths []string) (*Manifest, error) {
	m := &Manifest{
		BatchID:   b.ID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Seed:      seed,
		Artifacts: make([]Artifact, 0, len(paths)),
	}
	for _, p := range paths {
		a, err := Describe(p)
		if err != nil {
			return nil, fmt.Errorf("describing artifact: %w", err)
		}
		m.Artifacts = append(m.Artifacts, a)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(b.Path(ManifestName), append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	return m, nil
}

// ReadManifest loads a batch manifest.
func ReadManifest(b *Batch) (*Manifest, error) {
	data, err := os.ReadFile(b.Path(ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}
