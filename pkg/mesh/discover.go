package mesh

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ArtifactKind names an output category of the reconstructor.
type ArtifactKind string

const (
	ArtifactOBJ     ArtifactKind = "obj"
	ArtifactPLY     ArtifactKind = "ply"
	ArtifactTexture ArtifactKind = "texture"
	ArtifactGLB     ArtifactKind = "glb"
)

// ArtifactSet maps each discovered category to its file. Missing categories
// are absent.
type ArtifactSet map[ArtifactKind]string

// Paths returns the artifact paths in a fixed kind order.
func (s ArtifactSet) Paths() []string {
	var paths []string
	for _, kind := range []ArtifactKind{ArtifactOBJ, ArtifactPLY, ArtifactTexture, ArtifactGLB} {
		if p, ok := s[kind]; ok {
			paths = append(paths, p)
		}
	}
	return paths
}

type candidate struct {
	path  string
	rel   string
	depth int
	// rank orders texture candidates: "texture" before "albedo".
	rank int
}

func compareCandidates(a, b candidate) int {
	return cmp.Or(
		cmp.Compare(a.rank, b.rank),
		cmp.Compare(a.depth, b.depth),
		cmp.Compare(a.rel, b.rel),
	)
}

// ownFile reports whether name is a file this package or the upload boundary
// wrote into the output directory.
func ownFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "mesh_input") ||
		strings.HasPrefix(lower, "mesh_upload") ||
		lower == GLBName
}

// Discover finds reconstructor outputs in dir and its immediate
// subdirectories. For each category the first match by (depth, relative
// path) wins; texture files whose name contains "texture" win over those
// containing "albedo". Files this package writes itself are ignored.
func Discover(dir string) (ArtifactSet, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	buckets := map[ArtifactKind][]candidate{}
	for _, c := range files {
		name := strings.ToLower(filepath.Base(c.rel))
		if ownFile(name) {
			continue
		}
		switch filepath.Ext(name) {
		case ".obj":
			buckets[ArtifactOBJ] = append(buckets[ArtifactOBJ], c)
		case ".ply":
			buckets[ArtifactPLY] = append(buckets[ArtifactPLY], c)
		case ".png":
			switch {
			case strings.Contains(name, "texture"):
				buckets[ArtifactTexture] = append(buckets[ArtifactTexture], c)
			case strings.Contains(name, "albedo"):
				c.rank = 1
				buckets[ArtifactTexture] = append(buckets[ArtifactTexture], c)
			}
		}
	}

	set := ArtifactSet{}
	for kind, cands := range buckets {
		set[kind] = slices.MinFunc(cands, compareCandidates).path
	}
	return set, nil
}

func listFiles(dir string) ([]candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []candidate
	for _, e := range entries {
		if !e.IsDir() {
			if e.Type().IsRegular() {
				files = append(files, candidate{path: filepath.Join(dir, e.Name()), rel: e.Name()})
			}
			continue
		}
		sub, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, s := range sub {
			if s.Type().IsRegular() {
				rel := e.Name() + "/" + s.Name()
				files = append(files, candidate{path: filepath.Join(dir, e.Name(), s.Name()), rel: rel, depth: 1})
			}
		}
	}
	return files, nil
}
