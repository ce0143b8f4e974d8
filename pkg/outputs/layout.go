// Package outputs manages the on-disk layout of generated artifacts: one
// directory per batch under a shared root, addressed by a UUID.
package outputs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/archivision/archivision/pkg/imageutil"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const (
	// URLPrefix is the path under which batch directories are served.
	URLPrefix = "/outputs/"
	// maxStemLength bounds the sanitized upload stem.
	maxStemLength = 64
	// allocateAttempts bounds retries on the (practically impossible) event of
	// a UUID collision.
	allocateAttempts = 3
)

// ErrBatchNotFound indicates that a batch ID does not name an existing batch.
var ErrBatchNotFound = fmt.Errorf("batch not found: %w", errdefs.ErrNotFound)

// Batch is a single invocation's output directory.
type Batch struct {
	// ID is the batch identifier.
	ID string
	// Dir is the absolute batch directory.
	Dir string
}

// Path returns the path of name inside the batch directory.
func (b *Batch) Path(name string) string {
	return filepath.Join(b.Dir, name)
}

// Layout allocates batch directories under Root.
type Layout struct {
	// Root is the absolute outputs root.
	Root string
}

// NewLayout creates the outputs root if needed.
func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving outputs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating outputs root: %w", err)
	}
	return &Layout{Root: abs}, nil
}

// Allocate creates a fresh batch directory. Each call gets its own directory;
// batches are never reused and never deleted by the layout.
func (l *Layout) Allocate() (*Batch, error) {
	var err error
	for range allocateAttempts {
		id := uuid.NewString()
		dir := filepath.Join(l.Root, id)
		if err = os.Mkdir(dir, 0o755); err == nil {
			return &Batch{ID: id, Dir: dir}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	return nil, fmt.Errorf("allocating batch directory: %w", err)
}

// Lookup resolves an existing batch by ID.
func (l *Layout) Lookup(id string) (*Batch, error) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return nil, fmt.Errorf("%w: %q", ErrBatchNotFound, id)
	}
	dir := filepath.Join(l.Root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrBatchNotFound, id)
	}
	return &Batch{ID: id, Dir: dir}, nil
}

// BatchURL returns the URL path of the batch directory.
func (l *Layout) BatchURL(b *Batch) string {
	return path.Join(URLPrefix, b.ID)
}

// ErrOutsideBatch indicates a file that does not live inside its batch
// directory and so cannot be served.
var ErrOutsideBatch = errors.New("file is outside the batch directory")

// PublicURL returns the URL path under which file is served. Relative paths
// are taken relative to the batch directory; files in subdirectories keep
// their relative path.
func (l *Layout) PublicURL(b *Batch, file string) (string, error) {
	if !filepath.IsAbs(file) {
		file = b.Path(file)
	}
	rel, err := filepath.Rel(b.Dir, file)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBatch, file)
	}
	return path.Join(URLPrefix, b.ID, filepath.ToSlash(rel)), nil
}

// SaveUpload decodes an uploaded image, normalizes it to RGB and writes it as
// PNG to the batch under name. It returns the written path.
func SaveUpload(b *Batch, name string, r io.Reader) (string, error) {
	img, err := imageutil.Decode(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	}
	dst := b.Path(name)
	if err := imageutil.SavePNG(dst, img); err != nil {
		return "", err
	}
	return dst, nil
}

// RenderUploadName returns the file name for the index'th render upload.
func RenderUploadName(index int, filename string) string {
	return fmt.Sprintf("input_%d_%s.png", index, SanitizeStem(filename))
}

// MeshUploadName returns the file name for a mesh upload.
func MeshUploadName(filename string) string {
	return fmt.Sprintf("mesh_upload_%s.png", SanitizeStem(filename))
}

// SanitizeStem reduces a client-supplied file name to a safe stem: the base
// name without extension, restricted to letters, digits, '-' and '_'.
func SanitizeStem(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range stem {
		if b.Len() >= maxStemLength {
			break
		}
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "upload"
	}
	return out
}
