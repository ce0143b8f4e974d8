// Package geometry loads triangle meshes from the OBJ and PLY files produced
// by single-image reconstructors and re-encodes them as binary glTF.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrMalformed indicates a mesh file that could not be parsed.
var ErrMalformed = errors.New("malformed mesh")

// Mesh is an indexed triangle mesh. Optional attributes are either empty or
// have one entry per position.
type Mesh struct {
	Positions [][3]float32
	Normals   [][3]float32
	// TexCoords use the glTF convention: origin at the top-left of the image.
	TexCoords [][2]float32
	Colors    [][3]uint8
	Indices   []uint32
}

// HasTexCoords reports whether the mesh carries texture coordinates.
func (m *Mesh) HasTexCoords() bool {
	return len(m.TexCoords) > 0
}

// Validate checks that the mesh is non-empty and internally consistent.
func (m *Mesh) Validate() error {
	n := len(m.Positions)
	switch {
	case n == 0:
		return fmt.Errorf("%w: no vertices", ErrMalformed)
	case len(m.Indices) == 0:
		return fmt.Errorf("%w: no faces", ErrMalformed)
	case len(m.Indices)%3 != 0:
		return fmt.Errorf("%w: index count %d is not a multiple of 3", ErrMalformed, len(m.Indices))
	case len(m.Normals) != 0 && len(m.Normals) != n:
		return fmt.Errorf("%w: %d normals for %d vertices", ErrMalformed, len(m.Normals), n)
	case len(m.TexCoords) != 0 && len(m.TexCoords) != n:
		return fmt.Errorf("%w: %d texture coordinates for %d vertices", ErrMalformed, len(m.TexCoords), n)
	case len(m.Colors) != 0 && len(m.Colors) != n:
		return fmt.Errorf("%w: %d colors for %d vertices", ErrMalformed, len(m.Colors), n)
	}
	for _, idx := range m.Indices {
		if int(idx) >= n {
			return fmt.Errorf("%w: index %d out of range", ErrMalformed, idx)
		}
	}
	for _, p := range m.Positions {
		for _, c := range p {
			if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
				return fmt.Errorf("%w: non-finite vertex position", ErrMalformed)
			}
		}
	}
	return nil
}

// colorComponent maps a color channel to 8 bits. Values in [0, 1] are treated
// as normalized; anything larger as already 8-bit.
func colorComponent(v float64, normalized bool) uint8 {
	if normalized {
		v *= 255
	}
	return uint8(math.Round(math.Max(0, math.Min(255, v))))
}
