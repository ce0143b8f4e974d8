package geometry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// objVertexKey identifies a unique (position, texcoord, normal) triple. Zero
// means absent; other values are 1-based.
type objVertexKey struct {
	v, vt, vn int
}

// LoadOBJ reads a Wavefront OBJ file into a single mesh. All groups and
// objects are merged. Polygons are triangulated as fans.
func LoadOBJ(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ParseOBJ(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseOBJ parses OBJ text. Vertex colors written as "v x y z r g b" are
// kept.
func ParseOBJ(r io.Reader) (*Mesh, error) {
	var (
		positions [][3]float32
		colors    [][3]float64
		texCoords [][2]float32
		normals   [][3]float32
		faces     [][]objVertexKey
		hasColor  = true
		colorMax  float64
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "v":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 3 {
				return nil, fmt.Errorf("%w: line %d: bad vertex", ErrMalformed, line)
			}
			positions = append(positions, [3]float32{float32(vals[0]), float32(vals[1]), float32(vals[2])})
			if len(vals) >= 6 {
				c := [3]float64{vals[3], vals[4], vals[5]}
				colors = append(colors, c)
				colorMax = max(colorMax, c[0], c[1], c[2])
			} else {
				hasColor = false
			}
		case "vt":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 2 {
				return nil, fmt.Errorf("%w: line %d: bad texture coordinate", ErrMalformed, line)
			}
			texCoords = append(texCoords, [2]float32{float32(vals[0]), float32(1 - vals[1])})
		case "vn":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 3 {
				return nil, fmt.Errorf("%w: line %d: bad normal", ErrMalformed, line)
			}
			normals = append(normals, [3]float32{float32(vals[0]), float32(vals[1]), float32(vals[2])})
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%w: line %d: face with fewer than 3 vertices", ErrMalformed, line)
			}
			face := make([]objVertexKey, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				key, err := parseFaceRef(ref, len(positions), len(texCoords), len(normals))
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
				}
				face = append(face, key)
			}
			faces = append(faces, face)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Texture coordinates and normals are only kept if every face vertex has
	// one; partial attributes cannot be expressed in a single primitive.
	useVT, useVN := len(texCoords) > 0, len(normals) > 0
	for _, face := range faces {
		for _, k := range face {
			useVT = useVT && k.vt != 0
			useVN = useVN && k.vn != 0
		}
	}
	useColor := hasColor && len(colors) == len(positions) && len(colors) > 0
	normalizedColor := colorMax <= 1

	m := &Mesh{}
	index := make(map[objVertexKey]uint32)
	emit := func(k objVertexKey) uint32 {
		if !useVT {
			k.vt = 0
		}
		if !useVN {
			k.vn = 0
		}
		if i, ok := index[k]; ok {
			return i
		}
		i := uint32(len(m.Positions))
		index[k] = i
		m.Positions = append(m.Positions, positions[k.v-1])
		if useVT {
			m.TexCoords = append(m.TexCoords, texCoords[k.vt-1])
		}
		if useVN {
			m.Normals = append(m.Normals, normals[k.vn-1])
		}
		if useColor {
			c := colors[k.v-1]
			m.Colors = append(m.Colors, [3]uint8{
				colorComponent(c[0], normalizedColor),
				colorComponent(c[1], normalizedColor),
				colorComponent(c[2], normalizedColor),
			})
		}
		return i
	}
	for _, face := range faces {
		first := emit(face[0])
		for j := 1; j+1 < len(face); j++ {
			m.Indices = append(m.Indices, first, emit(face[j]), emit(face[j+1]))
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseFaceRef parses "v", "v/vt", "v//vn" or "v/vt/vn", resolving negative
// (relative) indices against the element counts seen so far.
func parseFaceRef(ref string, nv, nvt, nvn int) (objVertexKey, error) {
	parts := strings.Split(ref, "/")
	if len(parts) > 3 {
		return objVertexKey{}, fmt.Errorf("bad face reference %q", ref)
	}
	var key objVertexKey
	var err error
	if key.v, err = resolveIndex(parts[0], nv, true); err != nil {
		return key, err
	}
	if len(parts) > 1 {
		if key.vt, err = resolveIndex(parts[1], nvt, false); err != nil {
			return key, err
		}
	}
	if len(parts) > 2 {
		if key.vn, err = resolveIndex(parts[2], nvn, false); err != nil {
			return key, err
		}
	}
	return key, nil
}

func resolveIndex(s string, count int, required bool) (int, error) {
	if s == "" {
		if required {
			return 0, fmt.Errorf("missing vertex index")
		}
		return 0, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad index %q", s)
	}
	if i < 0 {
		i = count + i + 1
	}
	if i < 1 || i > count {
		return 0, fmt.Errorf("index %s out of range (have %d)", s, count)
	}
	return i, nil
}
