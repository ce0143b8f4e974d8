package geometry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

type plyFormat int

const (
	plyASCII plyFormat = iota
	plyBinaryLE
	plyBinaryBE
)

type plyProperty struct {
	name string
	// typ is the scalar type, or the item type for lists.
	typ string
	// countType is the list length type; empty for scalar properties.
	countType string
}

type plyElement struct {
	name       string
	count      int
	properties []plyProperty
}

const (
	// maxPLYElements bounds header counts.
	maxPLYElements = 1 << 26
	// maxPLYPrealloc bounds the capacity reserved from a header count. The
	// body must actually contain the elements for storage to grow further.
	maxPLYPrealloc = 1 << 16
)

// LoadPLY reads a PLY file (ascii, binary_little_endian or binary_big_endian)
// into a single mesh. Faces are triangulated as fans.
func LoadPLY(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ParsePLY(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParsePLY parses a PLY stream. Vertex positions, normals, texture
// coordinates and 8-bit colors are recognized; other properties and elements
// are skipped.
func ParsePLY(r io.Reader) (*Mesh, error) {
	br := bufio.NewReader(r)
	format, elements, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	var (
		p     plyReader
		m     = &Mesh{}
		polys [][]uint32
	)
	switch format {
	case plyASCII:
		p = &plyASCIIReader{r: br}
	case plyBinaryLE:
		p = &plyBinaryReader{r: br, order: binary.LittleEndian}
	default:
		p = &plyBinaryReader{r: br, order: binary.BigEndian}
	}

	for _, el := range elements {
		switch el.name {
		case "vertex":
			if err := readPLYVertices(p, el, m); err != nil {
				return nil, err
			}
		case "face":
			if polys, err = readPLYFaces(p, el); err != nil {
				return nil, err
			}
		default:
			if err := skipPLYElement(p, el); err != nil {
				return nil, err
			}
		}
	}

	for _, poly := range polys {
		for j := 1; j+1 < len(poly); j++ {
			m.Indices = append(m.Indices, poly[0], poly[j], poly[j+1])
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readPLYHeader(r *bufio.Reader) (plyFormat, []plyElement, error) {
	magic, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return 0, nil, fmt.Errorf("%w: missing ply magic", ErrMalformed)
	}

	var (
		format    plyFormat
		hasFormat bool
		elements  []plyElement
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("%w: unterminated header", ErrMalformed)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return 0, nil, fmt.Errorf("%w: bad format line", ErrMalformed)
			}
			switch fields[1] {
			case "ascii":
				format = plyASCII
			case "binary_little_endian":
				format = plyBinaryLE
			case "binary_big_endian":
				format = plyBinaryBE
			default:
				return 0, nil, fmt.Errorf("%w: unsupported format %q", ErrMalformed, fields[1])
			}
			hasFormat = true
		case "element":
			if len(fields) != 3 {
				return 0, nil, fmt.Errorf("%w: bad element line", ErrMalformed)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 || count > maxPLYElements {
				return 0, nil, fmt.Errorf("%w: bad element count %q", ErrMalformed, fields[2])
			}
			elements = append(elements, plyElement{name: fields[1], count: count})
		case "property":
			if len(elements) == 0 {
				return 0, nil, fmt.Errorf("%w: property before element", ErrMalformed)
			}
			el := &elements[len(elements)-1]
			switch {
			case len(fields) == 5 && fields[1] == "list":
				if plyTypeSize(fields[2]) == 0 || plyTypeSize(fields[3]) == 0 {
					return 0, nil, fmt.Errorf("%w: bad list types", ErrMalformed)
				}
				el.properties = append(el.properties, plyProperty{name: fields[4], typ: fields[3], countType: fields[2]})
			case len(fields) == 3:
				if plyTypeSize(fields[1]) == 0 {
					return 0, nil, fmt.Errorf("%w: bad property type %q", ErrMalformed, fields[1])
				}
				el.properties = append(el.properties, plyProperty{name: fields[2], typ: fields[1]})
			default:
				return 0, nil, fmt.Errorf("%w: bad property line", ErrMalformed)
			}
		case "end_header":
			if !hasFormat {
				return 0, nil, fmt.Errorf("%w: missing format", ErrMalformed)
			}
			return format, elements, nil
		case "comment", "obj_info":
		default:
			return 0, nil, fmt.Errorf("%w: unexpected header keyword %q", ErrMalformed, fields[0])
		}
	}
}

func plyTypeSize(typ string) int {
	switch typ {
	case "char", "uchar", "int8", "uint8":
		return 1
	case "short", "ushort", "int16", "uint16":
		return 2
	case "int", "uint", "float", "int32", "uint32", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

// plyReader reads one scalar of the given PLY type as float64.
type plyReader interface {
	scalar(typ string) (float64, error)
	// endRow is called after each element row.
	endRow() error
}

type plyBinaryReader struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
}

func (b *plyBinaryReader) scalar(typ string) (float64, error) {
	n := plyTypeSize(typ)
	if _, err := io.ReadFull(b.r, b.buf[:n]); err != nil {
		return 0, fmt.Errorf("%w: truncated binary body", ErrMalformed)
	}
	buf := b.buf[:n]
	switch typ {
	case "char", "int8":
		return float64(int8(buf[0])), nil
	case "uchar", "uint8":
		return float64(buf[0]), nil
	case "short", "int16":
		return float64(int16(b.order.Uint16(buf))), nil
	case "ushort", "uint16":
		return float64(b.order.Uint16(buf)), nil
	case "int", "int32":
		return float64(int32(b.order.Uint32(buf))), nil
	case "uint", "uint32":
		return float64(b.order.Uint32(buf)), nil
	case "float", "float32":
		return float64(math.Float32frombits(b.order.Uint32(buf))), nil
	default:
		return math.Float64frombits(b.order.Uint64(buf)), nil
	}
}

func (b *plyBinaryReader) endRow() error {
	return nil
}

type plyASCIIReader struct {
	r      *bufio.Reader
	fields []string
}

func (a *plyASCIIReader) scalar(string) (float64, error) {
	for len(a.fields) == 0 {
		line, err := a.r.ReadString('\n')
		if err != nil && line == "" {
			return 0, fmt.Errorf("%w: truncated ascii body", ErrMalformed)
		}
		a.fields = strings.Fields(line)
	}
	v, err := strconv.ParseFloat(a.fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrMalformed, a.fields[0])
	}
	a.fields = a.fields[1:]
	return v, nil
}

func (a *plyASCIIReader) endRow() error {
	if len(a.fields) != 0 {
		return fmt.Errorf("%w: trailing values in ascii row", ErrMalformed)
	}
	return nil
}

func readPLYVertices(p plyReader, el plyElement, m *Mesh) error {
	idx := map[string]int{}
	for i, prop := range el.properties {
		if prop.countType == "" {
			idx[prop.name] = i
		}
	}
	has := func(names ...string) bool {
		for _, n := range names {
			if _, ok := idx[n]; !ok {
				return false
			}
		}
		return true
	}
	if !has("x", "y", "z") {
		return fmt.Errorf("%w: vertex element lacks x, y, z", ErrMalformed)
	}
	hasNormal := has("nx", "ny", "nz")
	hasColor := has("red", "green", "blue")
	uName, vName := "", ""
	for _, pair := range [][2]string{{"s", "t"}, {"u", "v"}, {"texture_u", "texture_v"}} {
		if has(pair[0], pair[1]) {
			uName, vName = pair[0], pair[1]
			break
		}
	}
	colorNormalized := hasColor && strings.HasPrefix(el.properties[idx["red"]].typ, "float")

	row := make([]float64, len(el.properties))
	for range el.count {
		for i, prop := range el.properties {
			if prop.countType != "" {
				if err := skipPLYList(p, prop); err != nil {
					return err
				}
				continue
			}
			v, err := p.scalar(prop.typ)
			if err != nil {
				return err
			}
			row[i] = v
		}
		if err := p.endRow(); err != nil {
			return err
		}
		m.Positions = append(m.Positions, [3]float32{float32(row[idx["x"]]), float32(row[idx["y"]]), float32(row[idx["z"]])})
		if hasNormal {
			m.Normals = append(m.Normals, [3]float32{float32(row[idx["nx"]]), float32(row[idx["ny"]]), float32(row[idx["nz"]])})
		}
		if hasColor {
			m.Colors = append(m.Colors, [3]uint8{
				colorComponent(row[idx["red"]], colorNormalized),
				colorComponent(row[idx["green"]], colorNormalized),
				colorComponent(row[idx["blue"]], colorNormalized),
			})
		}
		if uName != "" {
			m.TexCoords = append(m.TexCoords, [2]float32{float32(row[idx[uName]]), float32(1 - row[idx[vName]])})
		}
	}
	return nil
}

func readPLYFaces(p plyReader, el plyElement) ([][]uint32, error) {
	faces := make([][]uint32, 0, min(el.count, maxPLYPrealloc))
	for range el.count {
		var face []uint32
		for _, prop := range el.properties {
			if prop.countType == "" {
				if _, err := p.scalar(prop.typ); err != nil {
					return nil, err
				}
				continue
			}
			if prop.name != "vertex_indices" && prop.name != "vertex_index" {
				if err := skipPLYList(p, prop); err != nil {
					return nil, err
				}
				continue
			}
			n, err := p.scalar(prop.countType)
			if err != nil {
				return nil, err
			}
			if n < 3 || n > 1<<16 {
				return nil, fmt.Errorf("%w: face with %v vertices", ErrMalformed, n)
			}
			face = make([]uint32, int(n))
			for i := range face {
				v, err := p.scalar(prop.typ)
				if err != nil {
					return nil, err
				}
				if v < 0 {
					return nil, fmt.Errorf("%w: negative vertex index", ErrMalformed)
				}
				face[i] = uint32(v)
			}
		}
		if err := p.endRow(); err != nil {
			return nil, err
		}
		if face == nil {
			return nil, fmt.Errorf("%w: face element lacks vertex indices", ErrMalformed)
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func skipPLYList(p plyReader, prop plyProperty) error {
	n, err := p.scalar(prop.countType)
	if err != nil {
		return err
	}
	if n < 0 || n > maxPLYElements {
		return fmt.Errorf("%w: bad list length", ErrMalformed)
	}
	for range int(n) {
		if _, err := p.scalar(prop.typ); err != nil {
			return err
		}
	}
	return nil
}

func skipPLYElement(p plyReader, el plyElement) error {
	for range el.count {
		for _, prop := range el.properties {
			if prop.countType != "" {
				if err := skipPLYList(p, prop); err != nil {
					return err
				}
				continue
			}
			if _, err := p.scalar(prop.typ); err != nil {
				return err
			}
		}
		if err := p.endRow(); err != nil {
			return err
		}
	}
	return nil
}
