package geometry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// Load reads an OBJ or PLY file, chosen by extension.
func Load(path string) (*Mesh, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".obj":
		return LoadOBJ(path)
	case ".ply":
		return LoadPLY(path)
	}
	return nil, fmt.Errorf("unsupported mesh format %q", filepath.Ext(path))
}

// Document builds a glTF document holding m as the only mesh of a one-node
// scene. If texture is non-empty and the mesh has texture coordinates, the PNG
// at that path is embedded as the base color map.
func Document(m *Mesh, name, texture string) (*gltf.Document, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	doc := gltf.NewDocument()
	attrs := map[string]int{
		gltf.POSITION: modeler.WritePosition(doc, m.Positions),
	}
	if len(m.Normals) > 0 {
		attrs[gltf.NORMAL] = modeler.WriteNormal(doc, m.Normals)
	}
	if len(m.TexCoords) > 0 {
		attrs[gltf.TEXCOORD_0] = modeler.WriteTextureCoord(doc, m.TexCoords)
	}
	if len(m.Colors) > 0 {
		attrs[gltf.COLOR_0] = modeler.WriteColor(doc, m.Colors)
	}
	primitive := &gltf.Primitive{
		Indices:    gltf.Index(modeler.WriteIndices(doc, m.Indices)),
		Attributes: attrs,
	}

	if texture != "" && m.HasTexCoords() {
		material, err := texturedMaterial(doc, texture)
		if err != nil {
			return nil, err
		}
		primitive.Material = gltf.Index(material)
	}

	doc.Meshes = append(doc.Meshes, &gltf.Mesh{Name: name, Primitives: []*gltf.Primitive{primitive}})
	doc.Nodes = append(doc.Nodes, &gltf.Node{Name: name, Mesh: gltf.Index(len(doc.Meshes) - 1)})
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, len(doc.Nodes)-1)
	return doc, nil
}

func texturedMaterial(doc *gltf.Document, texture string) (int, error) {
	data, err := os.ReadFile(texture)
	if err != nil {
		return 0, fmt.Errorf("reading texture: %w", err)
	}
	img, err := modeler.WriteImage(doc, filepath.Base(texture), "image/png", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("embedding texture: %w", err)
	}
	doc.Samplers = append(doc.Samplers, &gltf.Sampler{
		MagFilter: gltf.MagLinear,
		MinFilter: gltf.MinLinearMipMapLinear,
		WrapS:     gltf.WrapRepeat,
		WrapT:     gltf.WrapRepeat,
	})
	doc.Textures = append(doc.Textures, &gltf.Texture{
		Sampler: gltf.Index(len(doc.Samplers) - 1),
		Source:  gltf.Index(img),
	})
	doc.Materials = append(doc.Materials, &gltf.Material{
		Name: "baked",
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorTexture: &gltf.TextureInfo{Index: len(doc.Textures) - 1},
			MetallicFactor:   gltf.Float(0),
			RoughnessFactor:  gltf.Float(1),
		},
	})
	return len(doc.Materials) - 1, nil
}

// WriteGLB loads the mesh at meshPath and writes it, with texture embedded
// when applicable, as binary glTF to dst.
func WriteGLB(meshPath, texture, dst string) error {
	m, err := Load(meshPath)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(meshPath), filepath.Ext(meshPath))
	doc, err := Document(m, name, texture)
	if err != nil {
		return err
	}
	if err := gltf.SaveBinary(doc, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
