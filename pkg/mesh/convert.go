package mesh

import (
	"path/filepath"

	"github.com/archivision/archivision/pkg/mesh/geometry"
)

// ConversionStatus is the outcome of the GLB conversion step.
type ConversionStatus string

const (
	// ConversionNotAttempted means no OBJ or PLY was found.
	ConversionNotAttempted ConversionStatus = "not_attempted"
	// ConversionFailed means a mesh was found but could not be converted.
	ConversionFailed ConversionStatus = "failed"
	// ConversionSucceeded means model.glb was written.
	ConversionSucceeded ConversionStatus = "succeeded"
)

// Conversion records the outcome of a GLB conversion. A failed conversion is
// informational and never fails a build.
type Conversion struct {
	Status ConversionStatus
	// Source is the mesh file that was converted.
	Source string
	// Path is the written GLB, set only on success.
	Path string
	// Err is the conversion error, set only on failure.
	Err error
}

// Convert converts the discovered OBJ (or, failing that, PLY) to
// <outDir>/model.glb, embedding the discovered texture when the mesh has
// texture coordinates.
func Convert(artifacts ArtifactSet, outDir string) Conversion {
	src, ok := artifacts[ArtifactOBJ]
	if !ok {
		src, ok = artifacts[ArtifactPLY]
	}
	if !ok {
		return Conversion{Status: ConversionNotAttempted}
	}

	dst := filepath.Join(outDir, GLBName)
	if err := geometry.WriteGLB(src, artifacts[ArtifactTexture], dst); err != nil {
		return Conversion{Status: ConversionFailed, Source: src, Err: err}
	}
	return Conversion{Status: ConversionSucceeded, Source: src, Path: dst}
}
