// Package diffusion defines the contract for ControlNet-conditioned diffusion
// backends and the shared handle through which ArchiVision uses them.
package diffusion

import (
	"context"
	"errors"
	"image"
)

const (
	// InferenceSteps is the fixed number of denoising steps per generation.
	InferenceSteps = 35
	// DefaultBaseModel is the base checkpoint loaded when none is configured.
	DefaultBaseModel = "runwayml/stable-diffusion-v1-5"
)

// DefaultControlModels are the ControlNet models tried in order. The first one
// the backend provides is used.
var DefaultControlModels = []string{
	"control_v11p_sd15_lineart",
	"control_v11p_sd15_canny",
}

var (
	// ErrNoControlModel indicates that none of the requested ControlNet models
	// are available on the backend.
	ErrNoControlModel = errors.New("no requested control model is available")
	// ErrInvalidRequest indicates a malformed GenerateRequest.
	ErrInvalidRequest = errors.New("invalid generate request")
)

// GenerateRequest describes a single batched sampling call. Prompts,
// NegativePrompts and Conditioning are parallel slices; element i of each
// describes output image i.
type GenerateRequest struct {
	// Prompts are the positive text prompts.
	Prompts []string
	// NegativePrompts are the negative text prompts.
	NegativePrompts []string
	// Conditioning are the ControlNet conditioning images.
	Conditioning []image.Image
	// Steps is the number of denoising steps.
	Steps int
	// GuidanceScale is the classifier-free guidance scale.
	GuidanceScale float64
	// ConditioningScale is the ControlNet conditioning weight.
	ConditioningScale float64
	// Generator is the shared random source. Backends draw from it and must not
	// reseed it.
	Generator *Generator
}

// BatchSize returns the number of images the request asks for.
func (r *GenerateRequest) BatchSize() int {
	return len(r.Prompts)
}

// Validate checks that the parallel slices agree and that a generator is
// present.
func (r *GenerateRequest) Validate() error {
	n := len(r.Prompts)
	switch {
	case n == 0:
		return errors.Join(ErrInvalidRequest, errors.New("empty batch"))
	case len(r.NegativePrompts) != n || len(r.Conditioning) != n:
		return errors.Join(ErrInvalidRequest, errors.New("prompts, negative prompts and conditioning differ in length"))
	case r.Generator == nil:
		return errors.Join(ErrInvalidRequest, errors.New("missing generator"))
	case r.Steps <= 0:
		return errors.Join(ErrInvalidRequest, errors.New("non-positive step count"))
	}
	return nil
}

// Pipeline is a loaded ControlNet pipeline.
type Pipeline interface {
	// Generate samples one image per prompt. Implementations return exactly
	// BatchSize() images on success.
	Generate(ctx context.Context, req *GenerateRequest) ([]image.Image, error)
}

// Loader loads ControlNet pipelines.
type Loader interface {
	// LoadControlNetPipeline loads baseModel with the first of controlModels
	// that the backend provides. It returns ErrNoControlModel if none are
	// available.
	LoadControlNetPipeline(ctx context.Context, baseModel string, controlModels ...string) (Pipeline, error)
}

// ControlModelNamer is optionally implemented by pipelines that can report the
// control model they were loaded with.
type ControlModelNamer interface {
	ControlModel() string
}
