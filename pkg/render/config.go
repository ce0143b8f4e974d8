package render

import (
	"errors"
	"fmt"
	"math"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/containerd/errdefs"
)

const (
	// DefaultPrompt is the prompt used when a request does not supply one.
	DefaultPrompt = "photorealistic exterior render, global illumination, ultra-detailed, 8k, award-winning architecture visualization"
	// DefaultNegativePrompt is the negative prompt used when a request does not
	// supply one.
	DefaultNegativePrompt = "people, text, logo, watermark"
	// DefaultNumImages is the number of variants per input.
	DefaultNumImages = 4
	// DefaultGuidanceScale is the classifier-free guidance scale.
	DefaultGuidanceScale = 7.5
	// DefaultControlWeight is the ControlNet conditioning weight.
	DefaultControlWeight = 1.0
	// DefaultMaxImages caps NumImages.
	DefaultMaxImages = 8
)

// ErrInvalidConfiguration indicates a render configuration that is rejected
// before any compute runs.
var ErrInvalidConfiguration = fmt.Errorf("invalid render configuration: %w", errdefs.ErrInvalidArgument)

// Config holds the per-request render parameters.
type Config struct {
	Prompt         string
	NegativePrompt string
	NumImages      int
	GuidanceScale  float64
	ControlWeight  float64
	Mode           conditioning.Mode
	// Seed seeds the shared generator. If nil, a random seed is drawn and
	// reported in the result.
	Seed *int64
}

// DefaultConfig returns the configuration applied to a request with no
// overrides.
func DefaultConfig() Config {
	return Config{
		Prompt:         DefaultPrompt,
		NegativePrompt: DefaultNegativePrompt,
		NumImages:      DefaultNumImages,
		GuidanceScale:  DefaultGuidanceScale,
		ControlWeight:  DefaultControlWeight,
		Mode:           conditioning.ModeLineArt,
	}
}

// Validate checks the configuration. maxImages bounds NumImages; values below
// 1 fall back to DefaultMaxImages.
func (c Config) Validate(maxImages int) error {
	if maxImages < 1 {
		maxImages = DefaultMaxImages
	}
	var errs []error
	if c.NumImages < 1 || c.NumImages > maxImages {
		errs = append(errs, fmt.Errorf("num_images must be between 1 and %d, got %d", maxImages, c.NumImages))
	}
	if math.IsNaN(c.GuidanceScale) || math.IsInf(c.GuidanceScale, 0) || c.GuidanceScale <= 0 {
		errs = append(errs, fmt.Errorf("guidance_scale must be a positive number, got %v", c.GuidanceScale))
	}
	if math.IsNaN(c.ControlWeight) || math.IsInf(c.ControlWeight, 0) || c.ControlWeight < 0 {
		errs = append(errs, fmt.Errorf("control_weight must be a non-negative number, got %v", c.ControlWeight))
	}
	if err := c.Mode.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}
