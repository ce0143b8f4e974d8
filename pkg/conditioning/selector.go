// Package conditioning derives the conditioning images that steer
// ControlNet generation from raw input sketches.
package conditioning

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const (
	// CannyLowThreshold is the fixed lower hysteresis threshold, on a 0-255
	// gradient scale.
	CannyLowThreshold = 50
	// CannyHighThreshold is the fixed upper hysteresis threshold.
	CannyHighThreshold = 150
)

// LineArtDetector runs a line-extraction model over an image.
type LineArtDetector interface {
	// LineArt returns a sketch-like edge map of img.
	LineArt(ctx context.Context, img image.Image) (image.Image, error)
}

// Selector produces conditioning images for a requested mode.
type Selector struct {
	// lineArt is the line-art model collaborator. It may be nil, in which case
	// ModeLineArt fails with ErrDetectorUnavailable.
	lineArt LineArtDetector
}

// NewSelector creates a new selector.
func NewSelector(lineArt LineArtDetector) *Selector {
	return &Selector{lineArt: lineArt}
}

// Select derives the conditioning image for img. The mode is validated before
// any model runs. img is never mutated: detectors only ever see a private
// copy, and ModeNone returns img itself.
func (s *Selector) Select(ctx context.Context, img image.Image, mode Mode) (image.Image, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	switch mode {
	case ModeLineArt:
		if s.lineArt == nil {
			return nil, ErrDetectorUnavailable
		}
		cond, err := s.lineArt.LineArt(ctx, imaging.Clone(img))
		if err != nil {
			return nil, fmt.Errorf("line-art extraction: %w", err)
		}
		return cond, nil
	case ModeCanny:
		return Canny(img, CannyLowThreshold, CannyHighThreshold), nil
	default:
		return img, nil
	}
}
