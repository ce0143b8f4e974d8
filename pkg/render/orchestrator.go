// Package render drives batched, edge-conditioned generation: one
// conditioning image per input, N variants per conditioning image, written in
// (input, variant) order.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"slices"
	"time"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/diffusion"
	"github.com/archivision/archivision/pkg/imageutil"
	"github.com/archivision/archivision/pkg/logging"
	"github.com/archivision/archivision/pkg/metrics"
	"github.com/containerd/errdefs"
)

// BackendError reports a generation backend failure while processing the
// Input'th input. It classifies as errdefs.ErrUnavailable.
type BackendError struct {
	Input int
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("generation backend failed on input %d: %v", e.Input, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{e.Err, errdefs.ErrUnavailable}
}

// Options configures an Orchestrator.
type Options struct {
	// MaxSide is the longest input edge after resizing.
	MaxSide int
	// MaxImages caps Config.NumImages.
	MaxImages int
	// Metrics records batch outcomes. It may be nil.
	Metrics *metrics.Recorder
}

// Result is the outcome of a successful batch.
type Result struct {
	// Paths are the written renders in (input, variant) order.
	Paths []string
	// Seed is the effective generator seed.
	Seed int64
}

// Orchestrator runs render batches.
type Orchestrator struct {
	// log is the associated logger.
	log logging.Logger
	// pipeline is the generation backend.
	pipeline diffusion.Pipeline
	// selector derives conditioning images.
	selector *conditioning.Selector
	// maxSide is the resize cap.
	maxSide int
	// maxImages caps variants per input.
	maxImages int
	// metrics records outcomes.
	metrics *metrics.Recorder
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(log logging.Logger, pipeline diffusion.Pipeline, selector *conditioning.Selector, opts Options) *Orchestrator {
	if opts.MaxSide <= 0 {
		opts.MaxSide = imageutil.DefaultMaxSide
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = DefaultMaxImages
	}
	return &Orchestrator{
		log:       log,
		pipeline:  pipeline,
		selector:  selector,
		maxSide:   opts.MaxSide,
		maxImages: opts.MaxImages,
		metrics:   opts.Metrics,
	}
}

// OutputName returns the file name of the variant'th render of the input'th
// input.
func OutputName(input, variant int) string {
	return fmt.Sprintf("render_%d_%d.png", input, variant)
}

// RenderBatch renders cfg.NumImages variants of each input into outDir. A
// single generator is shared across the whole batch and is never reseeded
// between inputs. Any failure fails the whole batch and no paths are
// returned, although files written for earlier inputs are left in place.
func (o *Orchestrator) RenderBatch(ctx context.Context, inputs []string, cfg Config, outDir string) (result *Result, err error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no input images", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(o.maxImages); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		images := 0
		if result != nil {
			images = len(result.Paths)
		}
		o.metrics.ObserveRender(err, images, time.Since(start))
	}()

	generator := diffusion.NewGenerator(cfg.Seed)
	if cfg.Seed == nil {
		o.log.Infof("No seed supplied, using random seed %d", generator.Seed())
	}

	paths := make([]string, 0, len(inputs)*cfg.NumImages)
	for i, input := range inputs {
		written, err := o.renderInput(ctx, i, input, cfg, generator, outDir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, written...)
	}

	o.log.Infof("Rendered %d images from %d inputs into %s", len(paths), len(inputs), outDir)
	return &Result{Paths: paths, Seed: generator.Seed()}, nil
}

func (o *Orchestrator) renderInput(ctx context.Context, index int, input string, cfg Config, generator *diffusion.Generator, outDir string) ([]string, error) {
	img, err := imageutil.Load(input)
	if err != nil {
		return nil, fmt.Errorf("input %d: %w: %w", index, errdefs.ErrInvalidArgument, err)
	}
	resized := imageutil.FitWithin(img, o.maxSide)

	cond, err := o.selector.Select(ctx, resized, cfg.Mode)
	if err != nil {
		if conditioning.IsInvalidConfiguration(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		return nil, &BackendError{Input: index, Err: err}
	}

	req := &diffusion.GenerateRequest{
		Prompts:           slices.Repeat([]string{cfg.Prompt}, cfg.NumImages),
		NegativePrompts:   slices.Repeat([]string{cfg.NegativePrompt}, cfg.NumImages),
		Conditioning:      slices.Repeat([]image.Image{cond}, cfg.NumImages),
		Steps:             diffusion.InferenceSteps,
		GuidanceScale:     cfg.GuidanceScale,
		ConditioningScale: cfg.ControlWeight,
		Generator:         generator,
	}
	o.log.Debugf("Generating %d variants for input %d (%s)", cfg.NumImages, index, logging.SanitizeForLog(filepath.Base(input)))
	images, err := o.pipeline.Generate(ctx, req)
	if err != nil {
		return nil, &BackendError{Input: index, Err: err}
	}
	if len(images) < cfg.NumImages {
		return nil, &BackendError{Input: index, Err: fmt.Errorf("backend returned %d images, expected %d", len(images), cfg.NumImages)}
	}

	written := make([]string, 0, cfg.NumImages)
	for j, out := range images[:cfg.NumImages] {
		dst := filepath.Join(outDir, OutputName(index, j))
		if err := imageutil.SavePNG(dst, out); err != nil {
			return nil, err
		}
		written = append(written, dst)
	}
	return written, nil
}

// IsBackendError reports whether err is a generation backend failure.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
