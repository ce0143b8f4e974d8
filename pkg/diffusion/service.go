package diffusion

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/logging"
	"golang.org/x/sync/semaphore"
)

// Config configures a Service.
type Config struct {
	// BaseModel is the base checkpoint identifier.
	BaseModel string
	// ControlModels are the ControlNet models to try, in order of preference.
	ControlModels []string
	// Concurrency is the number of Generate calls allowed to run at once.
	// Values below 1 are treated as 1.
	Concurrency int64
}

// Service is the shared handle to the generation backend. The pipeline is
// loaded lazily on first use; a failed load is retried on the next call.
// Generate calls are admitted through a weighted semaphore sized by
// Config.Concurrency, so with the default of 1 the backend only ever sees one
// sampling call at a time. Service is safe for concurrent use.
type Service struct {
	// log is the associated logger.
	log logging.Logger
	// loader loads the pipeline.
	loader Loader
	// config is the service configuration.
	config Config
	// sem admits Generate calls.
	sem *semaphore.Weighted
	// mu guards the fields below.
	mu sync.Mutex
	// pipeline is the loaded pipeline, or nil if not yet loaded.
	pipeline Pipeline
	// lastErr is the most recent load error, cleared on a successful load.
	lastErr error
}

// NewService creates a new service. Nothing is loaded until the first call.
func NewService(log logging.Logger, loader Loader, config Config) *Service {
	if config.BaseModel == "" {
		config.BaseModel = DefaultBaseModel
	}
	if len(config.ControlModels) == 0 {
		config.ControlModels = DefaultControlModels
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Service{
		log:    log,
		loader: loader,
		config: config,
		sem:    semaphore.NewWeighted(config.Concurrency),
	}
}

// Concurrency returns the number of Generate calls admitted at once.
func (s *Service) Concurrency() int64 {
	return s.config.Concurrency
}

// Pipeline returns the loaded pipeline, loading it first if necessary.
func (s *Service) Pipeline(ctx context.Context) (Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil {
		return s.pipeline, nil
	}

	s.log.Infof("Loading pipeline %s with control models %s",
		s.config.BaseModel, strings.Join(s.config.ControlModels, ", "))
	p, err := s.loader.LoadControlNetPipeline(ctx, s.config.BaseModel, s.config.ControlModels...)
	if err != nil {
		s.lastErr = err
		s.log.Warnf("Pipeline load failed: %v", err)
		return nil, fmt.Errorf("loading pipeline %s: %w", s.config.BaseModel, err)
	}
	s.pipeline = p
	s.lastErr = nil
	if named, ok := p.(ControlModelNamer); ok {
		s.log.Infof("Pipeline loaded with control model %s", named.ControlModel())
	}
	return p, nil
}

// Generate implements Pipeline.Generate, loading the pipeline on first use.
func (s *Service) Generate(ctx context.Context, req *GenerateRequest) ([]image.Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	p, err := s.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	images, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(images) < req.BatchSize() {
		return nil, fmt.Errorf("backend returned %d images, expected %d", len(images), req.BatchSize())
	}
	return images[:req.BatchSize()], nil
}

// LineArt implements conditioning.LineArtDetector.LineArt when the loader can
// detect line art. Detection runs on the generation backend, so it is
// admitted through the same semaphore as Generate.
func (s *Service) LineArt(ctx context.Context, img image.Image) (image.Image, error) {
	detector, ok := s.loader.(conditioning.LineArtDetector)
	if !ok {
		return nil, conditioning.ErrDetectorUnavailable
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return detector.LineArt(ctx, img)
}

// ControlModel returns the loaded control model, or "" if the pipeline is not
// loaded or does not report one.
func (s *Service) ControlModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if named, ok := s.pipeline.(ControlModelNamer); ok {
		return named.ControlModel()
	}
	return ""
}

// PreferredMode returns the conditioning mode that matches the loaded control
// model. Before the pipeline loads, it returns ModeLineArt.
func (s *Service) PreferredMode() conditioning.Mode {
	if strings.Contains(strings.ToLower(s.ControlModel()), "canny") {
		return conditioning.ModeCanny
	}
	return conditioning.ModeLineArt
}

// Status returns a description of the service's state.
func (s *Service) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pipeline != nil:
		if named, ok := s.pipeline.(ControlModelNamer); ok {
			return fmt.Sprintf("loaded %s with %s", s.config.BaseModel, named.ControlModel())
		}
		return "loaded " + s.config.BaseModel
	case s.lastErr != nil:
		return "load failed: " + s.lastErr.Error()
	default:
		return "not loaded"
	}
}
