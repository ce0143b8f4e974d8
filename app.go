package main

import (
	"fmt"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/config"
	"github.com/archivision/archivision/pkg/diffusion"
	"github.com/archivision/archivision/pkg/diffusion/webui"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/archivision/archivision/pkg/metrics"
	"github.com/archivision/archivision/pkg/outputs"
	"github.com/archivision/archivision/pkg/render"
	"github.com/sirupsen/logrus"
)

// app holds the wired components.
type app struct {
	layout        *outputs.Layout
	metrics       *metrics.Recorder
	backend       *diffusion.Service
	renderer      *render.Orchestrator
	reconstructor *mesh.Orchestrator
}

// newApp wires the components described by cfg. Metrics are only collected
// when withMetrics is set and the configuration does not disable them.
func newApp(cfg *config.Config, withMetrics bool) (*app, error) {
	layout, err := outputs.NewLayout(cfg.Server.OutputsDir)
	if err != nil {
		return nil, err
	}

	var recorder *metrics.Recorder
	if withMetrics && !cfg.Server.DisableMetrics {
		recorder = metrics.NewRecorder()
	}

	client := webui.New(log.WithFields(logrus.Fields{"component": webui.Name}), webui.Options{
		BaseURL:       cfg.Diffusion.BaseURL,
		Sampler:       cfg.Diffusion.Sampler,
		LineArtModule: cfg.Diffusion.LineArtModule,
		Timeout:       cfg.Diffusion.Timeout,
	})
	backend := diffusion.NewService(log.WithFields(logrus.Fields{"component": "diffusion"}), client, diffusion.Config{
		BaseModel:     cfg.Diffusion.BaseModel,
		ControlModels: cfg.Diffusion.ControlModels,
		Concurrency:   cfg.Diffusion.Concurrency,
	})
	renderer := render.NewOrchestrator(
		log.WithFields(logrus.Fields{"component": "render"}),
		backend,
		conditioning.NewSelector(backend),
		render.Options{
			MaxSide:   cfg.Diffusion.MaxSide,
			MaxImages: cfg.Diffusion.MaxImages,
			Metrics:   recorder,
		},
	)

	command, err := cfg.ReconstructorCommand()
	if err != nil {
		return nil, err
	}
	extraArgs, err := cfg.ReconstructorArgs()
	if err != nil {
		return nil, err
	}
	if len(extraArgs) > 0 {
		log.Infof("Using custom reconstructor arguments: %v", extraArgs)
	}
	tailSize, err := cfg.OutputTailBytes()
	if err != nil {
		return nil, err
	}
	reconstructor, err := mesh.NewOrchestrator(
		log.WithFields(logrus.Fields{"component": "mesh"}),
		log.WithFields(logrus.Fields{"component": "reconstructor"}),
		mesh.Options{
			Dir:       cfg.Reconstructor.Dir,
			Command:   command,
			ExtraArgs: extraArgs,
			Timeout:   cfg.Reconstructor.Timeout,
			TailSize:  tailSize,
			Metrics:   recorder,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize reconstructor: %w", err)
	}

	return &app{
		layout:        layout,
		metrics:       recorder,
		backend:       backend,
		renderer:      renderer,
		reconstructor: reconstructor,
	}, nil
}
