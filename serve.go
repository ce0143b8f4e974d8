package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/archivision/archivision/pkg/api"
	"github.com/archivision/archivision/pkg/config"
	"github.com/archivision/archivision/pkg/middleware"
	"github.com/archivision/archivision/pkg/system"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.cfg)
		},
	}
}

// newServer wires the API behind CORS into an http.Server.
func newServer(cfg *config.Config) (*http.Server, error) {
	a, err := newApp(cfg, true)
	if err != nil {
		return nil, err
	}
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		log.Info("Metrics endpoint enabled at /metrics")
	} else {
		log.Info("Metrics endpoint disabled")
	}
	if cfg.Server.RateLimit > 0 {
		log.Infof("Limiting render and mesh requests to %g/s (burst %d)", cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	if err := a.reconstructor.CheckInstalled(); err != nil {
		log.Warnf("Mesh reconstructor unavailable, /api/mesh will fail until it is installed: %v", err)
	}

	handler := api.NewHandler(log.WithFields(logrus.Fields{"component": "api"}), api.Options{
		Layout:        a.layout,
		Renderer:      a.renderer,
		Reconstructor: a.reconstructor,
		Backend:       a.backend,
		System:        system.Probe(log.WithFields(logrus.Fields{"component": "system"})),
		Metrics:       a.metrics,
		MaxUploadSize: maxUpload,
		MaxImages:     cfg.Diffusion.MaxImages,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	})
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           middleware.CorsMiddleware(cfg.Server.AllowedOrigins, handler),
		ReadHeaderTimeout: 30 * time.Second,
	}, nil
}

// runServe serves the API until ctx is cancelled, then shuts the server down
// gracefully.
func runServe(ctx context.Context, cfg *config.Config) error {
	server, err := newServer(cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return err
	}
	return serve(ctx, server, ln, cfg.Server.ShutdownTimeout)
}

func serve(ctx context.Context, server *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Listening on %s", ln.Addr())
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infoln("Shutting down the server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	log.Infoln("ArchiVision stopped")
	return err
}
