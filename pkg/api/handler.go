package api

import (
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/archivision/archivision/pkg/logging"
	"github.com/archivision/archivision/pkg/metrics"
	"github.com/archivision/archivision/pkg/outputs"
	"github.com/archivision/archivision/pkg/routing"
	"github.com/archivision/archivision/pkg/system"
	"github.com/containerd/errdefs"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxUploadSize bounds a request body when Options.MaxUploadSize is
	// unset.
	DefaultMaxUploadSize = 64 << 20
	// multipartMemory is how much of a multipart body is buffered in memory
	// before spilling to temporary files.
	multipartMemory = 32 << 20
)

// Options configures a Handler.
type Options struct {
	// Layout allocates batch directories and serves their files.
	Layout *outputs.Layout
	// Renderer runs POST /api/render.
	Renderer Renderer
	// Reconstructor runs POST /api/mesh.
	Reconstructor Reconstructor
	// Backend is reported by GET /api/status.
	Backend Backend
	// System is reported by GET /api/status. It may be nil.
	System *system.Info
	// Metrics instruments the routes and serves /metrics. It may be nil.
	Metrics *metrics.Recorder
	// MaxUploadSize bounds a request body in bytes.
	MaxUploadSize int64
	// MaxImages caps num_images.
	MaxImages int
	// RateLimit is the sustained rate of render and mesh requests per
	// second. Zero disables limiting.
	RateLimit float64
	// RateBurst is the number of requests admitted above RateLimit.
	RateBurst int
}

// Handler serves the ArchiVision HTTP API.
type Handler struct {
	// log is the associated logger.
	log logging.Logger
	// layout allocates batches.
	layout *outputs.Layout
	// renderer runs render batches.
	renderer Renderer
	// reconstructor runs mesh builds.
	reconstructor Reconstructor
	// backend reports generation backend state.
	backend Backend
	// system describes the host.
	system *system.Info
	// maxUploadSize bounds request bodies.
	maxUploadSize int64
	// maxImages caps num_images.
	maxImages int
	// limiter admits render and mesh requests, or nil if unlimited.
	limiter *rate.Limiter
	// router is the HTTP request router.
	router *routing.NormalizedServeMux
}

// NewHandler creates a new API handler and registers its routes.
func NewHandler(log logging.Logger, opts Options) *Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	h := &Handler{
		log:           log,
		layout:        opts.Layout,
		renderer:      opts.Renderer,
		reconstructor: opts.Reconstructor,
		backend:       opts.Backend,
		system:        opts.System,
		maxUploadSize: opts.MaxUploadSize,
		maxImages:     opts.MaxImages,
		limiter:       newLimiter(opts.RateLimit, opts.RateBurst),
		router:        routing.NewNormalizedServeMux(),
	}

	m := opts.Metrics
	h.router.Handle("/", m.Instrument("other", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(h.log, w, fmt.Errorf("%w: %s %s", errdefs.ErrNotFound, r.Method, r.URL.Path))
	})))
	h.router.Handle("GET /api/health", m.Instrument("health", http.HandlerFunc(h.handleHealth)))
	h.router.Handle("GET /api/status", m.Instrument("status", http.HandlerFunc(h.handleStatus)))
	h.router.Handle("POST /api/render", m.Instrument("render", h.limited(h.handleRender)))
	h.router.Handle("POST /api/mesh", m.Instrument("mesh", h.limited(h.handleMesh)))
	h.router.Handle("GET /api/batches/{id}", m.Instrument("batch", http.HandlerFunc(h.handleBatch)))
	h.router.Handle("GET "+outputs.URLPrefix, m.Instrument("outputs", h.layout.FileServer()))
	if m != nil {
		h.router.Handle("GET /metrics", m.Handler())
	}
	return h
}

// ServeHTTP implement net/http.Handler.ServeHTTP.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// handleHealth handles GET /api/health requests.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.log, w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus handles GET /api/status requests.
func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Backend: BackendStatus{
			Status:        h.backend.Status(),
			ControlModel:  h.backend.ControlModel(),
			PreferredMode: h.backend.PreferredMode(),
			Concurrency:   h.backend.Concurrency(),
		},
		Reconstructor: ReconstructorStatus{Status: h.reconstructor.Status()},
	}
	if h.system != nil {
		resp.System = &SystemStatus{Info: *h.system, RAM: h.system.RAM()}
	}
	writeJSON(h.log, w, http.StatusOK, resp)
}

// handleBatch handles GET /api/batches/{id} requests by returning the batch
// manifest.
func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.layout.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	manifest, err := outputs.ReadManifest(batch)
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: batch %s has no manifest", errdefs.ErrNotFound, batch.ID)
	}
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, manifest)
}

// parseMultipart reads a bounded multipart body. The caller must call
// r.MultipartForm.RemoveAll once the uploads have been consumed.
func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes: %w", h.maxUploadSize, err)
		}
		return fmt.Errorf("%w: malformed multipart form: %w", errdefs.ErrInvalidArgument, err)
	}
	return nil
}

func saveUpload(batch *outputs.Batch, name string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("opening upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	path, err := outputs.SaveUpload(batch, name, f)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", filepath.Base(fh.Filename), err)
	}
	return path, nil
}

// handleRender handles POST /api/render requests.
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		writeError(h.log, w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(h.log, w, fmt.Errorf("%w: no files uploaded", errdefs.ErrInvalidArgument))
		return
	}
	cfg, err := renderConfig(r)
	if err == nil {
		err = cfg.Validate(h.maxImages)
	}
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	batch, err := h.layout.Allocate()
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	log := h.log.WithField("batch", batch.ID)
	log.Infof("Render requested: %d inputs, %d variants, mode %s, prompt %q",
		len(files), cfg.NumImages, cfg.Mode, logging.SanitizeForLog(cfg.Prompt))

	inputs := make([]string, 0, len(files))
	for i, fh := range files {
		path, err := saveUpload(batch, outputs.RenderUploadName(i, fh.Filename), fh)
		if err != nil {
			writeError(h.log, w, err)
			return
		}
		inputs = append(inputs, path)
	}

	result, err := h.renderer.RenderBatch(r.Context(), inputs, cfg, batch.Dir)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	seed := result.Seed
	if _, err := outputs.WriteManifest(batch, outputs.KindRender, &seed, result.Paths); err != nil {
		log.Warnf("Could not write manifest: %v", err)
	}

	images := make([]string, 0, len(result.Paths))
	for _, p := range result.Paths {
		url, err := h.layout.PublicURL(batch, p)
		if err != nil {
			writeError(h.log, w, err)
			return
		}
		images = append(images, url)
	}
	writeJSON(h.log, w, http.StatusOK, RenderResponse{
		BatchID: batch.ID,
		Images:  images,
		OutDir:  h.layout.BatchURL(batch),
	})
}

// handleMesh handles POST /api/mesh requests.
func (h *Handler) handleMesh(w http.ResponseWriter, r *http.Request) {
	if err := h.reconstructor.CheckInstalled(); err != nil {
		writeError(h.log, w, err)
		return
	}
	if err := h.parseMultipart(w, r); err != nil {
		writeError(h.log, w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(h.log, w, fmt.Errorf("%w: no file uploaded", errdefs.ErrInvalidArgument))
		return
	}
	req, err := meshRequest(r)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	batch, err := h.layout.Allocate()
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	log := h.log.WithField("batch", batch.ID)

	req.Input, err = saveUpload(batch, outputs.MeshUploadName(files[0].Filename), files[0])
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	log.Infof("Mesh requested: bake_texture=%t texture_resolution=%d", req.BakeTexture, req.TextureResolution)

	result, err := h.reconstructor.Build(r.Context(), req, batch.Dir)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	if _, err := outputs.WriteManifest(batch, outputs.KindMesh, nil, result.Artifacts.Paths()); err != nil {
		log.Warnf("Could not write manifest: %v", err)
	}

	assets := make(map[string]string, len(result.Artifacts))
	for kind, p := range result.Artifacts {
		url, err := h.layout.PublicURL(batch, p)
		if err != nil {
			writeError(h.log, w, err)
			return
		}
		assets[string(kind)] = url
	}
	writeJSON(h.log, w, http.StatusOK, MeshResponse{
		BatchID:    batch.ID,
		Assets:     assets,
		OutDir:     h.layout.BatchURL(batch),
		Conversion: result.Conversion.Status,
	})
}
