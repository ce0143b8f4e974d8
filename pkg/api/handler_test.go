package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/logging"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/archivision/archivision/pkg/metrics"
	"github.com/archivision/archivision/pkg/outputs"
	"github.com/archivision/archivision/pkg/render"
	"github.com/archivision/archivision/pkg/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	calls  int
	inputs []string
	cfg    render.Config
	err    error
}

func (f *fakeRenderer) RenderBatch(_ context.Context, inputs []string, cfg render.Config, outDir string) (*render.Result, error) {
	f.calls++
	f.inputs = inputs
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	var paths []string
	for i := range inputs {
		for j := range cfg.NumImages {
			p := filepath.Join(outDir, render.OutputName(i, j))
			if err := os.WriteFile(p, []byte("png"), 0o644); err != nil {
				return nil, err
			}
			paths = append(paths, p)
		}
	}
	seed := int64(1234)
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	return &render.Result{Paths: paths, Seed: seed}, nil
}

type fakeReconstructor struct {
	calls      int
	req        mesh.Request
	installErr error
	err        error
}

func (f *fakeReconstructor) Build(_ context.Context, req mesh.Request, outDir string) (*mesh.Result, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	obj := filepath.Join(outDir, "0", "mesh.obj")
	if err := os.MkdirAll(filepath.Dir(obj), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(obj, []byte("v 0 0 0\n"), 0o644); err != nil {
		return nil, err
	}
	glb := filepath.Join(outDir, mesh.GLBName)
	if err := os.WriteFile(glb, []byte("glTF"), 0o644); err != nil {
		return nil, err
	}
	return &mesh.Result{
		Artifacts:  mesh.ArtifactSet{mesh.ArtifactOBJ: obj, mesh.ArtifactGLB: glb},
		Conversion: mesh.Conversion{Status: mesh.ConversionSucceeded, Source: obj, Path: glb},
	}, nil
}

func (f *fakeReconstructor) CheckInstalled() error {
	return f.installErr
}

func (f *fakeReconstructor) Status() string {
	if f.installErr != nil {
		return "not installed"
	}
	return "installed at /opt/TripoSR"
}

type fakeBackend struct{}

func (fakeBackend) Status() string                   { return "loaded base with control_v11p_sd15_canny" }
func (fakeBackend) ControlModel() string             { return "control_v11p_sd15_canny" }
func (fakeBackend) PreferredMode() conditioning.Mode { return conditioning.ModeCanny }
func (fakeBackend) Concurrency() int64               { return 1 }

type fixture struct {
	handler       *Handler
	root          string
	renderer      *fakeRenderer
	reconstructor *fakeReconstructor
	metrics       *metrics.Recorder
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	layout, err := outputs.NewLayout(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		root:          layout.Root,
		renderer:      &fakeRenderer{},
		reconstructor: &fakeReconstructor{},
		metrics:       metrics.NewRecorder(),
	}
	f.handler = NewHandler(logging.Discard(), Options{
		Layout:        layout,
		Renderer:      f.renderer,
		Reconstructor: f.reconstructor,
		Backend:       fakeBackend{},
		System:        &system.Info{Platform: "linux/amd64", Accelerator: system.AcceleratorCPU, CPUs: 8, TotalRAM: 16 << 30},
		Metrics:       f.metrics,
		MaxUploadSize: maxUpload,
		MaxImages:     8,
	})
	return f
}

func (f *fixture) batches(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.Name())
	}
	return ids
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type upload struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, target string, uploads []upload, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, u := range uploads {
		part, err := mw.CreateFormFile(u.field, u.name)
		require.NoError(t, err)
		_, err = part.Write(u.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 0)
	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, conditioning.ModeCanny, resp.Backend.PreferredMode)
	assert.Equal(t, "control_v11p_sd15_canny", resp.Backend.ControlModel)
	assert.Equal(t, int64(1), resp.Backend.Concurrency)
	assert.Equal(t, "installed at /opt/TripoSR", resp.Reconstructor.Status)
	require.NotNil(t, resp.System)
	assert.Equal(t, "linux/amd64", resp.System.Platform)
	assert.Equal(t, "16GiB", resp.System.RAM)
}

func TestRender(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "north facade.png", data: pngBytes(t, 32, 16)},
		{field: "files", name: "../../etc/section.png", data: pngBytes(t, 16, 32)},
	}, map[string]string{
		"num_images":   "3",
		"seed":         "42",
		"preprocessor": "Canny",
		"prompt":       "brutalist museum at dusk",
	})
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RenderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "/outputs/"+resp.BatchID, resp.OutDir)
	require.Len(t, resp.Images, 6)
	assert.Equal(t, "/outputs/"+resp.BatchID+"/render_0_0.png", resp.Images[0])
	assert.Equal(t, "/outputs/"+resp.BatchID+"/render_1_2.png", resp.Images[5])

	require.Equal(t, 1, f.renderer.calls)
	assert.Equal(t, conditioning.ModeCanny, f.renderer.cfg.Mode)
	assert.Equal(t, "brutalist museum at dusk", f.renderer.cfg.Prompt)
	assert.Equal(t, render.DefaultNegativePrompt, f.renderer.cfg.NegativePrompt)
	require.NotNil(t, f.renderer.cfg.Seed)
	assert.Equal(t, int64(42), *f.renderer.cfg.Seed)

	batchDir := filepath.Join(f.root, resp.BatchID)
	require.Equal(t, []string{
		filepath.Join(batchDir, "input_0_north_facade.png"),
		filepath.Join(batchDir, "input_1_section.png"),
	}, f.renderer.inputs)
	for _, p := range f.renderer.inputs {
		assert.FileExists(t, p)
	}

	manifest, err := outputs.ReadManifest(&outputs.Batch{ID: resp.BatchID, Dir: batchDir})
	require.NoError(t, err)
	assert.Equal(t, outputs.KindRender, manifest.Kind)
	require.NotNil(t, manifest.Seed)
	assert.Equal(t, int64(42), *manifest.Seed)
	assert.Len(t, manifest.Artifacts, 6)

	rec = serve(f.handler, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `archivision_http_requests_total{code="200",route="render"} 1`)
}

func TestRenderDefaults(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "plan.png", data: pngBytes(t, 8, 8)},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	want := render.DefaultConfig()
	assert.Equal(t, want, f.renderer.cfg)

	var resp RenderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Images, render.DefaultNumImages)

	// The effective random seed is still recorded.
	manifest, err := outputs.ReadManifest(&outputs.Batch{ID: resp.BatchID, Dir: filepath.Join(f.root, resp.BatchID)})
	require.NoError(t, err)
	require.NotNil(t, manifest.Seed)
	assert.Equal(t, int64(1234), *manifest.Seed)
}

func TestRenderRejectedBeforeWork(t *testing.T) {
	tests := []struct {
		name    string
		uploads []upload
		fields  map[string]string
	}{
		{name: "unknown preprocessor", fields: map[string]string{"preprocessor": "depth"}},
		{name: "zero images", fields: map[string]string{"num_images": "0"}},
		{name: "too many images", fields: map[string]string{"num_images": "9"}},
		{name: "non-numeric images", fields: map[string]string{"num_images": "four"}},
		{name: "negative guidance", fields: map[string]string{"guidance_scale": "-1"}},
		{name: "nan control weight", fields: map[string]string{"control_weight": "NaN"}},
		{name: "bad seed", fields: map[string]string{"seed": "0x1p3"}},
		{name: "no files", uploads: []upload{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			uploads := tt.uploads
			if uploads == nil {
				uploads = []upload{{field: "files", name: "a.png", data: pngBytes(t, 8, 8)}}
			}
			rec := serve(f.handler, multipartRequest(t, "/api/render", uploads, tt.fields))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "bad_request", decodeError(t, rec).Code)
			assert.Zero(t, f.renderer.calls)
			assert.Empty(t, f.batches(t))
		})
	}
}

func TestRenderCorruptUpload(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "sketch.png", data: []byte("definitely not an image")},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "sketch.png")
	assert.Zero(t, f.renderer.calls)
}

func TestRenderBackendFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.renderer.err = &render.BackendError{Input: 2, Err: errors.New("connection refused")}
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "a.png", data: pngBytes(t, 8, 8)},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "service_unavailable", detail.Code)
	assert.Contains(t, detail.Message, "connection refused")
}

func TestRenderBodyTooLarge(t *testing.T) {
	f := newFixture(t, 1024)
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "big.png", data: bytes.Repeat([]byte{0}, 4096)},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request_entity_too_large", decodeError(t, rec).Code)
	assert.Zero(t, f.renderer.calls)
}

func TestMesh(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/mesh", []upload{
		{field: "file", name: "villa.jpg", data: pngBytes(t, 16, 16)},
	}, map[string]string{"bake_texture": "false", "texture_resolution": "512"})
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MeshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "/outputs/"+resp.BatchID, resp.OutDir)
	assert.Equal(t, map[string]string{
		"obj": "/outputs/" + resp.BatchID + "/0/mesh.obj",
		"glb": "/outputs/" + resp.BatchID + "/model.glb",
	}, resp.Assets)
	assert.Equal(t, mesh.ConversionSucceeded, resp.Conversion)
	for kind, url := range resp.Assets {
		rec := serve(f.handler, httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusOK, rec.Code, kind)
	}

	require.Equal(t, 1, f.reconstructor.calls)
	assert.False(t, f.reconstructor.req.BakeTexture)
	assert.Equal(t, 512, f.reconstructor.req.TextureResolution)
	assert.Equal(t, filepath.Join(f.root, resp.BatchID, "mesh_upload_villa.png"), f.reconstructor.req.Input)
	assert.FileExists(t, f.reconstructor.req.Input)
}

func TestMeshDefaults(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/mesh", []upload{
		{field: "file", name: "villa.png", data: pngBytes(t, 16, 16)},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.reconstructor.req.BakeTexture)
	assert.Equal(t, mesh.DefaultTextureResolution, f.reconstructor.req.TextureResolution)
}

func TestMeshSetupMissing(t *testing.T) {
	f := newFixture(t, 0)
	f.reconstructor.installErr = &mesh.SetupMissingError{Path: "third_party/TripoSR", Remediation: "git clone"}
	req := multipartRequest(t, "/api/mesh", []upload{
		{field: "file", name: "villa.png", data: pngBytes(t, 16, 16)},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "git clone")
	assert.Zero(t, f.reconstructor.calls)
	assert.Empty(t, f.batches(t))
}

// readCounter records whether a request body was read.
type readCounter struct {
	r    io.Reader
	read int
}

func (c *readCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestMeshSetupMissingLeavesBodyUnread(t *testing.T) {
	f := newFixture(t, 0)
	f.reconstructor.installErr = &mesh.SetupMissingError{Path: "third_party/TripoSR", Remediation: "git clone"}
	req := multipartRequest(t, "/api/mesh", []upload{
		{field: "file", name: "villa.png", data: pngBytes(t, 16, 16)},
	}, nil)
	body := &readCounter{r: req.Body}
	req.Body = io.NopCloser(body)

	rec := serve(f.handler, req)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Zero(t, body.read)
	assert.Nil(t, req.MultipartForm)
}

func TestBatchManifest(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "a.png", data: pngBytes(t, 8, 8)},
	}, map[string]string{"num_images": "2", "seed": "9"})
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var render RenderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&render))

	rec = serve(f.handler, httptest.NewRequest(http.MethodGet, "/api/batches/"+render.BatchID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var manifest outputs.Manifest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&manifest))
	assert.Equal(t, render.BatchID, manifest.BatchID)
	assert.Equal(t, outputs.KindRender, manifest.Kind)
	require.NotNil(t, manifest.Seed)
	assert.Equal(t, int64(9), *manifest.Seed)
	assert.Len(t, manifest.Artifacts, 2)

	for _, id := range []string{"not-a-batch", "0d6c0f4c-8f7a-4d8e-9b0e-1c2d3e4f5a6b"} {
		rec = serve(f.handler, httptest.NewRequest(http.MethodGet, "/api/batches/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.Equal(t, "not_found", decodeError(t, rec).Code)
	}
}

func TestMeshToolFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.reconstructor.err = &mesh.ToolError{ExitCode: 3, Output: "CUDA out of memory"}
	req := multipartRequest(t, "/api/mesh", []upload{
		{field: "file", name: "villa.png", data: pngBytes(t, 16, 16)},
	}, nil)
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "internal_server_error", detail.Code)
	assert.Equal(t, "reconstructor exited with status 3", detail.Message)
	assert.Equal(t, "CUDA out of memory", detail.Details)
}

func TestMeshInvalidForm(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{name: "zero resolution", fields: map[string]string{"texture_resolution": "0"}},
		{name: "non-numeric resolution", fields: map[string]string{"texture_resolution": "high"}},
		{name: "bad boolean", fields: map[string]string{"bake_texture": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			req := multipartRequest(t, "/api/mesh", []upload{
				{field: "file", name: "villa.png", data: pngBytes(t, 16, 16)},
			}, tt.fields)
			rec := serve(f.handler, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, f.reconstructor.calls)
			assert.Empty(t, f.batches(t))
		})
	}
}

func TestOutputsAndFallbackRoutes(t *testing.T) {
	f := newFixture(t, 0)
	req := multipartRequest(t, "/api/render", []upload{
		{field: "files", name: "a.png", data: pngBytes(t, 8, 8)},
	}, map[string]string{"num_images": "1"})
	rec := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RenderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	rec = serve(f.handler, httptest.NewRequest(http.MethodGet, resp.Images[0], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	// Doubled slashes are normalized before routing.
	rec = serve(f.handler, httptest.NewRequest(http.MethodGet, "/api//health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(f.handler, httptest.NewRequest(http.MethodGet, resp.OutDir+"/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(f.handler, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	serve(f.handler, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `archivision_http_requests_total{code="200",route="health"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	layout, err := outputs.NewLayout(t.TempDir())
	require.NoError(t, err)
	h := NewHandler(logging.Discard(), Options{
		Layout:        layout,
		Renderer:      &fakeRenderer{},
		Reconstructor: &fakeReconstructor{},
		Backend:       fakeBackend{},
	})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Nil(t, resp.System)
}

func TestRateLimit(t *testing.T) {
	layout, err := outputs.NewLayout(t.TempDir())
	require.NoError(t, err)
	renderer := &fakeRenderer{}
	h := NewHandler(logging.Discard(), Options{
		Layout:        layout,
		Renderer:      renderer,
		Reconstructor: &fakeReconstructor{},
		Backend:       fakeBackend{},
		RateLimit:     0.001,
		RateBurst:     1,
	})
	newRequest := func() *http.Request {
		return multipartRequest(t, "/api/render", []upload{
			{field: "files", name: "a.png", data: pngBytes(t, 8, 8)},
		}, map[string]string{"num_images": "1"})
	}

	rec := serve(h, newRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, newRequest())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "too_many_requests", decodeError(t, rec).Code)
	assert.Equal(t, 1, renderer.calls)

	// Health checks are never limited.
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
