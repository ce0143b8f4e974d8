package webui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/archivision/archivision/pkg/diffusion"
	"github.com/archivision/archivision/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBase64(t *testing.T, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type fakeServer struct {
	t          *testing.T
	models     []string
	mu         sync.Mutex
	checkpoint string
	txt2img    []txt2imgRequest
	detect     []detectRequest
	failTxt    bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /controlnet/model_list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelListResponse{ModelList: f.models})
	})
	mux.HandleFunc("POST /sdapi/v1/options", func(w http.ResponseWriter, r *http.Request) {
		var req optionsRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.checkpoint = req.Checkpoint
		f.mu.Unlock()
		_, _ = w.Write([]byte("null"))
	})
	mux.HandleFunc("POST /sdapi/v1/txt2img", func(w http.ResponseWriter, r *http.Request) {
		if f.failTxt {
			http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
			return
		}
		var req txt2imgRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.txt2img = append(f.txt2img, req)
		f.mu.Unlock()
		var resp imagesResponse
		for i := 0; i < req.BatchSize; i++ {
			resp.Images = append(resp.Images, pngBase64(f.t, req.Width, req.Height, color.NRGBA{R: uint8(i), A: 255}))
		}
		// Detected map.
		resp.Images = append(resp.Images, pngBase64(f.t, 8, 8, color.White))
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /controlnet/detect", func(w http.ResponseWriter, r *http.Request) {
		var req detectRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.detect = append(f.detect, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(imagesResponse{Images: []string{"data:image/png;base64," + pngBase64(f.t, 16, 12, color.Black)}})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	return New(logging.Discard(), Options{BaseURL: server.URL + "/"})
}

func TestLoadPrefersFirstAvailableControlModel(t *testing.T) {
	tests := []struct {
		name    string
		models  []string
		want    string
		wantErr bool
	}{
		{
			name:   "lineart available",
			models: []string{"control_v11p_sd15_canny [d14c016b]", "control_v11p_sd15_lineart [43d4be0d]"},
			want:   "control_v11p_sd15_lineart [43d4be0d]",
		},
		{
			name:   "fallback to canny",
			models: []string{"control_v11p_sd15_canny [d14c016b]"},
			want:   "control_v11p_sd15_canny [d14c016b]",
		},
		{
			name:   "exact name",
			models: []string{"control_v11p_sd15_canny"},
			want:   "control_v11p_sd15_canny",
		},
		{
			name:    "none available",
			models:  []string{"control_v11f1p_sd15_depth [cfd03158]"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeServer{t: t, models: tt.models}
			c := newTestClient(t, f)
			p, err := c.LoadControlNetPipeline(context.Background(), diffusion.DefaultBaseModel, diffusion.DefaultControlModels...)
			if tt.wantErr {
				require.ErrorIs(t, err, diffusion.ErrNoControlModel)
				assert.Empty(t, f.checkpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.(diffusion.ControlModelNamer).ControlModel())
			assert.Equal(t, diffusion.DefaultBaseModel, f.checkpoint)
		})
	}
}

func TestGenerateBatchesIdenticalElements(t *testing.T) {
	f := &fakeServer{t: t, models: []string{"control_v11p_sd15_lineart [43d4be0d]"}}
	c := newTestClient(t, f)
	p, err := c.LoadControlNetPipeline(context.Background(), "base", "control_v11p_sd15_lineart")
	require.NoError(t, err)

	cond := image.NewGray(image.Rect(0, 0, 100, 70))
	seed := int64(7)
	req := &diffusion.GenerateRequest{
		Prompts:           []string{"house", "house", "house"},
		NegativePrompts:   []string{"people", "people", "people"},
		Conditioning:      []image.Image{cond, cond, cond},
		Steps:             diffusion.InferenceSteps,
		GuidanceScale:     7.5,
		ConditioningScale: 0.8,
		Generator:         diffusion.NewGenerator(&seed),
	}
	images, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.Equal(t, image.Rect(0, 0, 96, 64), img.Bounds())
		r, _, _, _ := img.At(0, 0).RGBA()
		assert.Equal(t, uint32(i)*0x101, r)
	}

	require.Len(t, f.txt2img, 1)
	sent := f.txt2img[0]
	assert.Equal(t, 3, sent.BatchSize)
	assert.Equal(t, diffusion.InferenceSteps, sent.Steps)
	assert.Equal(t, 7.5, sent.CFGScale)
	assert.Equal(t, DefaultSampler, sent.SamplerName)
	assert.Equal(t, diffusion.NewGenerator(&seed).Next(), sent.Seed)
	unit := sent.AlwaysOn["controlnet"].Args[0]
	assert.True(t, unit.Enabled)
	assert.Equal(t, "none", unit.Module)
	assert.Equal(t, "control_v11p_sd15_lineart [43d4be0d]", unit.Model)
	assert.Equal(t, 0.8, unit.Weight)
	assert.NotEmpty(t, unit.Image)
}

func TestGenerateSplitsDistinctElements(t *testing.T) {
	f := &fakeServer{t: t, models: []string{"control_v11p_sd15_canny"}}
	c := newTestClient(t, f)
	p, err := c.LoadControlNetPipeline(context.Background(), "base", "control_v11p_sd15_canny")
	require.NoError(t, err)

	a := image.NewGray(image.Rect(0, 0, 64, 64))
	b := image.NewGray(image.Rect(0, 0, 64, 64))
	req := &diffusion.GenerateRequest{
		Prompts:         []string{"x", "x", "x"},
		NegativePrompts: []string{"", "", ""},
		Conditioning:    []image.Image{a, a, b},
		Steps:           1,
		Generator:       diffusion.NewGenerator(nil),
	}
	images, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, images, 3)
	require.Len(t, f.txt2img, 2)
	assert.Equal(t, 2, f.txt2img[0].BatchSize)
	assert.Equal(t, 1, f.txt2img[1].BatchSize)
}

func TestGenerateServerError(t *testing.T) {
	f := &fakeServer{t: t, models: []string{"control_v11p_sd15_canny"}, failTxt: true}
	c := newTestClient(t, f)
	p, err := c.LoadControlNetPipeline(context.Background(), "base", "control_v11p_sd15_canny")
	require.NoError(t, err)

	cond := image.NewGray(image.Rect(0, 0, 64, 64))
	_, err = p.Generate(context.Background(), &diffusion.GenerateRequest{
		Prompts: []string{"x"}, NegativePrompts: []string{""}, Conditioning: []image.Image{cond},
		Steps: 1, Generator: diffusion.NewGenerator(nil),
	})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "out of memory")
}

func TestLineArt(t *testing.T) {
	f := &fakeServer{t: t}
	c := newTestClient(t, f)
	out, err := c.LineArt(context.Background(), image.NewGray(image.Rect(0, 0, 300, 200)))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 12), out.Bounds())
	require.Len(t, f.detect, 1)
	assert.Equal(t, DefaultLineArtModule, f.detect[0].Module)
	assert.Equal(t, 300, f.detect[0].ProcessorRes)
	assert.Len(t, f.detect[0].InputImages, 1)
}

func TestSnapDimensions(t *testing.T) {
	tests := []struct{ w, h, wantW, wantH int }{
		{768, 512, 768, 512},
		{767, 385, 760, 384},
		{10, 700, 64, 696},
	}
	for _, tt := range tests {
		w, h := SnapDimensions(tt.w, tt.h)
		assert.Equal(t, tt.wantW, w)
		assert.Equal(t, tt.wantH, h)
	}
}
