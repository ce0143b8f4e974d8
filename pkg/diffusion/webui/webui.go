// Package webui implements the diffusion backend contract against a Stable
// Diffusion WebUI compatible server running the ControlNet extension.
package webui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/archivision/archivision/pkg/diffusion"
	"github.com/archivision/archivision/pkg/imageutil"
	"github.com/archivision/archivision/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "webui"
	// DefaultBaseURL is the address a locally started WebUI listens on.
	DefaultBaseURL = "http://127.0.0.1:7860"
	// DefaultSampler is the sampler used for generation.
	DefaultSampler = "UniPC"
	// DefaultLineArtModule is the ControlNet preprocessor used for line-art
	// extraction.
	DefaultLineArtModule = "lineart_realistic"
	// DefaultTimeout bounds a single HTTP exchange with the server.
	DefaultTimeout = 10 * time.Minute
	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// Options configures a Client.
type Options struct {
	// BaseURL is the server address.
	BaseURL string
	// Sampler is the sampler name passed to txt2img.
	Sampler string
	// LineArtModule is the preprocessor used by LineArt.
	LineArtModule string
	// Timeout bounds each HTTP exchange. It is ignored if HTTPClient is set.
	Timeout time.Duration
	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client talks to the WebUI HTTP API. It implements diffusion.Loader and
// conditioning.LineArtDetector.
type Client struct {
	// log is the associated logger.
	log logging.Logger
	// httpClient is the HTTP client.
	httpClient *http.Client
	// baseURL is the server address without a trailing slash.
	baseURL string
	// sampler is the sampler name.
	sampler string
	// lineArtModule is the line-art preprocessor.
	lineArtModule string
}

// New creates a new client.
func New(log logging.Logger, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Sampler == "" {
		opts.Sampler = DefaultSampler
	}
	if opts.LineArtModule == "" {
		opts.LineArtModule = DefaultLineArtModule
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		log:           log,
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		sampler:       opts.Sampler,
		lineArtModule: opts.LineArtModule,
	}
}

type modelListResponse struct {
	ModelList []string `json:"model_list"`
}

type optionsRequest struct {
	Checkpoint string `json:"sd_model_checkpoint"`
}

// LoadControlNetPipeline implements diffusion.Loader.LoadControlNetPipeline.
// The server lists control models with a hash suffix (for example
// "control_v11p_sd15_canny [d14c016b]"), so requested names match by prefix.
func (c *Client) LoadControlNetPipeline(ctx context.Context, baseModel string, controlModels ...string) (diffusion.Pipeline, error) {
	var models modelListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/controlnet/model_list", nil, &models); err != nil {
		return nil, fmt.Errorf("listing control models: %w", err)
	}

	control := ""
	for _, want := range controlModels {
		if control = matchModel(models.ModelList, want); control != "" {
			break
		}
		c.log.Warnf("Control model %s not available on backend", want)
	}
	if control == "" {
		return nil, fmt.Errorf("%w: tried %s", diffusion.ErrNoControlModel, strings.Join(controlModels, ", "))
	}

	if err := c.doJSON(ctx, http.MethodPost, "/sdapi/v1/options", optionsRequest{Checkpoint: baseModel}, nil); err != nil {
		return nil, fmt.Errorf("selecting checkpoint %s: %w", baseModel, err)
	}

	c.log.Infof("Using control model %s on %s", control, c.baseURL)
	return &pipeline{client: c, baseModel: baseModel, controlModel: control}, nil
}

func matchModel(available []string, want string) string {
	for _, m := range available {
		if m == want || strings.HasPrefix(m, want+" ") {
			return m
		}
	}
	return ""
}

type detectRequest struct {
	Module       string   `json:"controlnet_module"`
	InputImages  []string `json:"controlnet_input_images"`
	ProcessorRes int      `json:"controlnet_processor_res"`
}

type imagesResponse struct {
	Images []string `json:"images"`
}

// LineArt implements conditioning.LineArtDetector.LineArt using the server's
// ControlNet preprocessor.
func (c *Client) LineArt(ctx context.Context, img image.Image) (image.Image, error) {
	encoded, err := encodeImage(img)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	var resp imagesResponse
	req := detectRequest{
		Module:       c.lineArtModule,
		InputImages:  []string{encoded},
		ProcessorRes: max(b.Dx(), b.Dy()),
	}
	if err := c.doJSON(ctx, http.MethodPost, "/controlnet/detect", req, &resp); err != nil {
		return nil, fmt.Errorf("line-art detection: %w", err)
	}
	if len(resp.Images) == 0 {
		return nil, errors.New("line-art detection returned no image")
	}
	return decodeImage(resp.Images[0])
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body := io.Reader(http.NoBody)
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", path, err)
	}
	return nil
}

func encodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeImage(s string) (image.Image, error) {
	// Some builds prefix results with a data URI header.
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 image: %w", err)
	}
	return imageutil.Decode(bytes.NewReader(data))
}
