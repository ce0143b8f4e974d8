package webui

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"github.com/archivision/archivision/pkg/diffusion"
)

// minSide is the smallest edge the server accepts.
const minSide = 64

type controlNetUnit struct {
	Enabled      bool    `json:"enabled"`
	Image        string  `json:"image"`
	Module       string  `json:"module"`
	Model        string  `json:"model"`
	Weight       float64 `json:"weight"`
	PixelPerfect bool    `json:"pixel_perfect"`
}

type controlNetScript struct {
	Args []controlNetUnit `json:"args"`
}

type txt2imgRequest struct {
	Prompt         string                      `json:"prompt"`
	NegativePrompt string                      `json:"negative_prompt"`
	BatchSize      int                         `json:"batch_size"`
	Steps          int                         `json:"steps"`
	CFGScale       float64                     `json:"cfg_scale"`
	Seed           int64                       `json:"seed"`
	SamplerName    string                      `json:"sampler_name"`
	Width          int                         `json:"width"`
	Height         int                         `json:"height"`
	AlwaysOn       map[string]controlNetScript `json:"alwayson_scripts"`
}

// pipeline is a loaded base checkpoint paired with a control model.
type pipeline struct {
	client       *Client
	baseModel    string
	controlModel string
}

// ControlModel implements diffusion.ControlModelNamer.ControlModel.
func (p *pipeline) ControlModel() string {
	return p.controlModel
}

// Generate implements diffusion.Pipeline.Generate. Consecutive elements that
// share prompt, negative prompt and conditioning image are sent as one
// txt2img batch, each batch seeded with the next value from the request's
// generator.
func (p *pipeline) Generate(ctx context.Context, req *diffusion.GenerateRequest) ([]image.Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var images []image.Image
	for start := 0; start < req.BatchSize(); {
		end := start + 1
		for end < req.BatchSize() && sameElement(req, start, end) {
			end++
		}
		batch, err := p.generateRun(ctx, req, start, end-start)
		if err != nil {
			return nil, err
		}
		images = append(images, batch...)
		start = end
	}
	return images, nil
}

func sameElement(req *diffusion.GenerateRequest, i, j int) bool {
	return req.Prompts[i] == req.Prompts[j] &&
		req.NegativePrompts[i] == req.NegativePrompts[j] &&
		req.Conditioning[i] == req.Conditioning[j]
}

func (p *pipeline) generateRun(ctx context.Context, req *diffusion.GenerateRequest, index, count int) ([]image.Image, error) {
	cond := req.Conditioning[index]
	encoded, err := encodeImage(cond)
	if err != nil {
		return nil, err
	}
	width, height := SnapDimensions(cond.Bounds().Dx(), cond.Bounds().Dy())

	body := txt2imgRequest{
		Prompt:         req.Prompts[index],
		NegativePrompt: req.NegativePrompts[index],
		BatchSize:      count,
		Steps:          req.Steps,
		CFGScale:       req.GuidanceScale,
		Seed:           req.Generator.Next(),
		SamplerName:    p.client.sampler,
		Width:          width,
		Height:         height,
		AlwaysOn: map[string]controlNetScript{
			"controlnet": {Args: []controlNetUnit{{
				Enabled:      true,
				Image:        encoded,
				Module:       "none",
				Model:        p.controlModel,
				Weight:       req.ConditioningScale,
				PixelPerfect: true,
			}}},
		},
	}

	var resp imagesResponse
	if err := p.client.doJSON(ctx, http.MethodPost, "/sdapi/v1/txt2img", body, &resp); err != nil {
		return nil, fmt.Errorf("txt2img: %w", err)
	}
	// ControlNet appends its detected maps after the generated images.
	if len(resp.Images) < count {
		return nil, fmt.Errorf("txt2img returned %d images, expected %d", len(resp.Images), count)
	}
	images := make([]image.Image, count)
	for i := range images {
		if images[i], err = decodeImage(resp.Images[i]); err != nil {
			return nil, fmt.Errorf("txt2img image %d: %w", i, err)
		}
	}
	return images, nil
}

// SnapDimensions rounds a size down to the multiple of 8 the latent space
// requires, never going below 64 pixels.
func SnapDimensions(w, h int) (int, int) {
	snap := func(v int) int {
		return max(minSide, v-v%8)
	}
	return snap(w), snap(h)
}
