package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/archivision/archivision/pkg/render"
)

// formValue returns the trimmed value of a form field and whether it was
// supplied with a non-empty value.
func formValue(r *http.Request, key string) (string, bool) {
	values, ok := r.PostForm[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	v := strings.TrimSpace(values[0])
	return v, v != ""
}

// renderConfig builds a render configuration from the request form, starting
// from the defaults. Malformed numbers are invalid configurations.
func renderConfig(r *http.Request) (render.Config, error) {
	cfg := render.DefaultConfig()
	if v, ok := r.PostForm["prompt"]; ok && len(v) > 0 {
		cfg.Prompt = v[0]
	}
	if v, ok := r.PostForm["negative_prompt"]; ok && len(v) > 0 {
		cfg.NegativePrompt = v[0]
	}
	if v, ok := formValue(r, "num_images"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: num_images: %q is not an integer", render.ErrInvalidConfiguration, v)
		}
		cfg.NumImages = n
	}
	if v, ok := formValue(r, "guidance_scale"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: guidance_scale: %q is not a number", render.ErrInvalidConfiguration, v)
		}
		cfg.GuidanceScale = f
	}
	if v, ok := formValue(r, "control_weight"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: control_weight: %q is not a number", render.ErrInvalidConfiguration, v)
		}
		cfg.ControlWeight = f
	}
	if v, ok := formValue(r, "preprocessor"); ok {
		mode, err := conditioning.ParseMode(v)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}
	if v, ok := formValue(r, "seed"); ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: seed: %q is not an integer", render.ErrInvalidConfiguration, v)
		}
		cfg.Seed = &seed
	}
	return cfg, nil
}

// meshRequest builds a mesh request from the request form. The input is left
// empty for the caller to fill in once the upload is saved.
func meshRequest(r *http.Request) (mesh.Request, error) {
	req := mesh.DefaultRequest("")
	if v, ok := formValue(r, "bake_texture"); ok {
		bake, err := parseBool(v)
		if err != nil {
			return req, fmt.Errorf("%w: bake_texture: %q is not a boolean", mesh.ErrInvalidRequest, v)
		}
		req.BakeTexture = bake
	}
	if v, ok := formValue(r, "texture_resolution"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("%w: texture_resolution: %q is not an integer", mesh.ErrInvalidRequest, v)
		}
		if n <= 0 {
			return req, fmt.Errorf("%w: texture_resolution must be positive, got %d", mesh.ErrInvalidRequest, n)
		}
		req.TextureResolution = n
	}
	return req, nil
}

// parseBool accepts the usual form encodings of a boolean.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes", "y":
		return true, nil
	case "off", "no", "n":
		return false, nil
	}
	return strconv.ParseBool(v)
}
