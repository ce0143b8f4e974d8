// Package config loads ArchiVision's configuration. Values are resolved in
// order: built-in defaults, then an optional YAML file, then environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/archivision/archivision/pkg/diffusion"
	"github.com/archivision/archivision/pkg/diffusion/webui"
	"github.com/archivision/archivision/pkg/imageutil"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/archivision/archivision/pkg/render"
	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Diffusion     DiffusionConfig     `yaml:"diffusion"`
	Reconstructor ReconstructorConfig `yaml:"reconstructor"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// OutputsDir is the root of all batch directories.
	OutputsDir string `yaml:"outputs_dir"`
	// AllowedOrigins is the CORS allow-list; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxUploadSize bounds a request body, e.g. "64MiB".
	MaxUploadSize string `yaml:"max_upload_size"`
	// DisableMetrics turns off the /metrics endpoint.
	DisableMetrics bool `yaml:"disable_metrics"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is the sustained rate of render and mesh requests per
	// second across all clients. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the number of requests admitted above RateLimit.
	RateBurst int `yaml:"rate_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiffusionConfig configures the generation backend.
type DiffusionConfig struct {
	BaseURL       string        `yaml:"base_url"`
	BaseModel     string        `yaml:"base_model"`
	ControlModels []string      `yaml:"control_models"`
	LineArtModule string        `yaml:"lineart_module"`
	Sampler       string        `yaml:"sampler"`
	Concurrency   int64         `yaml:"concurrency"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxImages     int           `yaml:"max_images"`
	MaxSide       int           `yaml:"max_side"`
}

// ReconstructorConfig configures the external mesh reconstructor.
type ReconstructorConfig struct {
	// Dir is the reconstructor checkout.
	Dir string `yaml:"dir"`
	// Command is the program and leading arguments, shell-quoted.
	Command string `yaml:"command"`
	// ExtraArgs are appended to every run, shell-quoted.
	ExtraArgs string `yaml:"extra_args"`
	// Timeout bounds a single run.
	Timeout time.Duration `yaml:"timeout"`
	// OutputTail bounds the captured process output, e.g. "64KiB".
	OutputTail string `yaml:"output_tail"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			OutputsDir:      "./outputs",
			AllowedOrigins:  []string{"*"},
			MaxUploadSize:   "64MiB",
			ShutdownTimeout: 30 * time.Second,
			RateBurst:       4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Diffusion: DiffusionConfig{
			BaseURL:       webui.DefaultBaseURL,
			BaseModel:     diffusion.DefaultBaseModel,
			ControlModels: append([]string(nil), diffusion.DefaultControlModels...),
			LineArtModule: webui.DefaultLineArtModule,
			Sampler:       webui.DefaultSampler,
			Concurrency:   1,
			Timeout:       webui.DefaultTimeout,
			MaxImages:     render.DefaultMaxImages,
			MaxSide:       imageutil.DefaultMaxSide,
		},
		Reconstructor: ReconstructorConfig{
			Dir:        mesh.DefaultDir,
			Command:    strings.Join(mesh.DefaultCommand, " "),
			Timeout:    mesh.DefaultTimeout,
			OutputTail: "64KiB",
		},
	}
}

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string, lookup LookupEnv) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupEnv) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ARCHIVISION_ADDR", &c.Server.Addr)
	if port, ok := lookup("ARCHIVISION_PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	str("ARCHIVISION_OUTPUTS_DIR", &c.Server.OutputsDir)
	if origins, ok := lookup("ARCHIVISION_ORIGINS"); ok && origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	str("ARCHIVISION_MAX_UPLOAD_SIZE", &c.Server.MaxUploadSize)
	if v, ok := lookup("DISABLE_METRICS"); ok {
		c.Server.DisableMetrics = v == "1"
	}
	if v, ok := lookup("ARCHIVISION_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ARCHIVISION_RATE_LIMIT: %w", err)
		}
		c.Server.RateLimit = f
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("DIFFUSION_URL", &c.Diffusion.BaseURL)
	if v, ok := lookup("DIFFUSION_CONCURRENCY"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DIFFUSION_CONCURRENCY: %w", err)
		}
		c.Diffusion.Concurrency = n
	}
	str("TRIPOSR_DIR", &c.Reconstructor.Dir)
	str("RECONSTRUCTOR_COMMAND", &c.Reconstructor.Command)
	if v, ok := lookup("RECONSTRUCTOR_ARGS"); ok {
		c.Reconstructor.ExtraArgs = v
	}
	if v, ok := lookup("RECONSTRUCTOR_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RECONSTRUCTOR_TIMEOUT: %w", err)
		}
		c.Reconstructor.Timeout = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.OutputsDir == "" {
		errs = append(errs, errors.New("server.outputs_dir must not be empty"))
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative, got %g", c.Server.RateLimit))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_burst must be at least 1, got %d", c.Server.RateBurst))
	}
	if c.Diffusion.BaseURL == "" {
		errs = append(errs, errors.New("diffusion.base_url must not be empty"))
	}
	if len(c.Diffusion.ControlModels) == 0 {
		errs = append(errs, errors.New("diffusion.control_models must not be empty"))
	}
	if c.Diffusion.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("diffusion.concurrency must be at least 1, got %d", c.Diffusion.Concurrency))
	}
	if c.Diffusion.MaxImages < 1 {
		errs = append(errs, fmt.Errorf("diffusion.max_images must be at least 1, got %d", c.Diffusion.MaxImages))
	}
	if c.Diffusion.MaxSide < 64 {
		errs = append(errs, fmt.Errorf("diffusion.max_side must be at least 64, got %d", c.Diffusion.MaxSide))
	}
	if c.Reconstructor.Timeout <= 0 {
		errs = append(errs, errors.New("reconstructor.timeout must be positive"))
	}
	if _, err := c.ReconstructorCommand(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ReconstructorArgs(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.OutputTailBytes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MaxUploadBytes parses Server.MaxUploadSize.
func (c *Config) MaxUploadBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Server.MaxUploadSize)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("server.max_upload_size: invalid size %q", c.Server.MaxUploadSize)
	}
	return n, nil
}

// OutputTailBytes parses Reconstructor.OutputTail.
func (c *Config) OutputTailBytes() (int, error) {
	n, err := units.RAMInBytes(c.Reconstructor.OutputTail)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("reconstructor.output_tail: invalid size %q", c.Reconstructor.OutputTail)
	}
	return int(n), nil
}

// ReconstructorCommand splits Reconstructor.Command into words.
func (c *Config) ReconstructorCommand() ([]string, error) {
	words, err := shellwords.Parse(c.Reconstructor.Command)
	if err != nil {
		return nil, fmt.Errorf("reconstructor.command: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("reconstructor.command must not be empty")
	}
	return words, nil
}

// ReconstructorArgs splits Reconstructor.ExtraArgs into words and rejects
// managed flags.
func (c *Config) ReconstructorArgs() ([]string, error) {
	words, err := shellwords.Parse(c.Reconstructor.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("reconstructor.extra_args: %w", err)
	}
	if err := mesh.CheckExtraArgs(words); err != nil {
		return nil, fmt.Errorf("reconstructor.extra_args: %w", err)
	}
	return words, nil
}
