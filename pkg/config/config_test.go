package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "http://127.0.0.1:7860", cfg.Diffusion.BaseURL)
	assert.Equal(t, []string{"control_v11p_sd15_lineart", "control_v11p_sd15_canny"}, cfg.Diffusion.ControlModels)
	assert.Equal(t, int64(1), cfg.Diffusion.Concurrency)
	assert.Equal(t, 8, cfg.Diffusion.MaxImages)
	assert.Equal(t, 768, cfg.Diffusion.MaxSide)
	assert.Equal(t, 30*time.Minute, cfg.Reconstructor.Timeout)
	assert.Zero(t, cfg.Server.RateLimit)

	size, err := cfg.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), size)
	tail, err := cfg.OutputTailBytes()
	require.NoError(t, err)
	assert.Equal(t, 64<<10, tail)
	cmd, err := cfg.ReconstructorCommand()
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "run.py"}, cmd)
	args, err := cfg.ReconstructorArgs()
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archivision.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:9000"
  allowed_origins: ["http://localhost:5173"]
  max_upload_size: 16MiB
diffusion:
  concurrency: 2
  timeout: 90s
reconstructor:
  dir: /opt/TripoSR
  command: "/opt/venv/bin/python run.py"
  extra_args: "--mc-resolution 256 --model-save-format 'obj'"
  timeout: 5m
`), 0o644))

	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(2), cfg.Diffusion.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Diffusion.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Reconstructor.Timeout)
	// Unset keys keep their defaults.
	assert.Equal(t, "UniPC", cfg.Diffusion.Sampler)

	cmd, err := cfg.ReconstructorCommand()
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/venv/bin/python", "run.py"}, cmd)
	args, err := cfg.ReconstructorArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{"--mc-resolution", "256", "--model-save-format", "obj"}, args)
}

func TestLoadYAMLUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archivision.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  adress: \":1\"\n"), 0o644))
	_, err := Load(path, env(nil))
	require.Error(t, err)
}

func TestLoadEmptyYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archivision.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Addr)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"ARCHIVISION_PORT":            "8080",
		"ARCHIVISION_OUTPUTS_DIR":     "/srv/out",
		"ARCHIVISION_ORIGINS":         "http://a.example, http://b.example,",
		"ARCHIVISION_MAX_UPLOAD_SIZE": "1GiB",
		"ARCHIVISION_RATE_LIMIT":      "0.5",
		"DISABLE_METRICS":             "1",
		"LOG_LEVEL":                   "debug",
		"DIFFUSION_URL":               "http://gpu-box:7860",
		"DIFFUSION_CONCURRENCY":       "3",
		"TRIPOSR_DIR":                 "/models/TripoSR",
		"RECONSTRUCTOR_ARGS":          "--device cuda:1",
		"RECONSTRUCTOR_TIMEOUT":       "45m",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/srv/out", cfg.Server.OutputsDir)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Server.DisableMetrics)
	assert.Equal(t, 0.5, cfg.Server.RateLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://gpu-box:7860", cfg.Diffusion.BaseURL)
	assert.Equal(t, int64(3), cfg.Diffusion.Concurrency)
	assert.Equal(t, "/models/TripoSR", cfg.Reconstructor.Dir)
	assert.Equal(t, 45*time.Minute, cfg.Reconstructor.Timeout)
	size, err := cfg.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), size)
}

func TestInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "disallowed output dir arg", env: map[string]string{"RECONSTRUCTOR_ARGS": "--output-dir /tmp"}},
		{name: "disallowed bake arg", env: map[string]string{"RECONSTRUCTOR_ARGS": "--bake-texture"}},
		{name: "disallowed resolution arg", env: map[string]string{"RECONSTRUCTOR_ARGS": "--texture-resolution=2048"}},
		{name: "unbalanced quotes", env: map[string]string{"RECONSTRUCTOR_ARGS": "--name \"oops"}},
		{name: "empty command", env: map[string]string{"RECONSTRUCTOR_COMMAND": "   "}},
		{name: "bad upload size", env: map[string]string{"ARCHIVISION_MAX_UPLOAD_SIZE": "lots"}},
		{name: "bad concurrency", env: map[string]string{"DIFFUSION_CONCURRENCY": "many"}},
		{name: "zero concurrency", env: map[string]string{"DIFFUSION_CONCURRENCY": "0"}},
		{name: "bad rate limit", env: map[string]string{"ARCHIVISION_RATE_LIMIT": "fast"}},
		{name: "negative rate limit", env: map[string]string{"ARCHIVISION_RATE_LIMIT": "-1"}},
		{name: "bad timeout", env: map[string]string{"RECONSTRUCTOR_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", env(tt.env))
			require.Error(t, err)
		})
	}
}
