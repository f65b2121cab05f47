package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "MAX_UPLOAD_BYTES", "CAPTION_BACKEND",
		"HUGGINGFACE_API_KEY", "HUGGINGFACE_MODEL_URL", "HUGGINGFACE_TIMEOUT",
		"LOCAL_MODEL_PATH", "LOCAL_MMPROJ_PATH", "LOCAL_MODEL_URL", "LOCAL_PARALLEL",
		"LOCAL_MAX_TOKENS", "LOCAL_INFERENCE_TIMEOUT", "LOCAL_MAX_PIXELS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, BackendRemote, cfg.Backend)
	assert.Equal(t, defaultHuggingFaceModelURL, cfg.HuggingFaceModelURL)
	assert.Equal(t, 30*time.Second, cfg.HuggingFaceTimeout)
	assert.Equal(t, 50, cfg.LocalMaxTokens)
	assert.Equal(t, 1, cfg.LocalParallel)
	assert.Equal(t, time.Duration(0), cfg.LocalInferenceTimeout)
	assert.Equal(t, int64(40_000_000), cfg.LocalMaxPixels)
	assert.Equal(t, int64(0), cfg.MaxUploadBytes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("CAPTION_BACKEND", "LOCAL")
	t.Setenv("HUGGINGFACE_TIMEOUT", "5s")
	t.Setenv("LOCAL_PARALLEL", "2")
	t.Setenv("MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("LOCAL_INFERENCE_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendLocal, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.HuggingFaceTimeout)
	assert.Equal(t, 2, cfg.LocalParallel)
	assert.Equal(t, int64(1<<20), cfg.MaxUploadBytes)
	assert.Equal(t, time.Duration(0), cfg.LocalInferenceTimeout)
}

func TestLoadConfigFileIsOverriddenByEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "caption.yaml")
	content := "PORT: 7000\ncaption_backend: stub\nLOCAL_MAX_TOKENS: 64\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7100", cfg.Port)
	assert.Equal(t, BackendStub, cfg.Backend)
	assert.Equal(t, 64, cfg.LocalMaxTokens)
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "remote with key",
			mutate: func(c *Config) { c.HuggingFaceAPIKey = "hf_test" },
		},
		{
			name:    "remote without key",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name: "local with weights",
			mutate: func(c *Config) {
				c.Backend = BackendLocal
				c.LocalModelPath = "/models/model.gguf"
				c.LocalMMProjPath = "/models/mmproj.gguf"
			},
		},
		{
			name: "local attached to running runtime",
			mutate: func(c *Config) {
				c.Backend = BackendLocal
				c.LocalModelURL = "http://127.0.0.1:8089"
			},
		},
		{
			name:    "local without weights",
			mutate:  func(c *Config) { c.Backend = BackendLocal },
			wantErr: true,
		},
		{
			name: "local with zero parallelism",
			mutate: func(c *Config) {
				c.Backend = BackendLocal
				c.LocalModelURL = "http://127.0.0.1:8089"
				c.LocalParallel = 0
			},
			wantErr: true,
		},
		{
			name: "local with negative pixel limit",
			mutate: func(c *Config) {
				c.Backend = BackendLocal
				c.LocalModelURL = "http://127.0.0.1:8089"
				c.LocalMaxPixels = -1
			},
			wantErr: true,
		},
		{
			name:   "stub",
			mutate: func(c *Config) { c.Backend = BackendStub },
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend = "onnx" },
			wantErr: true,
		},
		{
			name: "bad port",
			mutate: func(c *Config) {
				c.Backend = BackendStub
				c.Port = "http"
			},
			wantErr: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load()
			require.NoError(t, err)

			testCase.mutate(cfg)
			err = cfg.Validate()
			if testCase.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
