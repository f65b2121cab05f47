package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by CAPTION_BACKEND.
const (
	BackendRemote = "remote"
	BackendLocal  = "local"
	BackendStub   = "stub"
)

const defaultHuggingFaceModelURL = "https://api-inference.huggingface.co/models/Salesforce/blip-image-captioning-large"

// Config holds all configuration for the image caption service
type Config struct {
	// Server configuration
	Port            string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration

	// Which captioning backend serves requests
	Backend string

	// Hugging Face inference configuration
	HuggingFaceAPIKey   string
	HuggingFaceModelURL string
	HuggingFaceTimeout  time.Duration

	// Local model runtime configuration
	LocalServerBinary     string
	LocalModelPath        string
	LocalMMProjPath       string
	LocalModelURL         string
	LocalPort             int
	LocalGPULayers        int
	LocalContextSize      int
	LocalMaxTokens        int
	LocalPrompt           string
	LocalParallel         int
	LocalLoadTimeout      time.Duration
	LocalInferenceTimeout time.Duration
	LocalMaxImageDim      int
	LocalMaxPixels        int64

	// Logging
	LogLevel  string
	LogFormat string
}

// fileValues holds values read from CONFIG_FILE. Environment variables win over them.
var fileValues = map[string]string{}

// Load loads configuration from the optional CONFIG_FILE and environment variables
func Load() (*Config, error) {
	fileValues = map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		fileValues = values
	}

	config := &Config{
		// Server defaults
		Port:            getEnv("PORT", "5000"),
		MaxUploadBytes:  getInt64Env("MAX_UPLOAD_BYTES", 0),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		Backend: strings.ToLower(getEnv("CAPTION_BACKEND", BackendRemote)),

		// Hugging Face defaults
		HuggingFaceAPIKey:   getEnv("HUGGINGFACE_API_KEY", ""),
		HuggingFaceModelURL: getEnv("HUGGINGFACE_MODEL_URL", defaultHuggingFaceModelURL),
		HuggingFaceTimeout:  getDurationEnv("HUGGINGFACE_TIMEOUT", 30*time.Second),

		// Local runtime defaults
		LocalServerBinary:     getEnv("LOCAL_SERVER_BINARY", "llama-server"),
		LocalModelPath:        getEnv("LOCAL_MODEL_PATH", ""),
		LocalMMProjPath:       getEnv("LOCAL_MMPROJ_PATH", ""),
		LocalModelURL:         getEnv("LOCAL_MODEL_URL", ""),
		LocalPort:             getIntEnv("LOCAL_PORT", 8089),
		LocalGPULayers:        getIntEnv("LOCAL_GPU_LAYERS", 99),
		LocalContextSize:      getIntEnv("LOCAL_CONTEXT_SIZE", 4096),
		LocalMaxTokens:        getIntEnv("LOCAL_MAX_TOKENS", 50),
		LocalPrompt:           getEnv("LOCAL_PROMPT", "Write a short caption describing this image."),
		LocalParallel:         getIntEnv("LOCAL_PARALLEL", 1),
		LocalLoadTimeout:      getDurationEnv("LOCAL_LOAD_TIMEOUT", 5*time.Minute),
		LocalInferenceTimeout: getDurationEnv("LOCAL_INFERENCE_TIMEOUT", 0),
		LocalMaxImageDim:      getIntEnv("LOCAL_MAX_IMAGE_DIMENSION", 768),
		LocalMaxPixels:        getInt64Env("LOCAL_MAX_PIXELS", 40_000_000),

		// Logging defaults
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	return config, nil
}

// Validate reports configuration problems that must stop the process before it serves anything.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT %q: %w", c.Port, err)
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must not be negative, got %d", c.MaxUploadBytes)
	}

	switch c.Backend {
	case BackendRemote:
		if c.HuggingFaceAPIKey == "" {
			return fmt.Errorf("HUGGINGFACE_API_KEY environment variable is required for the %s backend", BackendRemote)
		}
		if c.HuggingFaceTimeout <= 0 {
			return fmt.Errorf("HUGGINGFACE_TIMEOUT must be positive, got %s", c.HuggingFaceTimeout)
		}
	case BackendLocal:
		if c.LocalModelURL == "" && (c.LocalModelPath == "" || c.LocalMMProjPath == "") {
			return fmt.Errorf("LOCAL_MODEL_PATH and LOCAL_MMPROJ_PATH are required when LOCAL_MODEL_URL is not set")
		}
		if c.LocalParallel < 1 {
			return fmt.Errorf("LOCAL_PARALLEL must be at least 1, got %d", c.LocalParallel)
		}
		if c.LocalMaxTokens < 1 {
			return fmt.Errorf("LOCAL_MAX_TOKENS must be at least 1, got %d", c.LocalMaxTokens)
		}
		if c.LocalMaxPixels < 0 {
			return fmt.Errorf("LOCAL_MAX_PIXELS must not be negative, got %d", c.LocalMaxPixels)
		}
	case BackendStub:
	default:
		return fmt.Errorf("unknown CAPTION_BACKEND %q (expected %s, %s or %s)", c.Backend, BackendRemote, BackendLocal, BackendStub)
	}

	return nil
}

// readFile reads a flat YAML document whose keys are the environment variable names.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		values[strings.ToUpper(key)] = fmt.Sprint(value)
	}
	return values, nil
}

// getEnv gets an environment variable, then the config file value, or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := fileValues[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := getEnv(key, ""); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
