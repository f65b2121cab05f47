package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"image-caption-service/captioner"
	"image-caption-service/config"
	"image-caption-service/handlers"
	"image-caption-service/huggingface"
	"image-caption-service/localmodel"
	"image-caption-service/server"
	"image-caption-service/service"
	"image-caption-service/stubcaption"
	"image-caption-service/version"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Infof("Starting %s", version.Get(handlers.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s captioning backend: %v", cfg.Backend, err)
	}
	defer closeBackend()

	log.WithFields(log.Fields{
		"backend":          backend.Name(),
		"port":             cfg.Port,
		"max_upload_bytes": cfg.MaxUploadBytes,
	}).Info("caption.service.ready")

	router := server.NewRouter(cfg, service.NewService(backend))
	if err := server.Serve(ctx, cfg, router); err != nil {
		log.Errorf("Server error: %v", err)
		closeBackend()
		os.Exit(1)
	}
}

// newBackend builds the configured captioning backend. Model loading happens here, once.
func newBackend(ctx context.Context, cfg *config.Config) (captioner.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendRemote:
		return huggingface.NewClient(cfg.HuggingFaceAPIKey, cfg.HuggingFaceModelURL, cfg.HuggingFaceTimeout), func() {}, nil
	case config.BackendLocal:
		client, err := localmodel.NewClient(ctx, localmodel.Options{
			ServerBinary:     cfg.LocalServerBinary,
			ModelPath:        cfg.LocalModelPath,
			MMProjPath:       cfg.LocalMMProjPath,
			Port:             cfg.LocalPort,
			GPULayers:        cfg.LocalGPULayers,
			ContextSize:      cfg.LocalContextSize,
			URL:              cfg.LocalModelURL,
			MaxTokens:        cfg.LocalMaxTokens,
			Prompt:           cfg.LocalPrompt,
			Parallel:         cfg.LocalParallel,
			LoadTimeout:      cfg.LocalLoadTimeout,
			InferenceTimeout: cfg.LocalInferenceTimeout,
			MaxImageDim:      cfg.LocalMaxImageDim,
			MaxPixels:        cfg.LocalMaxPixels,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	case config.BackendStub:
		log.Warn("Using the stub captioning backend; captions are not real")
		return stubcaption.NewClient(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if level == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}
