// Package app assembles the session server from configuration: telemetry,
// the realtime model client, the frame analyzer, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/argusvoice/argus/internal/config"
	"github.com/argusvoice/argus/internal/observe"
	"github.com/argusvoice/argus/internal/server"
	rtopenai "github.com/argusvoice/argus/pkg/realtime/openai"
	"github.com/argusvoice/argus/pkg/vision"
	visionopenai "github.com/argusvoice/argus/pkg/vision/openai"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App is the assembled session server.
type App struct {
	cfg      *config.Config
	srv      *server.Server
	shutdown func(context.Context) error
}

// New builds an [App] from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.Model.APIKey == "" {
		return nil, errors.New("app: model.api_key is required")
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "argus",
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	metrics, err := observe.NewMetrics(observe.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	var modelOpts []rtopenai.Option
	if cfg.Model.Model != "" {
		modelOpts = append(modelOpts, rtopenai.WithModel(cfg.Model.Model))
	}
	if cfg.Model.BaseURL != "" {
		modelOpts = append(modelOpts, rtopenai.WithBaseURL(cfg.Model.BaseURL))
	}
	model := rtopenai.New(cfg.Model.APIKey, modelOpts...)

	// The realtime provider analyses frames over each session's own model
	// connection, so there is no shared analyzer to build for it.
	var analyzer vision.Analyzer
	if cfg.Vision.Provider == config.VisionHTTP {
		var opts []visionopenai.Option
		if cfg.Vision.Model != "" {
			opts = append(opts, visionopenai.WithModel(cfg.Vision.Model))
		}
		a, err := visionopenai.New(cfg.Vision.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: create analyzer: %w", err)
		}
		analyzer = a
	}

	srv, err := server.New(server.Options{
		Config:   cfg,
		Model:    model,
		Analyzer: analyzer,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create server: %w", err)
	}

	return &App{cfg: cfg, srv: srv, shutdown: shutdown}, nil
}

// Run serves until ctx is cancelled, then returns after graceful teardown.
func (a *App) Run(ctx context.Context) error {
	return a.srv.Run(ctx)
}

// Shutdown flushes telemetry. Call after [App.Run] returns.
func (a *App) Shutdown(ctx context.Context) error {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown(ctx)
}
