package bootstrap

import (
	"context"
	"fmt"

	"github.com/miniflow/engine/common/cache"
	"github.com/miniflow/engine/common/config"
	"github.com/miniflow/engine/common/logger"
	"github.com/miniflow/engine/common/queue"
	"github.com/miniflow/engine/common/telemetry"
)

// Setup initializes all shared service components. This is the entry
// point for every binary in the repo.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Queue
	if !options.skipQueue {
		components.Queue = queue.NewMemoryQueue(components.Logger)
		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 4. Cache
	if !options.skipCache {
		components.Cache = cache.NewMemoryCache(components.Logger)
		components.addCleanup(func() error {
			components.Logger.Info("closing cache")
			return components.Cache.Close()
		})
	}

	// 5. Telemetry
	if !options.skipTelemetry && components.Config.Telemetry.EnablePprof {
		components.Telemetry = telemetry.New(components.Config.Telemetry.PprofPort, components.Logger)
		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"queue", components.Queue != nil,
		"cache", components.Cache != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
