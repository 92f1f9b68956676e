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

// Components holds all initialized service dependencies.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	Queue     queue.Queue
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown tears down components in reverse initialization order.
// Call with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// addCleanup registers a cleanup function.
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
