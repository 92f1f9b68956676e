package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/miniflow/engine/cmd/engine/container"
	"github.com/miniflow/engine/cmd/engine/routes"
	"github.com/miniflow/engine/common/bootstrap"
	"github.com/miniflow/engine/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap engine: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

func setupHealthCheck(e *echo.Echo) {
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"service": "engine",
			"message": "mini workflow engine",
		})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "engine",
		})
	})
}

func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterWebhookRoutes(e, serviceContainer)
	routes.RegisterNodeTestRoutes(e, serviceContainer)
}

func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("engine", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
