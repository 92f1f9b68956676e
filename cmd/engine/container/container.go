package container

import (
	"context"
	"fmt"

	"github.com/miniflow/engine/cmd/engine/executor"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/repository"
	"github.com/miniflow/engine/cmd/engine/sandbox"
	"github.com/miniflow/engine/cmd/engine/security"
	"github.com/miniflow/engine/cmd/engine/service"
	"github.com/miniflow/engine/common/bootstrap"
)

// Container holds all initialized services and repositories (singleton
// pattern: everything is created once at startup).
type Container struct {
	Components *bootstrap.Components

	Store *repository.Store

	Hub        *service.StreamHub
	Rendezvous *service.Rendezvous
	Runner     *service.Runner

	Sandbox    *sandbox.Sandbox
	LLM        *executor.LLM
	HTTPAction *executor.HTTPAction
	Code       *executor.Code

	WorkflowService *service.WorkflowService
	WebhookService  *service.WebhookService
}

// NewContainer initializes all services once, bottom-up, and starts the
// webhook dispatcher.
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	store := repository.New(
		cfg.Storage.DataDir,
		cfg.Storage.MaxRunsInMemory,
		cfg.Storage.ArchiveRuns,
		components.Cache,
		cfg.Storage.ArchiveCacheTTL,
		log,
	)
	if err := store.LoadAll(); err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	hub := service.NewStreamHub()
	rdv := service.NewRendezvous()

	box := sandbox.New(cfg.Sandbox.PythonBin, cfg.Sandbox.Timeout, cfg.Sandbox.AllowPipInstall, log)
	guard := security.NewURLGuard(cfg.Outbound.URLGuard)

	llm := executor.NewLLM(log, cfg.LLM.DefaultModel, cfg.LLM.APIKey, cfg.LLM.APIBase)
	httpAction := executor.NewHTTPAction(log, guard, cfg.Outbound.RequestTimeout)
	code := executor.NewCode(log, box)

	registry := executor.NewRegistry(log)
	registry.Register(models.NodeLLM, llm.Execute)
	registry.Register(models.NodeCode, code.Execute)
	registry.Register(models.NodeHTTPAction, httpAction.Execute)
	registry.Register(models.NodeWebhookAction, httpAction.Execute)
	registry.Register(models.NodeAPIConsumer, httpAction.Execute)

	runner := service.NewRunner(store, hub, rdv, registry, log, cfg.Engine.MaxSteps, cfg.Engine.WebhookWaitTimeout, cfg.Engine.StreamRetention)

	workflowService := service.NewWorkflowService(store, runner, log)
	webhookService := service.NewWebhookService(store, rdv, runner, components.Queue, log, cfg.Service.BaseURL)
	if err := webhookService.StartDispatcher(ctx); err != nil {
		return nil, fmt.Errorf("start webhook dispatcher: %w", err)
	}

	return &Container{
		Components:      components,
		Store:           store,
		Hub:             hub,
		Rendezvous:      rdv,
		Runner:          runner,
		Sandbox:         box,
		LLM:             llm,
		HTTPAction:      httpAction,
		Code:            code,
		WorkflowService: workflowService,
		WebhookService:  webhookService,
	}, nil
}
