package service

import (
	"context"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/repository"
	"github.com/miniflow/engine/common/logger"
)

// WorkflowService is the API-facing workflow surface: persistence,
// lifecycle flags and run access.
type WorkflowService struct {
	store  *repository.Store
	runner *Runner
	log    *logger.Logger
}

// NewWorkflowService wires the workflow surface.
func NewWorkflowService(store *repository.Store, runner *Runner, log *logger.Logger) *WorkflowService {
	return &WorkflowService{store: store, runner: runner, log: log}
}

// Save upserts a workflow definition.
func (s *WorkflowService) Save(wf *models.Workflow) (map[string]any, error) {
	changed, err := s.store.SaveWorkflow(wf)
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("workflow structure changed, flags reset", "workflow_id", wf.ID)
	}
	return map[string]any{
		"workflow_id":       wf.ID,
		"structure_changed": changed,
	}, nil
}

// Get fetches one workflow.
func (s *WorkflowService) Get(id string) (*models.Workflow, error) {
	return s.store.GetWorkflow(id)
}

// List returns all workflows.
func (s *WorkflowService) List() []*models.Workflow {
	return s.store.ListWorkflows()
}

// ToggleActive flips the active flag, enforcing the tested gate.
func (s *WorkflowService) ToggleActive(id string, active bool) (*models.Workflow, error) {
	return s.store.SetActive(id, active)
}

// Patch applies an RFC 6902 patch to the stored definition and saves
// the result through the normal save path, so structural edits reset
// the lifecycle flags like any other save.
func (s *WorkflowService) Patch(id string, patchDoc []byte) (*models.Workflow, error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, faults.New(faults.KindValidation, "invalid patch document: %v", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, faults.New(faults.KindValidation, "patch failed to apply: %v", err)
	}

	var updated models.Workflow
	if err := json.Unmarshal(patched, &updated); err != nil {
		return nil, faults.New(faults.KindValidation, "patched document is not a workflow: %v", err)
	}
	updated.ID = id

	if _, err := s.store.SaveWorkflow(&updated); err != nil {
		return nil, err
	}
	return s.store.GetWorkflow(id)
}

// Run starts a production run.
func (s *WorkflowService) Run(ctx context.Context, id string, input any) (string, error) {
	return s.runner.Start(ctx, id, input, false)
}

// Test starts a test run.
func (s *WorkflowService) Test(ctx context.Context, id string, input any) (string, error) {
	return s.runner.Start(ctx, id, input, true)
}

// Runs lists a workflow's run history, newest first. With
// includeArchived, archive-only runs are appended as log-less records.
func (s *WorkflowService) Runs(id string, limit int, includeArchived bool) ([]models.RunRecord, error) {
	if !s.store.WorkflowExists(id) {
		return nil, faults.New(faults.KindNotFound, "workflow %s not found", id)
	}

	records := s.store.Runs(id, 0)
	if includeArchived {
		inMemory := make(map[string]bool, len(records))
		for _, rec := range records {
			inMemory[rec.RunID] = true
		}

		metas, err := s.store.ListArchived(id)
		if err != nil {
			return nil, err
		}
		for _, meta := range metas {
			if inMemory[meta.RunID] {
				continue
			}
			end := meta.EndTime
			records = append(records, models.RunRecord{
				RunID:      meta.RunID,
				WorkflowID: meta.WorkflowID,
				IsTest:     meta.IsTest,
				StartTime:  meta.StartTime,
				EndTime:    &end,
				Status:     meta.Status,
			})
		}
	}

	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

// GetRun fetches one run, from memory first and the archive second.
func (s *WorkflowService) GetRun(id, runID string) (*models.RunRecord, error) {
	if rec, ok := s.store.GetRun(id, runID); ok {
		return rec, nil
	}

	archived, err := s.store.GetArchivedRun(id, runID)
	if err != nil {
		return nil, err
	}
	end := archived.EndTime
	return &models.RunRecord{
		RunID:      archived.RunID,
		WorkflowID: archived.WorkflowID,
		IsTest:     archived.IsTest,
		StartTime:  archived.StartTime,
		EndTime:    &end,
		Status:     archived.Status,
		Logs:       archived.Logs,
	}, nil
}
