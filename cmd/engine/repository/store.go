package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/common/cache"
	"github.com/miniflow/engine/common/logger"
)

const (
	workflowsFile = "workflows.json"
	runsFile      = "runs.json"
	registryFile  = "webhook_registry.json"
	payloadsFile  = "webhook_payloads.json"

	// payloadRingSize bounds the stored deliveries per webhook path.
	payloadRingSize = 100
)

// Store owns all persisted engine state: workflow definitions, the
// webhook registry, per-path payload rings and the recent run history.
// Readers may be concurrent; writers serialize through the store, and
// every mutation is flushed with an atomic tmp+rename replace.
type Store struct {
	mu sync.RWMutex

	dataDir     string
	maxRuns     int
	archiveRuns bool
	log         *logger.Logger

	workflows map[string]*models.Workflow
	runs      map[string][]models.RunRecord
	registry  map[string]models.WebhookRegistration
	payloads  map[string][]models.WebhookPayload

	archiveCache cache.Cache
	archiveTTL   time.Duration
}

// New creates a store rooted at dataDir. archiveCache may be nil to
// disable archive read caching.
func New(dataDir string, maxRuns int, archiveRuns bool, archiveCache cache.Cache, archiveTTL time.Duration, log *logger.Logger) *Store {
	return &Store{
		dataDir:      dataDir,
		maxRuns:      maxRuns,
		archiveRuns:  archiveRuns,
		log:          log,
		workflows:    make(map[string]*models.Workflow),
		runs:         make(map[string][]models.RunRecord),
		registry:     make(map[string]models.WebhookRegistration),
		payloads:     make(map[string][]models.WebhookPayload),
		archiveCache: archiveCache,
		archiveTTL:   archiveTTL,
	}
}

// LoadAll reads every snapshot file present under the data directory.
// Missing files are not errors; a fresh directory starts empty.
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := s.readSnapshot(workflowsFile, &s.workflows); err != nil {
		return err
	}
	if err := s.readSnapshot(runsFile, &s.runs); err != nil {
		return err
	}
	if err := s.readSnapshot(registryFile, &s.registry); err != nil {
		return err
	}
	if err := s.readSnapshot(payloadsFile, &s.payloads); err != nil {
		return err
	}

	s.log.Info("store loaded",
		"workflows", len(s.workflows),
		"webhooks", len(s.registry),
		"payload_paths", len(s.payloads),
	)
	return nil
}

func (s *Store) readSnapshot(name string, out any) error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// writeAtomic writes v to name via a .tmp sibling and rename, so a
// reader always observes either the old or the new content.
func (s *Store) writeAtomic(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// SaveWorkflow upserts a workflow. When the node or edge set differs
// from the stored version, tested and is_active are both cleared.
// Returns whether the structure changed.
func (s *Store) SaveWorkflow(wf *models.Workflow) (bool, error) {
	if wf.ID == "" {
		return false, faults.New(faults.KindValidation, "workflow id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := wf.Clone()
	prev, exists := s.workflows[wf.ID]

	changed := true
	if exists {
		changed = !stored.StructureEquals(prev)
		if changed {
			stored.Tested = false
			stored.IsActive = false
		} else {
			// Cosmetic save: flags carry over from the stored copy
			// so a client resending a stale document cannot
			// self-activate a workflow.
			stored.Tested = prev.Tested
			stored.IsActive = prev.IsActive
			stored.LastTested = prev.LastTested
		}
	} else {
		stored.Tested = false
		stored.IsActive = false
		stored.LastTested = nil
	}

	s.workflows[wf.ID] = stored
	return changed, s.writeAtomic(workflowsFile, s.workflows)
}

// GetWorkflow returns a deep copy of the workflow.
func (s *Store) GetWorkflow(id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "workflow %s not found", id)
	}
	return wf.Clone(), nil
}

// WorkflowExists reports whether a workflow is stored.
func (s *Store) WorkflowExists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workflows[id]
	return ok
}

// ListWorkflows returns deep copies of all workflows, ordered by id.
func (s *Store) ListWorkflows() []*models.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive toggles a workflow's active flag. Activating an untested
// workflow is refused.
func (s *Store) SetActive(id string, active bool) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "workflow %s not found", id)
	}
	if active && !wf.Tested {
		return nil, faults.New(faults.KindValidation, "workflow %s must pass a test run before activation", id)
	}

	wf.IsActive = active
	if err := s.writeAtomic(workflowsFile, s.workflows); err != nil {
		return nil, err
	}
	return wf.Clone(), nil
}

// SetTested records the outcome of a test run. A failed test forcibly
// deactivates the workflow.
func (s *Store) SetTested(id string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, found := s.workflows[id]
	if !found {
		return faults.New(faults.KindNotFound, "workflow %s not found", id)
	}

	now := time.Now().UTC()
	wf.Tested = ok
	wf.LastTested = &now
	if !ok {
		wf.IsActive = false
	}
	return s.writeAtomic(workflowsFile, s.workflows)
}

// PromoteWebhookPayload caches an observed payload on the saved
// workflow's node data, seeding later editor previews.
func (s *Store) PromoteWebhookPayload(workflowID, nodeID string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return faults.New(faults.KindNotFound, "workflow %s not found", workflowID)
	}
	node := wf.NodeByID(nodeID)
	if node == nil {
		return faults.New(faults.KindNotFound, "node %s not found in workflow %s", nodeID, workflowID)
	}

	if node.Data == nil {
		node.Data = make(map[string]any)
	}
	node.Data["last_payload"] = payload
	node.Data["dataLoaded"] = true
	return s.writeAtomic(workflowsFile, s.workflows)
}

// AppendRun prepends a finished run to the workflow's history, bounded
// to the newest maxRuns entries, and archives the full record.
func (s *Store) AppendRun(rec models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append([]models.RunRecord{rec}, s.runs[rec.WorkflowID]...)
	if len(history) > s.maxRuns {
		history = history[:s.maxRuns]
	}
	s.runs[rec.WorkflowID] = history

	if err := s.writeAtomic(runsFile, s.runs); err != nil {
		return err
	}
	if s.archiveRuns {
		if err := s.archiveRun(rec); err != nil {
			// Archive failures must not fail the run itself.
			s.log.Error("run archive failed", "run_id", rec.RunID, "error", err)
		}
	}
	return nil
}

// Runs returns the in-memory run history for a workflow, newest first.
// limit <= 0 returns everything retained.
func (s *Store) Runs(workflowID string, limit int) []models.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.runs[workflowID]
	if limit > 0 && limit < len(history) {
		history = history[:limit]
	}
	out := make([]models.RunRecord, len(history))
	copy(out, history)
	return out
}

// GetRun returns one run from the in-memory history.
func (s *Store) GetRun(workflowID, runID string) (*models.RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.runs[workflowID] {
		if rec.RunID == runID {
			r := rec
			return &r, true
		}
	}
	return nil, false
}

// RegisterWebhook stores a registry entry for the workflow/node pair
// and returns it. Re-registering the same pair keeps the existing
// webhook id.
func (s *Store) RegisterWebhook(workflowID, nodeID string) (models.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := models.WebhookPath(workflowID, nodeID)
	if existing, ok := s.registry[path]; ok {
		return existing, nil
	}

	reg := models.WebhookRegistration{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		WebhookID:  uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
	}
	s.registry[path] = reg
	return reg, s.writeAtomic(registryFile, s.registry)
}

// Registration looks up a registry entry by full internal path.
func (s *Store) Registration(path string) (models.WebhookRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registry[path]
	return reg, ok
}

// Registry returns a copy of the whole webhook registry.
func (s *Store) Registry() map[string]models.WebhookRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.WebhookRegistration, len(s.registry))
	for k, v := range s.registry {
		out[k] = v
	}
	return out
}

// AppendPayload records an inbound delivery on the path's ring,
// trimming to the newest payloadRingSize entries.
func (s *Store) AppendPayload(segment string, p models.WebhookPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.payloads[segment], p)
	if len(ring) > payloadRingSize {
		ring = ring[len(ring)-payloadRingSize:]
	}
	s.payloads[segment] = ring
	return s.writeAtomic(payloadsFile, s.payloads)
}

// Payloads returns the stored deliveries for a path segment, oldest
// first (arrival order).
func (s *Store) Payloads(segment string) []models.WebhookPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring := s.payloads[segment]
	out := make([]models.WebhookPayload, len(ring))
	copy(out, ring)
	return out
}

// ClearPayloads drops a path segment's ring.
func (s *Store) ClearPayloads(segment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.payloads, segment)
	return s.writeAtomic(payloadsFile, s.payloads)
}
