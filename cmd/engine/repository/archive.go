package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
)

const archiveDir = "runs"

// archiveRun writes the full run record to
// runs/{workflow_id}/{YYYYMMDD_HHMMSS}_{run_id}.json. Archives outlive
// the bounded in-memory history. Caller holds the store lock.
func (s *Store) archiveRun(rec models.RunRecord) error {
	dir := filepath.Join(s.dataDir, archiveDir, rec.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	end := time.Now().UTC()
	if rec.EndTime != nil {
		end = *rec.EndTime
	}

	archived := models.ArchivedRun{
		ArchiveMeta: models.ArchiveMeta{
			RunID:      rec.RunID,
			WorkflowID: rec.WorkflowID,
			StartTime:  rec.StartTime,
			EndTime:    end,
			Duration:   end.Sub(rec.StartTime).Seconds(),
			Status:     rec.Status,
			IsTest:     rec.IsTest,
			LogCount:   len(rec.Logs),
			ArchivedAt: time.Now().UTC(),
		},
		Logs: rec.Logs,
	}

	name := fmt.Sprintf("%s_%s.json", rec.StartTime.UTC().Format("20060102_150405"), rec.RunID)
	raw, err := json.MarshalIndent(archived, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// ListArchived returns the archive metadata for a workflow, newest
// first. A workflow with no archive directory has no archived runs.
func (s *Store) ListArchived(workflowID string) ([]models.ArchiveMeta, error) {
	dir := filepath.Join(s.dataDir, archiveDir, workflowID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	metas := make([]models.ArchiveMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		archived, err := s.readArchiveFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable archive file", "file", entry.Name(), "error", err)
			continue
		}
		metas = append(metas, archived.ArchiveMeta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].StartTime.After(metas[j].StartTime)
	})
	return metas, nil
}

// GetArchivedRun loads a single archived run, consulting the read
// cache first. Archive files are immutable once written.
func (s *Store) GetArchivedRun(workflowID, runID string) (*models.ArchivedRun, error) {
	cacheKey := "archive:" + workflowID + ":" + runID
	if s.archiveCache != nil {
		if raw, ok, err := s.archiveCache.Get(context.Background(), cacheKey); err == nil && ok {
			var archived models.ArchivedRun
			if err := json.Unmarshal(raw, &archived); err == nil {
				return &archived, nil
			}
		}
	}

	dir := filepath.Join(s.dataDir, archiveDir, workflowID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, faults.New(faults.KindNotFound, "run %s not found for workflow %s", runID, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	suffix := "_" + runID + ".json"
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		archived, err := s.readArchiveFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if s.archiveCache != nil {
			if raw, err := json.Marshal(archived); err == nil {
				s.archiveCache.Set(context.Background(), cacheKey, raw, s.archiveTTL)
			}
		}
		return archived, nil
	}
	return nil, faults.New(faults.KindNotFound, "run %s not found for workflow %s", runID, workflowID)
}

func (s *Store) readArchiveFile(path string) (*models.ArchivedRun, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	var archived models.ArchivedRun
	if err := json.Unmarshal(raw, &archived); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", filepath.Base(path), err)
	}
	return &archived, nil
}
