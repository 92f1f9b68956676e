package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniflow/engine/cmd/engine/executor"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/repository"
	"github.com/miniflow/engine/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	store := repository.New(t.TempDir(), 10, false, nil, 0, testLogger())
	require.NoError(t, store.LoadAll())
	return store
}

type runnerFixture struct {
	store  *repository.Store
	hub    *StreamHub
	rdv    *Rendezvous
	reg    *executor.Registry
	runner *Runner
}

func newRunnerFixture(t *testing.T, maxSteps int, waitTimeout time.Duration) *runnerFixture {
	t.Helper()
	log := testLogger()
	f := &runnerFixture{
		store: newTestStore(t),
		hub:   NewStreamHub(),
		rdv:   NewRendezvous(),
		reg:   executor.NewRegistry(log),
	}
	f.runner = NewRunner(f.store, f.hub, f.rdv, f.reg, log, maxSteps, waitTimeout, time.Minute)
	return f
}

func (f *runnerFixture) save(t *testing.T, wf *models.Workflow) {
	t.Helper()
	_, err := f.store.SaveWorkflow(wf)
	require.NoError(t, err)
}

// drain collects every event on the run's stream through the end
// sentinel.
func (f *runnerFixture) drain(t *testing.T, runID string) []models.LogEvent {
	t.Helper()
	stream, ok := f.hub.Get(runID)
	require.True(t, ok, "stream must exist right after start")

	var events []models.LogEvent
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, got := stream.Receive(200 * time.Millisecond)
		if !got {
			continue
		}
		events = append(events, ev)
		if ev.Step == models.SentinelEnd {
			return events
		}
	}
	t.Fatalf("no end sentinel within deadline, got %d events", len(events))
	return nil
}

// waitForRecord polls the store until the finished run is persisted.
func (f *runnerFixture) waitForRecord(t *testing.T, workflowID, runID string) *models.RunRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := f.store.GetRun(workflowID, runID); ok {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run record never persisted")
	return nil
}

func steps(events []models.LogEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Step
	}
	return out
}

func linearWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: "linear",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
			{ID: "B", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "B"},
		},
	}
}

func TestRunnerLinearRun(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.save(t, linearWorkflow("wf-linear"))

	runID, err := f.runner.Start(context.Background(), "wf-linear", map[string]any{"x": 1}, false)
	require.NoError(t, err)

	events := f.drain(t, runID)
	assert.Equal(t, []string{
		"Start",
		"Executing Node", "Finished Node",
		"Executing Node", "Finished Node",
		"End",
		models.SentinelEnd,
	}, steps(events))

	finishedB := events[4]
	assert.Equal(t, "B", finishedB.NodeID)
	assert.Equal(t, models.StatusSuccess, finishedB.Status)
	out, ok := finishedB.OutputSummary.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, out, "logged_input_summary")

	rec := f.waitForRecord(t, "wf-linear", runID)
	assert.Equal(t, models.RunSuccess, rec.Status)
	assert.False(t, rec.IsTest)
	assert.Equal(t, "End", rec.Logs[len(rec.Logs)-1].Step)
}

func TestRunnerFailFast(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.reg.Register("boom", func(_ *executor.RunContext, _ *models.Node, _ any) (any, error) {
		return nil, errors.New("deliberate failure")
	})
	f.save(t, &models.Workflow{
		ID: "wf-fail",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
			{ID: "B", Type: "boom"},
			{ID: "C", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "B", Target: "C"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-fail", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	var sawBFailed, sawCExecuting bool
	for _, ev := range events {
		if ev.Step == "Finished Node" && ev.NodeID == "B" {
			assert.Equal(t, models.StatusFailed, ev.Status)
			assert.Contains(t, ev.Error, "deliberate failure")
			sawBFailed = true
		}
		if ev.Step == "Executing Node" && ev.NodeID == "C" {
			sawCExecuting = true
		}
	}
	assert.True(t, sawBFailed)
	assert.False(t, sawCExecuting, "fail-fast must not reach C")

	rec := f.waitForRecord(t, "wf-fail", runID)
	assert.Equal(t, models.RunErrors, rec.Status)
}

func countExecutions(events []models.LogEvent) (map[string]int, int) {
	executions := map[string]int{}
	skips := 0
	for _, ev := range events {
		if ev.Step == "Executing Node" {
			executions[ev.NodeID]++
		}
		if ev.Step == "Skipping Node" {
			skips++
		}
	}
	return executions, skips
}

func TestRunnerCycleGuard(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.save(t, &models.Workflow{
		ID: "wf-cycle",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
			{ID: "B", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "B", Target: "A"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-cycle", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	executions, skips := countExecutions(events)
	assert.Equal(t, 2, executions["A"], "start node re-enters the loop once")
	assert.Equal(t, 1, executions["B"])
	assert.Equal(t, 1, skips, "B's repeat is skipped, ending the cycle")

	rec := f.waitForRecord(t, "wf-cycle", runID)
	assert.Equal(t, models.RunSuccess, rec.Status)
}

func TestRunnerStartSelfLoopBounded(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.save(t, &models.Workflow{
		ID: "wf-selfloop",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "A"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-selfloop", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	executions, skips := countExecutions(events)
	assert.Equal(t, 2, executions["A"], "self-loop from the start runs at most twice")
	assert.Equal(t, 1, skips)

	rec := f.waitForRecord(t, "wf-selfloop", runID)
	assert.Equal(t, models.RunSuccess, rec.Status)
}

func TestRunnerModelConfigExcluded(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.save(t, &models.Workflow{
		ID: "wf-mc",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
			{ID: "M", Type: models.NodeModelConfig},
			{ID: "C", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "M"},
			{ID: "e2", Source: "M", Target: "C"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-mc", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	for _, ev := range events {
		assert.NotEqual(t, "M", ev.NodeID, "model_config node must never be scheduled")
		if ev.Step == "Executing Node" {
			assert.NotEqual(t, "C", ev.NodeID, "edges through model_config carry nothing")
		}
	}
	rec := f.waitForRecord(t, "wf-mc", runID)
	assert.Equal(t, models.RunSuccess, rec.Status)
}

func TestRunnerNoStartNode(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.save(t, &models.Workflow{
		ID: "wf-nostart",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeDefault},
			{ID: "B", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "B", Target: "A"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-nostart", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	assert.Equal(t, "Initialization Error", events[1].Step)
	rec := f.waitForRecord(t, "wf-nostart", runID)
	assert.Equal(t, models.RunFailed, rec.Status)
}

func TestRunnerStepCap(t *testing.T) {
	f := newRunnerFixture(t, 1, time.Second)
	f.save(t, linearWorkflow("wf-cap"))

	runID, err := f.runner.Start(context.Background(), "wf-cap", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	var sawCap bool
	for _, ev := range events {
		if ev.Step == "Scheduler Error" {
			sawCap = true
		}
	}
	assert.True(t, sawCap)
	rec := f.waitForRecord(t, "wf-cap", runID)
	assert.Equal(t, models.RunErrors, rec.Status)
}

func webhookWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID: id,
		Nodes: []models.Node{
			{ID: "W", Type: models.NodeWebhookTrigger, Data: map[string]any{}},
			{ID: "L", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "W", Target: "L"},
		},
	}
}

func TestRunnerTestRendezvous(t *testing.T) {
	f := newRunnerFixture(t, 100, 5*time.Second)
	f.save(t, webhookWorkflow("wf-hook"))

	runID, err := f.runner.Start(context.Background(), "wf-hook", nil, true)
	require.NoError(t, err)

	path := models.WebhookPath("wf-hook", "W")
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if _, _, waiting := f.rdv.WaitingRun(path); waiting {
				f.rdv.Signal(path, map[string]any{"k": "v"})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	events := f.drain(t, runID)
	assert.Equal(t, []string{
		"Start",
		"Executing Node",
		"Waiting for Webhook",
		"Webhook Triggered",
		"Finished Node",
		"Executing Node", "Finished Node",
		"End",
		models.SentinelEnd,
	}, steps(events))

	rec := f.waitForRecord(t, "wf-hook", runID)
	assert.Equal(t, models.RunSuccess, rec.Status)
	assert.True(t, rec.IsTest)

	wf, err := f.store.GetWorkflow("wf-hook")
	require.NoError(t, err)
	assert.True(t, wf.Tested)
	require.NotNil(t, wf.LastTested)

	// The observed payload seeds the editor preview.
	node := wf.NodeByID("W")
	require.NotNil(t, node)
	assert.Equal(t, map[string]any{"k": "v"}, node.Data["last_payload"])
	assert.Equal(t, true, node.Data["dataLoaded"])
}

func TestRunnerTestRendezvousTimeout(t *testing.T) {
	f := newRunnerFixture(t, 100, 50*time.Millisecond)
	f.save(t, webhookWorkflow("wf-timeout"))

	runID, err := f.runner.Start(context.Background(), "wf-timeout", nil, true)
	require.NoError(t, err)
	events := f.drain(t, runID)

	var sawTimeout bool
	for _, ev := range events {
		if ev.Step == "Test Webhook Timeout" {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)

	rec := f.waitForRecord(t, "wf-timeout", runID)
	assert.Equal(t, models.RunErrors, rec.Status)

	wf, err := f.store.GetWorkflow("wf-timeout")
	require.NoError(t, err)
	assert.False(t, wf.Tested)
	assert.False(t, wf.IsActive)
}

func TestRunnerAbortsWhenStreamRemoved(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	blocker := make(chan struct{})
	f.reg.Register("slow", func(_ *executor.RunContext, _ *models.Node, input any) (any, error) {
		<-blocker
		return input, nil
	})
	f.save(t, &models.Workflow{
		ID: "wf-abort",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
			{ID: "S", Type: "slow"},
			{ID: "B", Type: models.NodeDefault},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "S"},
			{ID: "e2", Source: "S", Target: "B"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-abort", nil, false)
	require.NoError(t, err)

	// Simulate the SSE handler dropping the stream mid-run, then let
	// the slow node return so the scheduler reaches a step boundary.
	f.hub.Remove(runID)
	close(blocker)

	rec := f.waitForRecord(t, "wf-abort", runID)
	assert.Equal(t, models.RunAborted, rec.Status)

	var sawBExec bool
	for _, ev := range rec.Logs {
		if ev.Step == "Executing Node" && ev.NodeID == "B" {
			sawBExec = true
		}
	}
	assert.False(t, sawBExec, "abort must land before the next node executes")
}

func TestRunnerPanicRecovered(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.reg.Register("panic", func(_ *executor.RunContext, _ *models.Node, _ any) (any, error) {
		panic("executor exploded")
	})
	f.save(t, &models.Workflow{
		ID: "wf-panic",
		Nodes: []models.Node{
			{ID: "A", Type: models.NodeInput},
			{ID: "P", Type: "panic"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "A", Target: "P"},
		},
	})

	runID, err := f.runner.Start(context.Background(), "wf-panic", nil, false)
	require.NoError(t, err)
	events := f.drain(t, runID)

	end := events[len(events)-2]
	assert.Equal(t, "End", end.Step)
	assert.Contains(t, end.Error, "executor exploded")

	rec := f.waitForRecord(t, "wf-panic", runID)
	assert.Equal(t, models.RunFailed, rec.Status)
}

func TestRunnerRetiresUnwatchedStream(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	f.runner.streamRetention = 20 * time.Millisecond
	f.save(t, linearWorkflow("wf-unwatched"))

	runID, err := f.runner.Start(context.Background(), "wf-unwatched", nil, false)
	require.NoError(t, err)

	// Nobody subscribes; the stream must still leave the hub once the
	// run finishes and the drain window passes.
	f.waitForRecord(t, "wf-unwatched", runID)

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Exists(runID) {
		require.True(t, time.Now().Before(deadline), "finished run's stream never retired")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerUnknownWorkflow(t *testing.T) {
	f := newRunnerFixture(t, 100, time.Second)
	_, err := f.runner.Start(context.Background(), "missing", nil, false)
	assert.Error(t, err)
}
