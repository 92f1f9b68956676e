package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/common/queue"
)

func TestParseSegment(t *testing.T) {
	tests := []struct {
		segment    string
		workflowID string
		nodeID     string
		ok         bool
	}{
		{"wh_wf1_node1", "wf1", "node1", true},
		{"wh_wf_123_n9", "wf_123", "n9", true},
		{"wh_wf_123_dndnode_5", "wf_123", "dndnode_5", true},
		{"wh_my_flow_dndnode_12", "my_flow", "dndnode_12", true},
		{"wh_plain", "", "", false},
		{"nothing", "", "", false},
		{"wh_", "", "", false},
		{"wh_trailing_", "", "", false},
	}

	for _, tc := range tests {
		wfID, nodeID, ok := parseSegment(tc.segment)
		assert.Equal(t, tc.ok, ok, tc.segment)
		if tc.ok {
			assert.Equal(t, tc.workflowID, wfID, tc.segment)
			assert.Equal(t, tc.nodeID, nodeID, tc.segment)
		}
	}
}

type webhookFixture struct {
	*runnerFixture
	svc *WebhookService
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	log := testLogger()
	rf := newRunnerFixture(t, 100, 5*time.Second)
	q := queue.NewMemoryQueue(log)
	t.Cleanup(func() { q.Close() })

	svc := NewWebhookService(rf.store, rf.rdv, rf.runner, q, log, "http://localhost:8000")
	require.NoError(t, svc.StartDispatcher(context.Background()))
	return &webhookFixture{runnerFixture: rf, svc: svc}
}

func TestIngressRetainsPayloadEvenWhenUnmatched(t *testing.T) {
	f := newWebhookFixture(t)

	result := f.svc.Ingress(context.Background(), "wh_nobody_home", "POST", map[string]any{"a": 1}, nil, nil)
	assert.Equal(t, map[string]any{"success": false}, result)

	ring := f.svc.Payloads("wh_nobody_home")
	require.Len(t, ring, 1)
	assert.Equal(t, map[string]any{"a": 1}, ring[0].Data)
	assert.Equal(t, "POST", ring[0].Method)
}

func TestIngressPayloadRingTrims(t *testing.T) {
	f := newWebhookFixture(t)

	for i := 0; i < 105; i++ {
		f.svc.Ingress(context.Background(), "wh_ring_seg", "POST", map[string]any{"n": i}, nil, nil)
	}

	ring := f.svc.Payloads("wh_ring_seg")
	require.Len(t, ring, 100)
	// Oldest entries fell off the front.
	assert.Equal(t, map[string]any{"n": 5}, ring[0].Data)
	assert.Equal(t, map[string]any{"n": 104}, ring[99].Data)
}

func TestIngressResumesWaitingTest(t *testing.T) {
	f := newWebhookFixture(t)
	f.save(t, webhookWorkflow("wf-live"))

	runID, err := f.runner.Start(context.Background(), "wf-live", nil, true)
	require.NoError(t, err)

	path := models.WebhookPath("wf-live", "W")
	segment := models.WebhookSegment("wf-live", "W")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, _, waiting := f.rdv.WaitingRun(path); waiting {
			break
		}
		require.True(t, time.Now().Before(deadline), "run never reached the webhook gate")
		time.Sleep(5 * time.Millisecond)
	}

	result := f.svc.Ingress(context.Background(), segment, "POST", map[string]any{"k": "v"}, nil, nil)
	assert.Equal(t, map[string]any{"success": true, "message": "test data received"}, result)

	rec := f.waitForRecord(t, "wf-live", runID)
	assert.Equal(t, models.RunSuccess, rec.Status)

	// The first delivery consumed the waiter; a late second delivery
	// auto-registers the path but starts nothing on the inactive
	// workflow.
	again := f.svc.Ingress(context.Background(), segment, "POST", map[string]any{"late": true}, nil, nil)
	assert.Equal(t, true, again["success"])
	assert.Len(t, f.svc.Payloads(segment), 2)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, f.store.Runs("wf-live", 0), 1)
}

func TestIngressAutoRegistersAndRunsActiveWorkflow(t *testing.T) {
	f := newWebhookFixture(t)
	f.save(t, webhookWorkflow("wf-auto"))
	require.NoError(t, f.store.SetTested("wf-auto", true))
	_, err := f.store.SetActive("wf-auto", true)
	require.NoError(t, err)

	segment := models.WebhookSegment("wf-auto", "W")
	result := f.svc.Ingress(context.Background(), segment, "POST", map[string]any{"hello": "world"}, nil, nil)
	assert.Equal(t, map[string]any{"success": true}, result)

	// First delivery registered the path.
	_, ok := f.store.Registration(models.WebhookPath("wf-auto", "W"))
	assert.True(t, ok)

	// The queued dispatch starts a production run.
	deadline := time.Now().Add(5 * time.Second)
	for {
		runs := f.store.Runs("wf-auto", 0)
		if len(runs) == 1 {
			assert.Equal(t, models.RunSuccess, runs[0].Status)
			assert.False(t, runs[0].IsTest)
			break
		}
		require.True(t, time.Now().Before(deadline), "production run never recorded")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngressAutoRegistrationRefusesNonWebhookNode(t *testing.T) {
	f := newWebhookFixture(t)
	f.save(t, linearWorkflow("wf-plain"))

	segment := models.WebhookSegment("wf-plain", "A")
	result := f.svc.Ingress(context.Background(), segment, "POST", map[string]any{"x": 1}, nil, nil)
	assert.Equal(t, map[string]any{"success": false}, result)

	_, ok := f.store.Registration(models.WebhookPath("wf-plain", "A"))
	assert.False(t, ok)
}

func TestIngressInactiveWorkflowRecordsOnly(t *testing.T) {
	f := newWebhookFixture(t)
	f.save(t, webhookWorkflow("wf-idle"))

	// Register explicitly; workflow stays inactive.
	_, err := f.svc.Register("wf-idle", "W")
	require.NoError(t, err)

	segment := models.WebhookSegment("wf-idle", "W")
	result := f.svc.Ingress(context.Background(), segment, "POST", map[string]any{"x": 1}, nil, nil)
	assert.Equal(t, map[string]any{"success": true}, result)

	// Give the dispatcher a moment; no run may appear.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, f.store.Runs("wf-idle", 0))
	assert.Len(t, f.svc.Payloads(segment), 1)
}

func TestRegisterReturnsURL(t *testing.T) {
	f := newWebhookFixture(t)
	f.save(t, webhookWorkflow("wf-reg"))

	result, err := f.svc.Register("wf-reg", "W")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/webhooks/wh_wf-reg_W", result["webhook_url"])
	assert.Equal(t, "wf-reg", result["workflow_id"])
	assert.Equal(t, "W", result["node_id"])
	assert.NotEmpty(t, result["webhook_id"])

	// Re-registering keeps the same webhook id.
	again, err := f.svc.Register("wf-reg", "W")
	require.NoError(t, err)
	assert.Equal(t, result["webhook_id"], again["webhook_id"])
}

func TestRegisterUnknownTargets(t *testing.T) {
	f := newWebhookFixture(t)

	_, err := f.svc.Register("missing", "W")
	assert.Error(t, err)

	f.save(t, webhookWorkflow("wf-x"))
	_, err = f.svc.Register("wf-x", "missing-node")
	assert.Error(t, err)
}

func TestClearPayloads(t *testing.T) {
	f := newWebhookFixture(t)

	f.svc.Ingress(context.Background(), "wh_seg_n", "POST", map[string]any{"a": 1}, nil, nil)
	require.NotEmpty(t, f.svc.Payloads("wh_seg_n"))

	require.NoError(t, f.svc.ClearPayloads("wh_seg_n"))
	assert.Empty(t, f.svc.Payloads("wh_seg_n"))
}
