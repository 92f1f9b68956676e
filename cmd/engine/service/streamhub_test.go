package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniflow/engine/cmd/engine/models"
)

func TestStreamPublishReceiveOrder(t *testing.T) {
	s := newStream()
	for i := 0; i < 5; i++ {
		s.Publish(models.LogEvent{Step: "Executing Node", NodeID: string(rune('a' + i))})
	}

	for i := 0; i < 5; i++ {
		ev, ok := s.Receive(time.Second)
		require.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), ev.NodeID)
	}
}

func TestStreamReceiveTimesOutWhenEmpty(t *testing.T) {
	s := newStream()
	start := time.Now()
	_, ok := s.Receive(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestStreamReceiveWakesOnPublish(t *testing.T) {
	s := newStream()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Publish(models.LogEvent{Step: "End"})
	}()

	ev, ok := s.Receive(time.Second)
	require.True(t, ok)
	assert.Equal(t, "End", ev.Step)
}

func TestStreamPublishNeverBlocks(t *testing.T) {
	s := newStream()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Publish(models.LogEvent{Step: "Executing Node"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no consumer")
	}
}

func TestHubOpenGetRemove(t *testing.T) {
	h := NewStreamHub()

	s := h.Open("run-1")
	require.NotNil(t, s)
	assert.True(t, h.Exists("run-1"))

	again := h.Open("run-1")
	assert.Same(t, s, again)

	got, ok := h.Get("run-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	h.Remove("run-1")
	assert.False(t, h.Exists("run-1"))
	h.Remove("run-1")
}
