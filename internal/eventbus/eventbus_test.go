package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/domain"
)

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	b := New(0)
	e1 := b.Emit("job-1", domain.EventPhaseStarted, nil)
	e2 := b.Emit("job-1", domain.EventPhaseEnded, nil)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
}

func TestSubscribeReceivesNewEvents(t *testing.T) {
	b := New(0)
	sub := b.Subscribe("job-1", 0)
	defer sub.Close()

	b.Emit("job-1", domain.EventPhaseStarted, map[string]interface{}{"phase": "Understand"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, domain.EventPhaseStarted, ev.Kind)
		assert.Equal(t, uint64(1), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysBacklogSinceSequence(t *testing.T) {
	b := New(0)
	b.Emit("job-1", domain.EventPhaseStarted, nil)
	b.Emit("job-1", domain.EventPhaseEnded, nil)
	b.Emit("job-1", domain.EventCompleted, nil)

	sub := b.Subscribe("job-1", 1)
	defer sub.Close()

	var got []domain.EventKind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	assert.Equal(t, []domain.EventKind{domain.EventPhaseEnded, domain.EventCompleted}, got)
}

func TestOverflowDropsSubscriberWithLagged(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("job-1", 0)
	defer sub.Close()

	b.Emit("job-1", domain.EventProgress, nil)
	b.Emit("job-1", domain.EventProgress, nil)

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be marked lagged")
	}
}

func TestForgetClosesSubscribers(t *testing.T) {
	b := New(0)
	sub := b.Subscribe("job-1", 0)
	b.Forget("job-1")

	_, ok := <-sub.events
	assert.False(t, ok, "events channel should be closed")
}

func TestLastSequenceTracksPerJob(t *testing.T) {
	b := New(0)
	require.Equal(t, uint64(0), b.LastSequence("unknown"))
	b.Emit("job-1", domain.EventProgress, nil)
	b.Emit("job-2", domain.EventProgress, nil)
	b.Emit("job-1", domain.EventProgress, nil)
	assert.Equal(t, uint64(2), b.LastSequence("job-1"))
	assert.Equal(t, uint64(1), b.LastSequence("job-2"))
}
