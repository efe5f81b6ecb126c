package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBackendStateDeduplicated(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	b.PublishBackendState("acct", BackendRunning)
	b.PublishBackendState("acct", BackendRunning)
	b.PublishBackendState("acct", BackendSteady)
	b.PublishBackendState("acct", BackendRunning)

	evs := drain(ch)
	require.Len(t, evs, 3)
	assert.Equal(t, BackendRunning, evs[0].Payload)
	assert.Equal(t, BackendSteady, evs[1].Payload)
	assert.Equal(t, BackendRunning, evs[2].Payload)
	assert.Equal(t, BackendRunning, b.BackendState("acct"))
}

func TestStatePerAccount(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	b.PublishBackendState("a", BackendRunning)
	b.PublishBackendState("b", BackendRunning)
	assert.Len(t, drain(ch), 2)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish("acct", KindEmailSetChanged, nil)
	}
	// No deadlock; the second and later events were dropped.
}

func TestCancelIdempotent(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	cancel()
	cancel()
	b.Publish("acct", KindSyncSucceeded, nil)
}
