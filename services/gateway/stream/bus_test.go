// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

func collect(ch <-chan datatypes.StreamEvent, max int) []datatypes.StreamEvent {
	var out []datatypes.StreamEvent
	for len(out) < max {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

func TestPublishBuildsVerifiableChain(t *testing.T) {
	bus := NewBus()
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CONTEXT"})
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeCompleted, Node: "CONTEXT"})
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventDone, Message: "workflow complete"})

	events, cancel := bus.Subscribe("job-1")
	defer cancel()

	got := collect(events, 3)
	require.Len(t, got, 3)
	require.NoError(t, VerifyChain(got))

	// Every event is sealed at publish time.
	for _, ev := range got {
		assert.NotEmpty(t, ev.Id)
		assert.NotEmpty(t, ev.Hash)
		assert.NotZero(t, ev.CreatedAt)
		assert.Equal(t, "job-1", ev.JobID)
	}
	assert.Empty(t, got[0].PrevHash)
	assert.Equal(t, got[0].Hash, got[1].PrevHash)
	assert.Equal(t, got[1].Hash, got[2].PrevHash)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	bus := NewBus()
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CONTEXT"})
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventDone})

	events, cancel := bus.Subscribe("job-1")
	defer cancel()
	got := collect(events, 2)
	require.Len(t, got, 2)

	got[0].Message = "altered after the fact"
	assert.Error(t, VerifyChain(got))

	// A gap in the chain is also detected.
	bus.Publish("job-2", datatypes.StreamEvent{Type: datatypes.EventNodeStarted})
	bus.Publish("job-2", datatypes.StreamEvent{Type: datatypes.EventNodeCompleted})
	bus.Publish("job-2", datatypes.StreamEvent{Type: datatypes.EventDone})
	events2, cancel2 := bus.Subscribe("job-2")
	defer cancel2()
	got2 := collect(events2, 3)
	require.Len(t, got2, 3)
	assert.Error(t, VerifyChain([]datatypes.StreamEvent{got2[0], got2[2]}))
}

func TestSubscribeReplaysHistoryThenFollowsLive(t *testing.T) {
	bus := NewBus()
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CONTEXT"})
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeCompleted, Node: "CONTEXT"})

	events, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CARTOGRAPHER"})

	got := collect(events, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "CONTEXT", got[0].Node)
	assert.Equal(t, "CARTOGRAPHER", got[2].Node)
	assert.NoError(t, VerifyChain(got))
}

func TestTerminalEventClosesSubscribers(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CONTEXT"})
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventDone})

	var got []datatypes.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, datatypes.EventDone, got[1].Type)
}

func TestSubscribeAfterDoneReplaysAndCloses(t *testing.T) {
	bus := NewBus()
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CONTEXT"})
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventError, Error: "model unavailable"})

	events, cancel := bus.Subscribe("job-1")
	defer cancel()

	var got []datatypes.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, datatypes.EventError, got[1].Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe("job-1")
	defer cancel()

	// Publish past the subscriber's buffer without draining. Publish must
	// not block; overflow is dropped for this subscriber only.
	for i := 0; i < subscriberBuffer+16; i++ {
		bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted, Node: "CONTEXT"})
	}

	got := collect(events, subscriberBuffer+16)
	assert.Len(t, got, subscriberBuffer)
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("job-1")
	cancel()
	cancel()

	// Publishing after cancel must not panic on the removed subscriber.
	bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventNodeStarted})
}

func TestHistoryIsCapped(t *testing.T) {
	bus := NewBus()
	for i := 0; i < historyLimit+50; i++ {
		bus.Publish("job-1", datatypes.StreamEvent{Type: datatypes.EventClaimSaved})
	}

	events, cancel := bus.Subscribe("job-1")
	defer cancel()
	got := collect(events, historyLimit+50)
	assert.Len(t, got, historyLimit)
}
