// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream fans workflow events out to SSE subscribers. Events are
// append-only per job and hash-chained at publish time, so a consumer can
// verify it saw every event in order and nothing was altered after the fact.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

const (
	// subscriberBuffer is each subscriber's channel depth. A slow consumer
	// drops events rather than blocking the workflow.
	subscriberBuffer = 64

	// historyLimit caps retained events per job. A subscriber connecting
	// mid-run replays history first, then follows live events.
	historyLimit = 1024
)

type subscriber struct {
	ch chan datatypes.StreamEvent
}

type jobStream struct {
	history  []datatypes.StreamEvent
	prevHash string
	subs     map[*subscriber]struct{}
	done     bool
}

// Bus is the in-process event hub between the workflow executor and the
// gateway's SSE handlers. It implements engine.EventSink.
//
// Thread Safety: safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	jobs map[string]*jobStream
}

func NewBus() *Bus {
	return &Bus{jobs: make(map[string]*jobStream)}
}

// Publish seals the event into the job's hash chain and fans it out.
// Publish never blocks: full subscriber buffers drop the event for that
// subscriber only.
func (b *Bus) Publish(jobID string, event datatypes.StreamEvent) {
	if jobID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	js := b.jobs[jobID]
	if js == nil {
		js = &jobStream{subs: make(map[*subscriber]struct{})}
		b.jobs[jobID] = js
	}

	event.JobID = jobID
	event.Id = uuid.New().String()
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().UnixMilli()
	}
	event.PrevHash = js.prevHash
	event.Hash = eventHash(event)
	js.prevHash = event.Hash

	js.history = append(js.history, event)
	if len(js.history) > historyLimit {
		js.history = js.history[len(js.history)-historyLimit:]
	}
	if event.Type == datatypes.EventDone || event.Type == datatypes.EventError {
		js.done = true
	}

	for sub := range js.subs {
		select {
		case sub.ch <- event:
		default:
		}
		if js.done {
			close(sub.ch)
			delete(js.subs, sub)
		}
	}
}

// Subscribe returns the job's event history followed by live events, plus a
// cancel function the caller must invoke when done. The returned channel is
// closed after the job's terminal event once history is drained.
func (b *Bus) Subscribe(jobID string) (<-chan datatypes.StreamEvent, func()) {
	b.mu.Lock()
	js := b.jobs[jobID]
	if js == nil {
		js = &jobStream{subs: make(map[*subscriber]struct{})}
		b.jobs[jobID] = js
	}

	sub := &subscriber{ch: make(chan datatypes.StreamEvent, subscriberBuffer+len(js.history))}
	for _, ev := range js.history {
		sub.ch <- ev
	}
	if js.done {
		close(sub.ch)
		b.mu.Unlock()
		return sub.ch, func() {}
	}
	js.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := js.subs[sub]; ok {
				delete(js.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Close ends the job's stream, closing all subscriber channels. Called by
// the bus itself on terminal events; exposed for shutdown.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js := b.jobs[jobID]
	if js == nil {
		return
	}
	js.done = true
	for sub := range js.subs {
		close(sub.ch)
		delete(js.subs, sub)
	}
}

// VerifyChain checks that a sequence of events forms an unbroken hash
// chain. Consumers use this after a reconnect replay.
func VerifyChain(events []datatypes.StreamEvent) error {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("event %d: prev_hash mismatch", i)
		}
		expected := eventHash(ev)
		if ev.Hash != expected {
			return fmt.Errorf("event %d: hash mismatch", i)
		}
		prev = ev.Hash
	}
	return nil
}

// eventHash covers the event's identity, content, and chain link. The Hash
// field itself is excluded.
func eventHash(event datatypes.StreamEvent) string {
	payloadJSON := ""
	if len(event.Payload) > 0 {
		if data, err := json.Marshal(event.Payload); err == nil {
			payloadJSON = string(data)
		}
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.JobID,
		event.Node,
		event.Message,
		event.Error,
		payloadJSON,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
