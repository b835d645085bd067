// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// StreamEvent is one append-only graph-update event on a job's SSE stream.
//
// Events form a hash chain: Hash covers the event content and PrevHash links
// to the previous event, giving consumers chain-of-custody over what the
// workflow reported. Consumers must tolerate reconnects and unknown fields.
type StreamEvent struct {
	Id        string `json:"id,omitempty"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`

	JobID   string         `json:"job_id,omitempty"`
	Node    string         `json:"node,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the workflow.
const (
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventClaimSaved    = "claim_saved"
	EventJobStatus     = "job_status"
	EventWarning       = "warning"
	EventError         = "error"
	EventDone          = "done"
)
