// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the wire and domain types shared across the
// Meridian services: jobs, research state, claims, canonical knowledge
// entries, and stream events.
package datatypes

// JobStatus is the lifecycle state of a workflow job.
type JobStatus string

const (
	JobQueued       JobStatus = "QUEUED"
	JobRunning      JobStatus = "RUNNING"
	JobNeedsSignoff JobStatus = "NEEDS_SIGNOFF"
	JobSucceeded    JobStatus = "SUCCEEDED"
	JobFailed       JobStatus = "FAILED"
	JobFinalized    JobStatus = "FINALIZED"
)

// jobTransitions is the closed lifecycle graph. A status may only move to
// one of its listed successors.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:       {JobRunning, JobFailed},
	JobRunning:      {JobNeedsSignoff, JobSucceeded, JobFailed},
	JobNeedsSignoff: {JobRunning, JobFailed},
	JobSucceeded:    {JobFinalized},
	JobFailed:       {},
	JobFinalized:    {},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions except
// finalization bookkeeping.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobFinalized
}
