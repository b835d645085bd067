// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// SubmitRequest is the payload of POST /v1/workflow/submit. Exactly one of
// RawText or PDFPath must be provided alongside the project reference.
type SubmitRequest struct {
	ProjectID      string `json:"project_id" binding:"required"`
	RawText        string `json:"raw_text,omitempty"`
	PDFPath        string `json:"pdf_path,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// StatusResponse is the non-blocking status view of a job.
type StatusResponse struct {
	Status      JobStatus `json:"status"`
	Progress    float64   `json:"progress"`
	CurrentStep string    `json:"current_step,omitempty"`
}

// ResultResponse carries the terminal state once the job has finished.
type ResultResponse struct {
	Status JobStatus      `json:"status"`
	Result *ResearchState `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ResumeRequest carries the human decision that releases a NEEDS_SIGNOFF
// job. Decision must be one of the closed set accepted by the reframer.
type ResumeRequest struct {
	Decision string `json:"decision" binding:"required"`
}

// MergeRequest asks the synthesis engine to declare two graph nodes
// equivalent and migrate claims and pointers from source to target.
type MergeRequest struct {
	SourceNodeID string `json:"source_node_id" binding:"required"`
	TargetNodeID string `json:"target_node_id" binding:"required"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
