// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints: workflow
// submission and inspection, sign-off resume, finalize, operator merge, and
// the SSE event stream.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/gateway/observability"
	"github.com/meridianlabs-ai/meridian/services/workflow/jobs"
)

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SubmitWorkflow accepts a job submission and queues it.
//
// Responses:
//
//	202 - Job accepted (or replayed via idempotency key).
//	400 - Validation failure.
//	503 - Dispatch queue full.
func SubmitWorkflow(manager *jobs.Manager, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}
		hasText := strings.TrimSpace(req.RawText) != ""
		hasDoc := req.PDFPath != ""
		if hasText == hasDoc {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "exactly one of raw_text or pdf_path is required",
			})
			return
		}

		rec, err := manager.Submit(c.Request.Context(), jobs.SubmitRequest{
			ProjectID:      req.ProjectID,
			RawText:        req.RawText,
			DocPath:        req.PDFPath,
			IdempotencyKey: req.IdempotencyKey,
			ParentJobID:    req.ParentJobID,
		})
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrQueueFull):
			c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: err.Error()})
			return
		case errors.Is(err, jobs.ErrJobNotFound):
			// Unknown parent job on a reprocess submission.
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		default:
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		if metrics != nil {
			metrics.JobsTotal.WithLabelValues(string(rec.Status)).Inc()
		}
		c.JSON(http.StatusAccepted, datatypes.SubmitResponse{
			JobID:  rec.JobID,
			Status: rec.Status,
		})
	}
}

// GetWorkflowStatus returns the job's current lifecycle view.
func GetWorkflowStatus(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := manager.Status(c.Request.Context(), c.Param("jobID"))
		if err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.StatusResponse{
			Status:      rec.Status,
			Progress:    rec.Progress,
			CurrentStep: rec.CurrentStep,
		})
	}
}

// GetWorkflowResult returns the terminal outcome.
//
// Responses:
//
//	200 - Terminal success with the final state.
//	202 - Still pending.
//	500 - The job failed; body carries the error.
func GetWorkflowResult(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, state, err := manager.Result(c.Request.Context(), c.Param("jobID"))
		if err != nil {
			writeJobError(c, err)
			return
		}
		switch rec.Status {
		case jobs.StatusSucceeded, jobs.StatusFinalized:
			c.JSON(http.StatusOK, datatypes.ResultResponse{
				Status: rec.Status,
				Result: state,
			})
		case jobs.StatusFailed:
			c.JSON(http.StatusInternalServerError, datatypes.ResultResponse{
				Status: rec.Status,
				Error:  rec.Error,
			})
		default:
			c.JSON(http.StatusAccepted, datatypes.ResultResponse{
				Status: rec.Status,
			})
		}
	}
}

func writeJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "job not found"})
	case errors.Is(err, jobs.ErrJobNotSuspended),
		errors.Is(err, jobs.ErrJobNotFinished),
		errors.Is(err, jobs.ErrJobNotActive):
		c.JSON(http.StatusConflict, datatypes.ErrorResponse{Error: err.Error()})
	case errors.Is(err, jobs.ErrFinalizeNotStarted):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
	}
}
