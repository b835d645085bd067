// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/synthesis"
	"github.com/meridianlabs-ai/meridian/services/workflow/jobs"
)

// ResumeJob releases a NEEDS_SIGNOFF job with the reviewer's decision.
//
// Responses:
//
//	202 - Resume queued.
//	404 - Unknown job.
//	409 - Job is not awaiting sign-off.
func ResumeJob(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ResumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}

		rec, err := manager.Resume(c.Request.Context(), c.Param("jobID"), req.Decision)
		if err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, datatypes.SubmitResponse{
			JobID:  rec.JobID,
			Status: rec.Status,
		})
	}
}

// CancelJob stops a queued or running job at its next checkpoint boundary.
func CancelJob(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := manager.Cancel(c.Request.Context(), c.Param("jobID")); err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	}
}

// FinalizeJob starts the asynchronous synthesis run for the job's project.
// It returns immediately; outcome and per-item failures are served by
// GetFinalizeStatus.
func FinalizeJob(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := manager.Finalize(c.Request.Context(), c.Param("jobID")); err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "finalizing"})
	}
}

// GetFinalizeStatus reports the synthesis run: state, counts, and per-item
// failures alongside what succeeded.
func GetFinalizeStatus(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		fin, err := manager.FinalizeStatus(c.Request.Context(), c.Param("jobID"))
		if err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, fin)
	}
}

// MergeExtractions declares two graph entities equivalent and migrates the
// source's claims and pointers to the target. Idempotent on re-apply.
func MergeExtractions(manager *jobs.Manager, engine *synthesis.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.MergeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}

		rec, err := manager.Status(c.Request.Context(), c.Param("jobID"))
		if err != nil {
			writeJobError(c, err)
			return
		}

		result, err := engine.MergeNodes(c.Request.Context(), rec.ProjectID, req.SourceNodeID, req.TargetNodeID)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
