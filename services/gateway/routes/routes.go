// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianlabs-ai/meridian/services/gateway/handlers"
	"github.com/meridianlabs-ai/meridian/services/gateway/observability"
	"github.com/meridianlabs-ai/meridian/services/gateway/stream"
	"github.com/meridianlabs-ai/meridian/services/synthesis"
	"github.com/meridianlabs-ai/meridian/services/workflow/jobs"
	"github.com/meridianlabs-ai/meridian/services/workflow/project"
)

// Deps are the collaborators the route handlers need.
type Deps struct {
	Manager   *jobs.Manager
	Synthesis *synthesis.Engine
	Projects  *project.Store
	Bus       *stream.Bus
	Metrics   *observability.Metrics
}

// SetupRoutes registers every gateway endpoint on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		workflow := v1.Group("/workflow")
		{
			workflow.POST("/submit", handlers.SubmitWorkflow(deps.Manager, deps.Metrics))
			workflow.GET("/status/:jobID", handlers.GetWorkflowStatus(deps.Manager))
			workflow.GET("/result/:jobID", handlers.GetWorkflowResult(deps.Manager))
			workflow.GET("/stream/:jobID", handlers.StreamWorkflow(deps.Manager, deps.Bus, deps.Metrics))
		}

		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.POST("/:jobID/resume", handlers.ResumeJob(deps.Manager))
			jobsGroup.POST("/:jobID/cancel", handlers.CancelJob(deps.Manager))
			jobsGroup.POST("/:jobID/finalize", handlers.FinalizeJob(deps.Manager))
			jobsGroup.GET("/:jobID/finalize/status", handlers.GetFinalizeStatus(deps.Manager))
			jobsGroup.PATCH("/:jobID/extractions/merge", handlers.MergeExtractions(deps.Manager, deps.Synthesis))
		}

		projects := v1.Group("/projects")
		{
			projects.POST("", handlers.UpsertProject(deps.Projects))
			projects.GET("/:projectID", handlers.GetProject(deps.Projects))
			projects.GET("/:projectID/entries", handlers.GetProjectEntries(deps.Synthesis))
		}
	}
}
