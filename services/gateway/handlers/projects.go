// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/synthesis"
	"github.com/meridianlabs-ai/meridian/services/workflow/project"
)

// UpsertProject writes project configuration. The store owns version
// numbers; jobs submitted before the update keep the version they started
// with.
func UpsertProject(store *project.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var pctx datatypes.ProjectContext
		if err := c.ShouldBindJSON(&pctx); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}
		if pctx.ProjectID == "" {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "project_id is required"})
			return
		}

		updated, err := store.Upsert(c.Request.Context(), pctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// GetProject returns the current project configuration.
func GetProject(store *project.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		pctx, err := store.Get(c.Request.Context(), c.Param("projectID"))
		if err != nil {
			if errors.Is(err, project.ErrProjectNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "project not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, pctx)
	}
}

// GetProjectEntries lists the project's canonical knowledge entries with
// their pointers, provenance, conflict flags, and aliases. A project with
// no finalized knowledge yields an empty list, not an error.
func GetProjectEntries(engine *synthesis.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := engine.ProjectEntries(c.Request.Context(), c.Param("projectID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}
