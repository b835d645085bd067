// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/gateway/observability"
	"github.com/meridianlabs-ai/meridian/services/gateway/stream"
	"github.com/meridianlabs-ai/meridian/services/workflow/jobs"
)

// keepAliveInterval is how often an SSE comment goes out on a quiet stream.
// Below common load-balancer idle timeouts.
const keepAliveInterval = 15 * time.Second

// setSSEHeaders prepares the response for server-sent events.
func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// StreamWorkflow serves the job's append-only event stream over SSE.
// Events arrive hash-chained from the bus; a reconnecting client replays
// history first and can verify the chain end to end. Unknown event fields
// must be tolerated by consumers.
func StreamWorkflow(manager *jobs.Manager, bus *stream.Bus, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobID")
		if _, err := manager.Status(c.Request.Context(), jobID); err != nil {
			writeJobError(c, err)
			return
		}

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
			return
		}

		setSSEHeaders(c)
		events, cancel := bus.Subscribe(jobID)
		defer cancel()

		if metrics != nil {
			metrics.ActiveStreams.Inc()
			defer metrics.ActiveStreams.Dec()
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case event, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
