// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the meridian.yaml schema. Every field has a working default;
// a missing config file starts the service with in-process storage paths
// under ~/.meridian.
type Config struct {
	Server struct {
		// Port the gateway listens on.
		Port int `yaml:"port"`

		// TracingEnabled turns on OTLP trace export. The collector
		// endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT.
		TracingEnabled bool `yaml:"tracing_enabled"`
	} `yaml:"server"`

	Logging struct {
		// Level is debug, info, warn, or error.
		Level string `yaml:"level"`

		// Dir enables JSON file logging when set.
		Dir string `yaml:"dir"`

		// JSON switches stderr output to JSON.
		JSON bool `yaml:"json"`

		// Quiet disables stderr output.
		Quiet bool `yaml:"quiet"`
	} `yaml:"logging"`

	Storage struct {
		// DataDir is the BadgerDB directory for jobs, checkpoints,
		// projects, proposals, and the page-text cache.
		DataDir string `yaml:"data_dir"`

		// InMemory runs BadgerDB without disk persistence. For local
		// experiments only; jobs do not survive a restart.
		InMemory bool `yaml:"in_memory"`
	} `yaml:"storage"`

	Weaviate struct {
		// URL of the Weaviate server. Empty selects the in-memory graph
		// store, which loses all claims on shutdown.
		URL string `yaml:"url"`
	} `yaml:"weaviate"`

	Model struct {
		// Provider is "openai" or "ollama". Credentials and endpoints
		// come from the provider's usual environment variables
		// (OPENAI_API_KEY, OLLAMA_BASE_URL).
		Provider string `yaml:"provider"`

		// MaxAttempts bounds retries per model call.
		MaxAttempts int `yaml:"max_attempts"`

		// RequestsPerSecond throttles model calls. Zero disables.
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"model"`

	Workflow struct {
		// Concurrency is the worker-slot ceiling for simultaneous jobs.
		Concurrency int64 `yaml:"concurrency"`

		// QueueSize bounds the dispatch queue.
		QueueSize int `yaml:"queue_size"`

		// MaxRevisions bounds the critic revision loop per job.
		MaxRevisions int `yaml:"max_revisions"`

		// RevisionPolicy is "degrade" or "fail" once revisions run out.
		RevisionPolicy string `yaml:"revision_policy"`

		// ConfidenceThreshold is the minimum support confidence a claim
		// needs to survive pruning.
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`

		// GroundingThreshold is the minimum fuzzy-match ratio for a
		// snippet to count as grounded in its source page.
		GroundingThreshold float64 `yaml:"grounding_threshold"`
	} `yaml:"workflow"`
}

// DefaultConfig returns a runnable local configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 12400
	cfg.Logging.Level = "info"
	cfg.Storage.DataDir = "~/.meridian/data"
	cfg.Model.Provider = "openai"
	return cfg
}

// LoadConfig reads path (or the default locations when path is empty),
// then applies environment overrides. A missing file is not an error;
// defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"meridian.yaml"}
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".meridian", "meridian.yaml"))
		}
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		data, err := os.ReadFile(candidate)
		if err != nil {
			if os.IsNotExist(err) && path == "" {
				continue
			}
			if path != "" {
				return cfg, fmt.Errorf("read config %s: %w", candidate, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		break
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the file
// without editing it.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MERIDIAN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MERIDIAN_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MERIDIAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WEAVIATE_URL"); v != "" {
		cfg.Weaviate.URL = v
	}
	if v := os.Getenv("MERIDIAN_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
