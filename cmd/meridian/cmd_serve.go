// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meridianlabs-ai/meridian/pkg/logging"
	"github.com/meridianlabs-ai/meridian/services/capability"
	"github.com/meridianlabs-ai/meridian/services/evidence"
	"github.com/meridianlabs-ai/meridian/services/gateway"
	"github.com/meridianlabs-ai/meridian/services/gateway/stream"
	"github.com/meridianlabs-ai/meridian/services/graphstore"
	"github.com/meridianlabs-ai/meridian/services/storage/badgerstore"
	"github.com/meridianlabs-ai/meridian/services/synthesis"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
	"github.com/meridianlabs-ai/meridian/services/workflow/jobs"
	"github.com/meridianlabs-ai/meridian/services/workflow/nodes"
	"github.com/meridianlabs-ai/meridian/services/workflow/project"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Meridian gateway and workflow engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logWrapper, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(config.Logging.Level),
		LogDir:  config.Logging.Dir,
		Service: "meridian",
		JSON:    config.Logging.JSON,
		Quiet:   config.Logging.Quiet,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logWrapper.Close()
	logger := logWrapper.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local store: jobs, checkpoints, projects, proposals, page cache.
	badgerCfg := badgerstore.DefaultConfig()
	badgerCfg.Path = expandPath(config.Storage.DataDir)
	badgerCfg.InMemory = config.Storage.InMemory
	badgerCfg.Logger = logger
	db, err := badgerstore.Open(badgerCfg)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer db.Close()

	jobStore, err := jobs.NewStore(db)
	if err != nil {
		return err
	}
	checkpoints, err := engine.NewBadgerCheckpointStore(db)
	if err != nil {
		return err
	}
	projects, err := project.NewStore(db, logger)
	if err != nil {
		return err
	}
	pages, err := evidence.NewCache(db, nil, logger)
	if err != nil {
		return err
	}

	// Claim graph: Weaviate when configured, otherwise in-memory.
	var graph graphstore.Store
	if config.Weaviate.URL != "" {
		wv, err := graphstore.NewWeaviateStore(graphstore.WeaviateConfig{
			URL:    config.Weaviate.URL,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("connect weaviate: %w", err)
		}
		if err := wv.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure weaviate schema: %w", err)
		}
		graph = wv
	} else {
		logger.Warn("no weaviate url configured, claims are held in memory only")
		graph = graphstore.NewMemoryStore()
	}

	generator, err := buildGenerator(logger)
	if err != nil {
		return err
	}
	model := capability.NewService(generator, logger)

	validator := evidence.NewValidator(pages, config.Workflow.GroundingThreshold)

	bus := stream.NewBus()

	reframer, err := nodes.NewReframerNode(db, logger)
	if err != nil {
		return err
	}
	workflow, err := engine.NewBuilder("research_extraction").
		Append(nodes.NewContextNode(projects, pages, logger)).
		Append(nodes.NewCartographerNode(model, logger)).
		Append(nodes.NewCriticNode(validator, model, logger)).
		Append(nodes.NewVisionNode(model, config.Workflow.ConfidenceThreshold, logger)).
		Append(nodes.NewSaverNode(graph, bus, logger)).
		Append(reframer).
		WithReviseTarget("CARTOGRAPHER").
		Build()
	if err != nil {
		return fmt.Errorf("build workflow graph: %w", err)
	}

	synth, err := synthesis.NewEngine(graph, model, logger)
	if err != nil {
		return err
	}

	policy := engine.PolicyDegrade
	if config.Workflow.RevisionPolicy == "fail" {
		policy = engine.PolicyFail
	}
	manager, err := jobs.NewManager(
		jobs.Config{
			Concurrency: config.Workflow.Concurrency,
			QueueSize:   config.Workflow.QueueSize,
			Engine: engine.Config{
				MaxRevisions: config.Workflow.MaxRevisions,
				Policy:       policy,
				Logger:       logger,
			},
			Logger: logger,
		},
		jobs.Deps{
			Graph:       workflow,
			Checkpoints: checkpoints,
			Store:       jobStore,
			Sink:        bus,
			Finalizer: jobs.FinalizerFunc(func(ctx context.Context, projectID string) (jobs.FinalizeOutcome, error) {
				report, err := synth.FinalizeProject(ctx, projectID)
				if err != nil {
					return jobs.FinalizeOutcome{}, err
				}
				failures := make([]jobs.FinalizeFailure, len(report.Failures))
				for i, f := range report.Failures {
					failures[i] = jobs.FinalizeFailure{
						ClaimID:  f.ClaimID,
						FactHash: f.FactHash,
						Reason:   f.Reason,
					}
				}
				return jobs.FinalizeOutcome{
					Created:    report.Created,
					Merged:     report.Merged,
					Conflicted: report.Conflicted,
					Failures:   failures,
				}, nil
			}),
		},
	)
	if err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}
	defer manager.Close()

	svc, err := gateway.New(gateway.Config{
		Port:           config.Server.Port,
		TracingEnabled: config.Server.TracingEnabled,
		Logger:         logger,
	}, gateway.Deps{
		Manager:   manager,
		Synthesis: synth,
		Projects:  projects,
		Bus:       bus,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	logger.Info("meridian starting",
		slog.Int("port", config.Server.Port),
		slog.String("model_provider", config.Model.Provider),
		slog.Bool("weaviate", config.Weaviate.URL != ""),
	)
	return svc.Run(ctx)
}

// buildGenerator selects the model backend and wraps it with the retry
// and rate-limit policy.
func buildGenerator(logger *slog.Logger) (capability.Generator, error) {
	var (
		inner capability.Generator
		err   error
	)
	switch config.Model.Provider {
	case "ollama":
		inner, err = capability.NewOllamaClient()
	case "openai", "":
		inner, err = capability.NewOpenAIClient()
	default:
		return nil, fmt.Errorf("unknown model provider %q", config.Model.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init model provider: %w", err)
	}
	return capability.NewRetryingGenerator(inner, capability.RetryConfig{
		MaxAttempts:       config.Model.MaxAttempts,
		RequestsPerSecond: config.Model.RequestsPerSecond,
	}, logger), nil
}
