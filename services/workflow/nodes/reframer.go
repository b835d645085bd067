// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// ErrProposalNotFound is returned when no reframing proposal exists for an ID.
var ErrProposalNotFound = errors.New("reframing proposal not found")

// proposalNamespace seeds deterministic proposal IDs so a re-entered suspend
// path overwrites its own proposal instead of minting a new one.
var proposalNamespace = uuid.MustParse("b1d6a0a3-52c1-4b1e-9d2e-3f8c4d5e6f70")

// ReframerNode is the governance gate at the end of the graph. When the run
// produced no high-priority claims for a project that has stated research
// questions, something is structurally off: either the questions no longer
// match the evidence, or the source is out of scope. That judgment belongs
// to a human, so the node persists a reframing proposal and suspends the
// job until a decision arrives.
//
// On a resumed run the sign-off decision is already in state; the node
// records it on the proposal and finishes the job.
type ReframerNode struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewReframerNode(db *badger.DB, logger *slog.Logger) (*ReframerNode, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReframerNode{db: db, logger: logger}, nil
}

func (n *ReframerNode) Name() string { return "REFRAMER" }

func proposalKey(id string) []byte {
	return []byte("proposal:" + id)
}

func (n *ReframerNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	if state.SignoffDecision != "" {
		if state.ReframingProposalID != "" {
			if err := n.recordDecision(state.ReframingProposalID, state.SignoffDecision); err != nil {
				return engine.RouteNext, fmt.Errorf("record sign-off decision: %w", err)
			}
		}
		state.NeedsSignoff = false
		n.logger.Info("sign-off decision recorded",
			slog.String("job_id", state.JobID),
			slog.String("decision", state.SignoffDecision),
		)
		return engine.RouteDone, nil
	}

	if !needsReframing(state) {
		return engine.RouteDone, nil
	}

	proposal := buildProposal(state)
	if err := n.saveProposal(proposal); err != nil {
		return engine.RouteNext, fmt.Errorf("persist reframing proposal: %w", err)
	}
	state.Proposal = &proposal
	state.ReframingProposalID = proposal.ID

	n.logger.Warn("structural issue flagged, suspending for sign-off",
		slog.String("job_id", state.JobID),
		slog.String("proposal_id", proposal.ID),
	)
	return engine.RouteSuspend, nil
}

// needsReframing is the governance guard: the project states research
// questions but no high-priority claim survived the pipeline.
func needsReframing(state *datatypes.ResearchState) bool {
	if len(state.Context.ResearchQuestions) == 0 {
		return false
	}
	for _, t := range state.Triples {
		if t.Priority == datatypes.PriorityHigh {
			return false
		}
	}
	return true
}

func buildProposal(state *datatypes.ResearchState) datatypes.ReframingProposal {
	return datatypes.ReframingProposal{
		ID:        uuid.NewSHA1(proposalNamespace, []byte(state.JobID)).String(),
		JobID:     state.JobID,
		ProjectID: state.ProjectID,
		Summary: fmt.Sprintf(
			"no claims bearing on the %d stated research questions survived extraction; review whether the questions still match the evidence or the source is in scope",
			len(state.Context.ResearchQuestions)),
	}
}

func (n *ReframerNode) saveProposal(p datatypes.ReframingProposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return n.db.Update(func(txn *badger.Txn) error {
		return txn.Set(proposalKey(p.ID), data)
	})
}

func (n *ReframerNode) recordDecision(proposalID, decision string) error {
	return n.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(proposalKey(proposalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrProposalNotFound
		}
		if err != nil {
			return err
		}
		var p datatypes.ReframingProposal
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		}); err != nil {
			return err
		}
		p.Decision = decision
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return txn.Set(proposalKey(proposalID), data)
	})
}

// GetProposal loads a persisted proposal by ID. Used by the gateway to show
// reviewers what they are deciding on.
func (n *ReframerNode) GetProposal(id string) (datatypes.ReframingProposal, error) {
	var p datatypes.ReframingProposal
	err := n.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(proposalKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.ReframingProposal{}, ErrProposalNotFound
	}
	if err != nil {
		return datatypes.ReframingProposal{}, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return p, nil
}
