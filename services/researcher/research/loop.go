// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
	"github.com/Izuld1/deepresearech/services/researcher/evidence"
	"github.com/Izuld1/deepresearech/services/researcher/observability"
	"github.com/Izuld1/deepresearech/services/researcher/retrieval"
)

// SufficiencyJudge is the LLM-backed second-phase evaluator.
type SufficiencyJudge interface {
	Judge(ctx context.Context, sg *datatypes.SubGoal, pool *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error)
}

// QueryExpander reformulates a sub-goal whose evidence came back thin.
type QueryExpander interface {
	Expand(ctx context.Context, sg *datatypes.SubGoal, pool *datatypes.EvidencePool, rationale string) (*Expansion, error)
}

// Loop runs the evidence acquisition loop for a single sub-goal.
//
// # Description
//
// The loop has two phases, each bounded by the configured round budget.
// The heuristic phase retrieves and judges the pool by chunk counts alone,
// expanding the queries whenever coverage is insufficient. Once counts look
// healthy (or the heuristic budget runs out) the adjudicated phase asks an
// LLM whether the evidence can actually answer the intent; its first round
// reuses the pool the heuristic phase built, so the total retrieval count
// is at most 2*MaxRounds - 1.
//
// # Thread Safety
//
// A Loop is safe for concurrent use across distinct sub-goals. A single
// sub-goal must not be run concurrently; the loop is its sole writer.
type Loop struct {
	retriever retrieval.Capability
	heuristic HeuristicEvaluator
	judge     SufficiencyJudge
	expander  QueryExpander
	config    Config
}

// NewLoop wires a loop from its capabilities.
func NewLoop(retriever retrieval.Capability, judge SufficiencyJudge, expander QueryExpander, config Config) *Loop {
	return &Loop{
		retriever: retriever,
		judge:     judge,
		expander:  expander,
		config:    config.validated(),
	}
}

// Run executes the full loop for one sub-goal.
//
// # Outputs
//
//   - *datatypes.LoopResult: the terminal outcome. Unretrievable rounds and
//     exhausted budgets are ordinary results (status unresolved), not errors.
//   - error: only for hard failures the loop cannot absorb, such as a
//     judgment or expansion response that never parsed, or a sub-goal that
//     failed validation.
func (l *Loop) Run(ctx context.Context, sg *datatypes.SubGoal) (*datatypes.LoopResult, error) {
	ctx, span := tracer.Start(ctx, "Loop.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("subgoal.id", sg.SubGoalID),
		attribute.Int("loop.max_rounds", l.config.MaxRounds),
	)

	sg.EnsureDefaults()
	if err := sg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid sub-goal")
		return nil, err
	}

	observability.DefaultMetrics.LoopStarted()
	defer observability.DefaultMetrics.LoopEnded()
	started := time.Now()

	slog.Info("Starting evidence loop",
		"subGoalID", sg.SubGoalID,
		"intent", sg.CurrentIntent,
		"maxRounds", l.config.MaxRounds)

	var (
		pool     *datatypes.EvidencePool
		trace    []datatypes.TraceEntry
		lastEval datatypes.Evaluation
	)

	finish := func(status datatypes.LoopStatus, reason string) *datatypes.LoopResult {
		if status == datatypes.LoopUnresolved {
			sg.Status = datatypes.SubGoalUnresolved
		}
		chunks := 0
		if pool != nil {
			chunks = pool.Meta.TotalChunks
		}
		observability.DefaultMetrics.RecordLoop(string(status), reason, time.Since(started).Seconds(), chunks)
		span.SetAttributes(
			attribute.String("loop.status", string(status)),
			attribute.String("loop.reason", reason),
			attribute.Int("loop.trace_len", len(trace)),
			attribute.Int("loop.pool_chunks", chunks),
		)
		slog.Info("Evidence loop finished",
			"subGoalID", sg.SubGoalID,
			"status", status,
			"reason", reason,
			"rounds", len(trace),
			"poolChunks", chunks)
		return &datatypes.LoopResult{
			Status:     status,
			Pool:       pool,
			Evaluation: lastEval,
			Trace:      trace,
			Reason:     reason,
		}
	}

	fail := func(err error) (*datatypes.LoopResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "loop failed")
		observability.DefaultMetrics.RecordLoop("error", "", time.Since(started).Seconds(), 0)
		return nil, err
	}

	// ---------------------------------------------------------------------
	// Phase 1: heuristic evaluation
	// ---------------------------------------------------------------------
	heuristicSufficient := false

heuristicPhase:
	for round := 1; round <= l.config.MaxRounds; round++ {
		queries := sg.Queries()
		result, err := l.retriever.Search(ctx, queries, l.config.Size)
		if err != nil {
			slog.Error("Retrieval failed, abandoning sub-goal",
				"subGoalID", sg.SubGoalID, "round", round, "error", err)
			span.RecordError(err)
			return finish(datatypes.LoopUnresolved, datatypes.ReasonRetrievalFailed), nil
		}

		if pool == nil {
			pool = evidence.NewPool(sg, result, queries)
		} else {
			pool = evidence.Merge(pool, result, queries)
		}
		trace = append(trace, datatypes.TraceEntry{
			Round:       round,
			Phase:       datatypes.PhaseHeuristic,
			TotalChunks: pool.Meta.TotalChunks,
		})
		observability.DefaultMetrics.RecordRound(string(datatypes.PhaseHeuristic))

		eval := l.heuristic.Evaluate(pool.Meta)
		lastEval = eval
		observability.DefaultMetrics.RecordDecision(eval.Evaluator, string(eval.Decision))
		slog.Debug("Heuristic verdict",
			"subGoalID", sg.SubGoalID,
			"round", round,
			"decision", eval.Decision,
			"totalChunks", pool.Meta.TotalChunks)

		switch eval.Decision {
		case datatypes.DecisionSufficient:
			heuristicSufficient = true
			break heuristicPhase
		case datatypes.DecisionPartial:
			// Another round with the same queries may push the pool over
			// the threshold.
			continue
		case datatypes.DecisionInsufficient:
			if round == l.config.MaxRounds {
				// No round left to use a new formulation; let the
				// adjudicator weigh what was collected.
				continue
			}
			stagnant, err := l.expandSubGoal(ctx, sg, pool, "")
			if err != nil {
				return fail(err)
			}
			if stagnant {
				return finish(datatypes.LoopUnresolved, datatypes.ReasonExpansionStagnant), nil
			}
		}
	}

	if heuristicSufficient && !l.config.AlwaysConfirm {
		return finish(datatypes.LoopCompleted, ""), nil
	}

	// ---------------------------------------------------------------------
	// Phase 2: LLM adjudication
	// ---------------------------------------------------------------------
	for round := 1; round <= l.config.MaxRounds; round++ {
		if round > 1 {
			queries := sg.Queries()
			result, err := l.retriever.Search(ctx, queries, l.config.Size)
			if err != nil {
				slog.Error("Retrieval failed, abandoning sub-goal",
					"subGoalID", sg.SubGoalID, "round", round, "error", err)
				span.RecordError(err)
				return finish(datatypes.LoopUnresolved, datatypes.ReasonRetrievalFailed), nil
			}
			pool = evidence.Merge(pool, result, queries)
			trace = append(trace, datatypes.TraceEntry{
				Round:       round,
				Phase:       datatypes.PhaseAdjudicated,
				TotalChunks: pool.Meta.TotalChunks,
			})
			observability.DefaultMetrics.RecordRound(string(datatypes.PhaseAdjudicated))
		}

		eval, err := l.judge.Judge(ctx, sg, pool)
		if err != nil {
			return fail(fmt.Errorf("adjudication for sub-goal %s failed: %w", sg.SubGoalID, err))
		}
		lastEval = eval
		observability.DefaultMetrics.RecordDecision(eval.Evaluator, string(eval.Decision))
		slog.Debug("Adjudicated verdict",
			"subGoalID", sg.SubGoalID,
			"round", round,
			"decision", eval.Decision,
			"confidence", eval.Confidence)

		switch eval.Decision {
		case datatypes.DecisionSufficient:
			return finish(datatypes.LoopCompleted, ""), nil
		case datatypes.DecisionPartial:
			continue
		case datatypes.DecisionInsufficient:
			if round == l.config.MaxRounds {
				continue
			}
			stagnant, err := l.expandSubGoal(ctx, sg, pool, eval.Rationale)
			if err != nil {
				return fail(err)
			}
			if stagnant {
				return finish(datatypes.LoopUnresolved, datatypes.ReasonExpansionStagnant), nil
			}
		}
	}

	return finish(datatypes.LoopUnresolved, datatypes.ReasonCoverageInsufficient), nil
}

// expandSubGoal asks the expander for a new formulation and applies it.
// Returns stagnant=true when expansion produced the same intent and hints
// the loop already retrieved with, which means further rounds would only
// repeat themselves.
func (l *Loop) expandSubGoal(ctx context.Context, sg *datatypes.SubGoal, pool *datatypes.EvidencePool, rationale string) (bool, error) {
	exp, err := l.expander.Expand(ctx, sg, pool, rationale)
	if err != nil {
		return false, fmt.Errorf("expansion for sub-goal %s failed: %w", sg.SubGoalID, err)
	}

	if l.config.DetectStagnation {
		before := datatypes.HintFingerprint(sg.CurrentIntent, sg.Queries())
		after := datatypes.HintFingerprint(exp.Intent, exp.Hints)
		if before == after {
			slog.Warn("Expansion returned the same formulation, terminating early",
				"subGoalID", sg.SubGoalID, "intent", sg.CurrentIntent)
			return true, nil
		}
	}

	sg.ApplyExpansion(exp.Intent, exp.Hints)
	slog.Info("Applied query expansion",
		"subGoalID", sg.SubGoalID,
		"fallbackLevel", sg.FallbackLevel,
		"newIntent", exp.Intent,
		"hintCount", len(exp.Hints))
	return false, nil
}
