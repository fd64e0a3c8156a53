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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

// BatchRunner runs the retrieval loop over a list of sub-goals
// independently, bounding how many run at once.
//
// # Description
//
// Sub-goals never share state: each gets its own loop run, its own timeout,
// and its own slot in the batch result. A failing sub-goal records its
// error and does not discard the work done for its siblings, so the group
// never propagates errors between members.
type BatchRunner struct {
	loop   *Loop
	config Config
}

// NewBatchRunner wraps a loop for batch execution.
func NewBatchRunner(loop *Loop, config Config) *BatchRunner {
	return &BatchRunner{loop: loop, config: config.validated()}
}

// RunAll executes the loop for every sub-goal and collects the outcomes in
// input order.
func (b *BatchRunner) RunAll(ctx context.Context, subGoals []*datatypes.SubGoal) *datatypes.BatchResult {
	ctx, span := tracer.Start(ctx, "BatchRunner.RunAll")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.size", len(subGoals)),
		attribute.Int("batch.parallelism", b.config.Parallelism),
	)

	results := make([]datatypes.SubGoalResult, len(subGoals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Parallelism)

	for i, sg := range subGoals {
		g.Go(func() error {
			results[i] = b.runOne(gctx, sg)
			return nil
		})
	}
	// Workers always return nil; failures live in the per-sub-goal results.
	_ = g.Wait()

	slog.Info("Batch retrieval finished", "subGoals", len(subGoals))
	return &datatypes.BatchResult{SubGoalResults: results}
}

// runOne executes a single sub-goal's loop under its own timeout.
func (b *BatchRunner) runOne(ctx context.Context, sg *datatypes.SubGoal) datatypes.SubGoalResult {
	ctx, cancel := context.WithTimeout(ctx, b.config.SubGoalTimeout)
	defer cancel()

	out := datatypes.SubGoalResult{
		SubGoalID:       sg.SubGoalID,
		ParentSectionID: sg.ParentSectionID,
	}

	result, err := b.loop.Run(ctx, sg)
	// The loop rewrites CurrentIntent on expansion; report the formulation
	// the evidence was actually retrieved under.
	out.Intent = sg.CurrentIntent
	if out.Intent == "" {
		out.Intent = sg.OriginalIntent
	}
	if err != nil {
		slog.Error("Sub-goal loop failed",
			"subGoalID", sg.SubGoalID, "error", err)
		out.Error = err.Error()
		return out
	}
	out.Result = result
	return out
}
