// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the retrieval loop over HTTP.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
	"github.com/Izuld1/deepresearech/services/researcher/research"
	"github.com/Izuld1/deepresearech/services/researcher/retrieval"
)

var researchTracer = otel.Tracer("deepresearch.handlers")

// Deps bundles the capabilities the research endpoints run on.
type Deps struct {
	Retriever retrieval.Capability
	Judge     research.SufficiencyJudge
	Expander  research.QueryExpander
	Config    research.Config
}

// HandleResearchRetrieve serves POST /v1/research/retrieve.
//
// # Description
//
// Binds a ResearchRetrieveRequest, applies per-request overrides (round
// budget, retrieval size, knowledge-base scope when the retriever supports
// it), and runs the evidence loop over every sub-goal. The response is the
// full batch result; individual sub-goal failures are reported inline, so
// the endpoint answers 200 whenever the batch itself ran.
func HandleResearchRetrieve(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := researchTracer.Start(c.Request.Context(), "HandleResearchRetrieve")
		defer span.End()

		var request datatypes.ResearchRetrieveRequest
		if err := c.BindJSON(&request); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to bind research request JSON", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := request.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "validation failed")
			slog.Error("Research request validation failed", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		runID := uuid.New().String()
		span.SetAttributes(
			attribute.String("research.run_id", runID),
			attribute.Int("research.sub_goals", len(request.SubGoals)),
		)

		cfg := deps.Config
		if request.MaxRounds > 0 {
			cfg.MaxRounds = request.MaxRounds
		}
		if request.Size > 0 {
			cfg.Size = request.Size
		}

		retriever := deps.Retriever
		if len(request.KBIDs) > 0 {
			if scoper, ok := retriever.(retrieval.KBScoper); ok {
				retriever = scoper.WithKBIDs(request.KBIDs)
			} else {
				slog.Warn("Retriever does not support knowledge-base scoping, ignoring kb_ids",
					"runID", runID)
			}
		}

		slog.Info("Received research retrieve request",
			"runID", runID,
			"subGoals", len(request.SubGoals),
			"maxRounds", cfg.MaxRounds,
			"size", cfg.Size)

		loop := research.NewLoop(retriever, deps.Judge, deps.Expander, cfg)
		runner := research.NewBatchRunner(loop, cfg)
		batch := runner.RunAll(ctx, request.SubGoals)

		c.JSON(http.StatusOK, gin.H{
			"run_id":           runID,
			"sub_goal_results": batch.SubGoalResults,
		})
	}
}
