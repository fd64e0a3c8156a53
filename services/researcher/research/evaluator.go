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
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

var tracer = otel.Tracer("deepresearch.research")

// Heuristic decision thresholds, in distinct chunks.
const (
	sufficientChunkThreshold = 20
	partialChunkThreshold    = 10
)

// HeuristicEvaluator judges evidence sufficiency from aggregate counts
// alone. It is the cheap first-pass filter that keeps the LLM adjudicator
// out of the hot path while the pool is obviously thin.
type HeuristicEvaluator struct{}

// Evaluate maps the pool's chunk count onto a three-valued decision:
// sufficient at or above 20 chunks, partial at or above 10, insufficient
// below that.
func (HeuristicEvaluator) Evaluate(meta datatypes.EvidenceMeta) *datatypes.HeuristicEvaluation {
	decision := datatypes.DecisionInsufficient
	switch {
	case meta.TotalChunks >= sufficientChunkThreshold:
		decision = datatypes.DecisionSufficient
	case meta.TotalChunks >= partialChunkThreshold:
		decision = datatypes.DecisionPartial
	}
	return &datatypes.HeuristicEvaluation{
		Evaluator: datatypes.EvaluatorHeuristic,
		Decision:  decision,
		QualitySignals: datatypes.QualitySignals{
			TotalChunks: meta.TotalChunks,
			DocsHit:     meta.DocsHit,
		},
	}
}

// Adjudicator asks an LLM whether the pooled evidence can actually answer
// the sub-goal's intent, beyond what raw counts show.
type Adjudicator struct {
	gateway *llm.Gateway
}

// NewAdjudicator wraps a structured-output gateway.
func NewAdjudicator(gateway *llm.Gateway) *Adjudicator {
	return &Adjudicator{gateway: gateway}
}

// adjudicatorReply is the JSON shape the model must produce.
type adjudicatorReply struct {
	Decision   string  `json:"decision"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// Judge evaluates the pool against the sub-goal's current intent.
//
// # Outputs
//
//   - *datatypes.AdjudicatedEvaluation: the model's verdict with rationale
//     and clamped confidence.
//   - error: a *llm.JSONError when the model never produced parseable
//     JSON, or the backend's error when generation failed.
func (a *Adjudicator) Judge(ctx context.Context, sg *datatypes.SubGoal, pool *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
	ctx, span := tracer.Start(ctx, "Adjudicator.Judge")
	defer span.End()
	span.SetAttributes(
		attribute.String("subgoal.id", sg.SubGoalID),
		attribute.Int("pool.total_chunks", pool.Meta.TotalChunks),
	)

	prompt := fmt.Sprintf(adjudicatorPromptTemplate,
		sg.CurrentIntent,
		bulletList(pool.RetrievalTrace.Queries),
		pool.Meta.TotalChunks,
		pool.Meta.DocsHit,
		numberedPassages(pool.Contexts),
	)

	var reply adjudicatorReply
	if err := a.gateway.AskJSON(ctx, prompt, &reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "adjudication failed")
		return nil, err
	}

	decision, err := datatypes.ParseDecision(strings.ToLower(strings.TrimSpace(reply.Decision)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown decision")
		return nil, &llm.JSONError{Raw: reply.Decision, Err: err}
	}

	confidence := reply.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	span.SetAttributes(
		attribute.String("adjudicator.decision", string(decision)),
		attribute.Float64("adjudicator.confidence", confidence),
	)
	slog.Debug("Adjudicated evidence pool",
		"subGoalID", sg.SubGoalID,
		"decision", decision,
		"confidence", confidence)

	return &datatypes.AdjudicatedEvaluation{
		Evaluator:  datatypes.EvaluatorAdjudicated,
		Decision:   decision,
		Rationale:  reply.Rationale,
		Confidence: confidence,
	}, nil
}

// bulletList renders strings as a dash-prefixed list for prompt insertion.
func bulletList(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// numberedPassages renders contexts with their sources for prompt insertion.
func numberedPassages(contexts []datatypes.EvidenceContext) string {
	if len(contexts) == 0 {
		return "(no evidence collected)"
	}
	var b strings.Builder
	for i, c := range contexts {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, c.Source, c.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
