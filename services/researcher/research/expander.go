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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

// Expansion is a reformulated search intent with fresh query hints.
type Expansion struct {
	Intent string
	Hints  []string
}

// IntentExpander reformulates a sub-goal whose evidence came back thin.
type IntentExpander struct {
	gateway *llm.Gateway
}

// NewIntentExpander wraps a structured-output gateway.
func NewIntentExpander(gateway *llm.Gateway) *IntentExpander {
	return &IntentExpander{gateway: gateway}
}

// expanderReply is the JSON shape the model must produce.
type expanderReply struct {
	CurrentIntent string   `json:"current_intent"`
	QueryHints    []string `json:"query_hints"`
}

// Expand asks the model for a broadened intent and new query hints.
//
// # Description
//
// The prompt carries the original intent (the anchor the reformulation must
// stay faithful to), the current intent, every query already run, and the
// latest verdict's rationale so the model knows what was missing. A reply
// with an empty intent or no usable hints is treated as malformed.
func (e *IntentExpander) Expand(ctx context.Context, sg *datatypes.SubGoal, pool *datatypes.EvidencePool, rationale string) (*Expansion, error) {
	ctx, span := tracer.Start(ctx, "IntentExpander.Expand")
	defer span.End()
	span.SetAttributes(
		attribute.String("subgoal.id", sg.SubGoalID),
		attribute.Int("subgoal.fallback_level", sg.FallbackLevel),
	)

	if rationale == "" {
		rationale = "too few distinct evidence chunks were retrieved"
	}

	prompt := fmt.Sprintf(expanderPromptTemplate,
		sg.OriginalIntent,
		sg.CurrentIntent,
		bulletList(pool.RetrievalTrace.Queries),
		rationale,
	)

	var reply expanderReply
	if err := e.gateway.AskJSON(ctx, prompt, &reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expansion failed")
		return nil, err
	}

	intent := strings.TrimSpace(reply.CurrentIntent)
	hints := make([]string, 0, len(reply.QueryHints))
	for _, h := range reply.QueryHints {
		if h = strings.TrimSpace(h); h != "" {
			hints = append(hints, h)
		}
	}

	if intent == "" || len(hints) == 0 {
		err := fmt.Errorf("expansion reply missing intent or hints")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty expansion")
		return nil, &llm.JSONError{Raw: fmt.Sprintf("%+v", reply), Err: err}
	}

	span.SetAttributes(attribute.Int("expansion.hint_count", len(hints)))
	slog.Debug("Expanded sub-goal intent",
		"subGoalID", sg.SubGoalID,
		"newIntent", intent,
		"hintCount", len(hints))

	return &Expansion{Intent: intent, Hints: hints}, nil
}
