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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

func TestHeuristicEvaluator_Thresholds(t *testing.T) {
	cases := []struct {
		totalChunks int
		want        datatypes.Decision
	}{
		{0, datatypes.DecisionInsufficient},
		{9, datatypes.DecisionInsufficient},
		{10, datatypes.DecisionPartial},
		{19, datatypes.DecisionPartial},
		{20, datatypes.DecisionSufficient},
		{100, datatypes.DecisionSufficient},
	}

	var evaluator HeuristicEvaluator
	for _, tc := range cases {
		eval := evaluator.Evaluate(datatypes.EvidenceMeta{TotalChunks: tc.totalChunks, DocsHit: 2})
		assert.Equal(t, tc.want, eval.Decision, "totalChunks=%d", tc.totalChunks)
		assert.Equal(t, datatypes.EvaluatorHeuristic, eval.Evaluator)
		assert.Equal(t, tc.totalChunks, eval.QualitySignals.TotalChunks)
		assert.Equal(t, 2, eval.QualitySignals.DocsHit)
	}
}

// scriptedLLM returns canned responses in order.
type scriptedLLM struct {
	responses []string
	calls     int
	lastSent  string
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	s.lastSent = prompt
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func judgeFixture(responses ...string) (*Adjudicator, *scriptedLLM) {
	client := &scriptedLLM{responses: responses}
	return NewAdjudicator(llm.NewGateway(client)), client
}

func poolFixture() *datatypes.EvidencePool {
	return &datatypes.EvidencePool{
		PoolID:    "POOL-SG-1",
		SubGoalID: "SG-1",
		Intent:    "impact of quantization on retrieval quality",
		Contexts: []datatypes.EvidenceContext{
			{Text: "quantization reduces recall by up to 4%", Source: "bench.md"},
		},
		Meta: datatypes.EvidenceMeta{TotalChunks: 21, DocsHit: 3},
		RetrievalTrace: datatypes.RetrievalTrace{
			Queries:     []string{"quantization retrieval quality"},
			TotalChunks: 21,
		},
	}
}

func TestAdjudicator_ParsesVerdict(t *testing.T) {
	adjudicator, client := judgeFixture(
		`{"decision": "Sufficient", "rationale": "recall impact is covered", "confidence": 0.85}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	eval, err := adjudicator.Judge(context.Background(), sg, poolFixture())
	require.NoError(t, err)

	assert.Equal(t, datatypes.DecisionSufficient, eval.Decision)
	assert.Equal(t, datatypes.EvaluatorAdjudicated, eval.Evaluator)
	assert.Equal(t, "recall impact is covered", eval.Rationale)
	assert.InDelta(t, 0.85, eval.Confidence, 1e-9)

	// The prompt must carry the intent, the queries, and the passages.
	assert.Contains(t, client.lastSent, sg.CurrentIntent)
	assert.Contains(t, client.lastSent, "quantization retrieval quality")
	assert.Contains(t, client.lastSent, "quantization reduces recall")
}

func TestAdjudicator_ClampsConfidence(t *testing.T) {
	adjudicator, _ := judgeFixture(`{"decision": "partial", "rationale": "x", "confidence": 1.7}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	eval, err := adjudicator.Judge(context.Background(), sg, poolFixture())
	require.NoError(t, err)
	assert.Equal(t, 1.0, eval.Confidence)
}

func TestAdjudicator_UnknownDecision(t *testing.T) {
	adjudicator, client := judgeFixture(`{"decision": "maybe", "rationale": "x", "confidence": 0.5}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	_, err := adjudicator.Judge(context.Background(), sg, poolFixture())
	require.Error(t, err)
	assert.True(t, llm.IsJSONError(err))
	// The gateway's parse retry does not apply to semantically invalid
	// decisions, only to malformed JSON.
	assert.Equal(t, 1, client.calls)
}

func TestAdjudicator_RecoversFromOneMalformedReply(t *testing.T) {
	adjudicator, client := judgeFixture(
		"I would say the evidence looks fine.",
		`{"decision": "sufficient", "rationale": "ok", "confidence": 0.6}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	eval, err := adjudicator.Judge(context.Background(), sg, poolFixture())
	require.NoError(t, err)
	assert.Equal(t, datatypes.DecisionSufficient, eval.Decision)
	assert.Equal(t, 2, client.calls)
}
