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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

// =============================================================================
// Mocks
// =============================================================================

type mockRetriever struct {
	mu      sync.Mutex
	calls   int
	queries [][]string
	fn      func(call int, queryHints []string, size int) (*datatypes.RetrievalResult, error)
}

func (m *mockRetriever) Search(_ context.Context, queryHints []string, size int) (*datatypes.RetrievalResult, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.queries = append(m.queries, append([]string(nil), queryHints...))
	m.mu.Unlock()
	return m.fn(call, queryHints, size)
}

type mockJudge struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, sg *datatypes.SubGoal, pool *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error)
}

func (m *mockJudge) Judge(_ context.Context, sg *datatypes.SubGoal, pool *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.fn(call, sg, pool)
}

type mockExpander struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, sg *datatypes.SubGoal) (*Expansion, error)
}

func (m *mockExpander) Expand(_ context.Context, sg *datatypes.SubGoal, _ *datatypes.EvidencePool, _ string) (*Expansion, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.fn(call, sg)
}

// =============================================================================
// Helpers
// =============================================================================

// makeResult builds a normalized result with n distinct chunks. Distinct
// prefixes keep chunks from different rounds from colliding in the pool.
func makeResult(prefix string, n int) *datatypes.RetrievalResult {
	result := &datatypes.RetrievalResult{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		result.Evidences = append(result.Evidences, datatypes.EvidenceRecord{
			DocName:    "doc.txt",
			DocID:      "d1",
			ChunkID:    id,
			HitCount:   1,
			Similarity: 0.9,
			Excerpt:    "chunk " + id,
		})
		result.Contexts = append(result.Contexts, datatypes.EvidenceContext{
			Text:   "chunk " + id,
			Source: "doc.txt",
		})
	}
	result.Meta = datatypes.EvidenceMeta{
		TotalChunks:     n,
		DocsHit:         1,
		DocDistribution: []datatypes.DocCount{{DocName: "doc.txt", Chunks: n}},
	}
	return result
}

func newSubGoal() *datatypes.SubGoal {
	return &datatypes.SubGoal{
		SubGoalID:      "SG-1",
		OriginalIntent: "impact of quantization on retrieval quality",
		QueryHints:     []string{"quantization retrieval quality", "vector index quantization"},
	}
}

func sufficientVerdict() *datatypes.AdjudicatedEvaluation {
	return &datatypes.AdjudicatedEvaluation{
		Evaluator:  datatypes.EvaluatorAdjudicated,
		Decision:   datatypes.DecisionSufficient,
		Rationale:  "covers the intent",
		Confidence: 0.9,
	}
}

func insufficientVerdict() *datatypes.AdjudicatedEvaluation {
	return &datatypes.AdjudicatedEvaluation{
		Evaluator:  datatypes.EvaluatorAdjudicated,
		Decision:   datatypes.DecisionInsufficient,
		Rationale:  "missing the comparison aspect",
		Confidence: 0.7,
	}
}

func freshExpansion(call int) *Expansion {
	return &Expansion{
		Intent: fmt.Sprintf("broadened intent %d", call),
		Hints: []string{
			fmt.Sprintf("hint a %d", call),
			fmt.Sprintf("hint b %d", call),
			fmt.Sprintf("hint c %d", call),
		},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_ImmediateSufficiencyConfirmedByAdjudicator(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		return makeResult("r1", 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		t.Fatal("expansion must not run when evidence is sufficient")
		return nil, nil
	}}

	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), newSubGoal())
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopCompleted, result.Status)
	assert.Empty(t, result.Reason)
	assert.Equal(t, 1, retriever.calls)
	assert.Equal(t, 1, judge.calls)

	// One heuristic round; the adjudicated first round reuses the pool and
	// is not traced.
	require.Len(t, result.Trace, 1)
	assert.Equal(t, datatypes.PhaseHeuristic, result.Trace[0].Phase)
	assert.Equal(t, 25, result.Trace[0].TotalChunks)

	adjudicated, ok := result.Evaluation.(*datatypes.AdjudicatedEvaluation)
	require.True(t, ok)
	assert.Equal(t, datatypes.DecisionSufficient, adjudicated.Decision)
}

func TestRun_HeuristicSufficiencyCompletesWithoutConfirmation(t *testing.T) {
	retriever := &mockRetriever{fn: func(int, []string, int) (*datatypes.RetrievalResult, error) {
		return makeResult("r1", 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		t.Fatal("adjudicator must not run when confirmation is disabled")
		return nil, nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		return nil, errors.New("unexpected")
	}}

	cfg := DefaultConfig()
	cfg.AlwaysConfirm = false
	loop := NewLoop(retriever, judge, expander, cfg)

	result, err := loop.Run(context.Background(), newSubGoal())
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopCompleted, result.Status)
	heuristic, ok := result.Evaluation.(*datatypes.HeuristicEvaluation)
	require.True(t, ok)
	assert.Equal(t, datatypes.DecisionSufficient, heuristic.Decision)
	assert.Equal(t, 0, judge.calls)
}

func TestRun_ExhaustionEndsUnresolved(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		return makeResult(fmt.Sprintf("r%d", call), 3), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return insufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(call int, _ *datatypes.SubGoal) (*Expansion, error) {
		return freshExpansion(call), nil
	}}

	sg := newSubGoal()
	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), sg)
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopUnresolved, result.Status)
	assert.Equal(t, datatypes.ReasonCoverageInsufficient, result.Reason)
	assert.Equal(t, datatypes.SubGoalUnresolved, sg.Status)

	// 3 heuristic retrievals plus 2 adjudicated retrievals (the adjudicated
	// first round reuses the pool).
	assert.Equal(t, 5, retriever.calls)
	assert.Equal(t, 3, judge.calls)
	require.Len(t, result.Trace, 5)
	assert.Equal(t, datatypes.PhaseHeuristic, result.Trace[2].Phase)
	assert.Equal(t, datatypes.PhaseAdjudicated, result.Trace[3].Phase)

	// Insufficient on heuristic rounds 1-2 and adjudicated rounds 1-2
	// each trigger one expansion; the final round of each phase does not.
	assert.Equal(t, 4, expander.calls)
	assert.Equal(t, 4, sg.FallbackLevel)
	assert.Len(t, sg.FallbackHistory, 5)
	assert.Equal(t, sg.FallbackHistory[len(sg.FallbackHistory)-1], sg.CurrentIntent)

	// The pool kept accumulating distinct chunks across every round.
	assert.Equal(t, 15, result.Pool.Meta.TotalChunks)
}

func TestRun_PartialContinuesWithoutExpansion(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		// 12 distinct chunks on round 1, nothing new after: stays partial.
		if call == 1 {
			return makeResult("r1", 12), nil
		}
		return makeResult("r1", 12), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		t.Fatal("partial coverage must not trigger expansion")
		return nil, nil
	}}

	sg := newSubGoal()
	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), sg)
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopCompleted, result.Status)
	assert.Equal(t, 3, retriever.calls)
	assert.Equal(t, 0, expander.calls)
	assert.Equal(t, 0, sg.FallbackLevel)

	// Re-retrieving identical chunks never inflates the pool.
	assert.Equal(t, 12, result.Pool.Meta.TotalChunks)
	require.Len(t, result.Trace, 3)
	for _, entry := range result.Trace {
		assert.Equal(t, 12, entry.TotalChunks)
	}
}

func TestRun_RetrievalFailureEndsUnresolved(t *testing.T) {
	retriever := &mockRetriever{fn: func(int, []string, int) (*datatypes.RetrievalResult, error) {
		return nil, errors.New("engine unreachable")
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		return nil, errors.New("unexpected")
	}}

	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), newSubGoal())
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopUnresolved, result.Status)
	assert.Equal(t, datatypes.ReasonRetrievalFailed, result.Reason)
	assert.Nil(t, result.Pool)
	assert.Empty(t, result.Trace)
}

func TestRun_MalformedJudgmentIsAHardFailure(t *testing.T) {
	retriever := &mockRetriever{fn: func(int, []string, int) (*datatypes.RetrievalResult, error) {
		return makeResult("r1", 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return nil, &llm.JSONError{Raw: "not json", Err: errors.New("no JSON object found")}
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		return nil, errors.New("unexpected")
	}}

	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), newSubGoal())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, llm.IsJSONError(err))
}

func TestRun_StagnantExpansionTerminatesEarly(t *testing.T) {
	retriever := &mockRetriever{fn: func(int, []string, int) (*datatypes.RetrievalResult, error) {
		return makeResult("r1", 3), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return insufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(_ int, sg *datatypes.SubGoal) (*Expansion, error) {
		// Echo the current formulation back, hint order shuffled.
		hints := append([]string(nil), sg.Queries()...)
		for i, j := 0, len(hints)-1; i < j; i, j = i+1, j-1 {
			hints[i], hints[j] = hints[j], hints[i]
		}
		return &Expansion{Intent: sg.CurrentIntent, Hints: hints}, nil
	}}

	sg := newSubGoal()
	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), sg)
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopUnresolved, result.Status)
	assert.Equal(t, datatypes.ReasonExpansionStagnant, result.Reason)
	assert.Equal(t, 1, retriever.calls)
	assert.Equal(t, 0, sg.FallbackLevel)
}

func TestRun_StagnationDetectionCanBeDisabled(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		return makeResult(fmt.Sprintf("r%d", call), 3), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return insufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(_ int, sg *datatypes.SubGoal) (*Expansion, error) {
		return &Expansion{Intent: sg.CurrentIntent, Hints: sg.Queries()}, nil
	}}

	cfg := DefaultConfig()
	cfg.DetectStagnation = false
	sg := newSubGoal()
	loop := NewLoop(retriever, judge, expander, cfg)

	result, err := loop.Run(context.Background(), sg)
	require.NoError(t, err)

	// With detection off the loop burns its full budget instead.
	assert.Equal(t, datatypes.LoopUnresolved, result.Status)
	assert.Equal(t, datatypes.ReasonCoverageInsufficient, result.Reason)
	assert.Equal(t, 5, retriever.calls)
	assert.Equal(t, 4, sg.FallbackLevel)
}

func TestRun_InvalidSubGoalRejected(t *testing.T) {
	loop := NewLoop(&mockRetriever{fn: func(int, []string, int) (*datatypes.RetrievalResult, error) {
		return nil, errors.New("unexpected")
	}}, nil, nil, DefaultConfig())

	_, err := loop.Run(context.Background(), &datatypes.SubGoal{SubGoalID: "SG-1"})
	require.Error(t, err)
}

func TestRun_ExpansionRewritesQueriesForNextRound(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		if call == 1 {
			return makeResult("r1", 3), nil
		}
		return makeResult("r2", 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(call int, _ *datatypes.SubGoal) (*Expansion, error) {
		return freshExpansion(call), nil
	}}

	sg := newSubGoal()
	loop := NewLoop(retriever, judge, expander, DefaultConfig())
	result, err := loop.Run(context.Background(), sg)
	require.NoError(t, err)

	assert.Equal(t, datatypes.LoopCompleted, result.Status)
	require.Equal(t, 2, retriever.calls)
	assert.Equal(t, []string{"quantization retrieval quality", "vector index quantization"}, retriever.queries[0])
	assert.Equal(t, []string{"hint a 1", "hint b 1", "hint c 1"}, retriever.queries[1])
	assert.Equal(t, 1, sg.FallbackLevel)
	assert.Equal(t, []string{"impact of quantization on retrieval quality", "broadened intent 1"}, sg.FallbackHistory)
}
