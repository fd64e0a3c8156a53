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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

func batchSubGoals(n int) []*datatypes.SubGoal {
	goals := make([]*datatypes.SubGoal, n)
	for i := range goals {
		goals[i] = &datatypes.SubGoal{
			SubGoalID:      fmt.Sprintf("SG-%d", i+1),
			OriginalIntent: fmt.Sprintf("intent %d", i+1),
		}
	}
	return goals
}

func TestRunAll_CollectsResultsInOrder(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		return makeResult(fmt.Sprintf("r%d", call), 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		return nil, errors.New("unexpected")
	}}

	cfg := DefaultConfig()
	runner := NewBatchRunner(NewLoop(retriever, judge, expander, cfg), cfg)

	goals := batchSubGoals(3)
	batch := runner.RunAll(context.Background(), goals)

	require.Len(t, batch.SubGoalResults, 3)
	for i, res := range batch.SubGoalResults {
		assert.Equal(t, fmt.Sprintf("SG-%d", i+1), res.SubGoalID)
		assert.Equal(t, fmt.Sprintf("intent %d", i+1), res.Intent)
		assert.Empty(t, res.Error)
		require.NotNil(t, res.Result)
		assert.Equal(t, datatypes.LoopCompleted, res.Result.Status)
	}
}

func TestRunAll_ReportsPostExpansionIntent(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		if call == 1 {
			return makeResult("r1", 5), nil
		}
		return makeResult(fmt.Sprintf("r%d", call), 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(call int, _ *datatypes.SubGoal) (*Expansion, error) {
		return freshExpansion(call), nil
	}}

	cfg := DefaultConfig()
	runner := NewBatchRunner(NewLoop(retriever, judge, expander, cfg), cfg)

	batch := runner.RunAll(context.Background(), batchSubGoals(1))
	require.Len(t, batch.SubGoalResults, 1)

	res := batch.SubGoalResults[0]
	require.NotNil(t, res.Result)
	assert.Equal(t, datatypes.LoopCompleted, res.Result.Status)
	assert.Equal(t, "broadened intent 1", res.Intent)
}

func TestRunAll_IsolatesFailures(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		return makeResult(fmt.Sprintf("r%d", call), 25), nil
	}}
	judge := &mockJudge{fn: func(_ int, sg *datatypes.SubGoal, _ *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		if sg.SubGoalID == "SG-2" {
			return nil, &llm.JSONError{Raw: "garbage", Err: errors.New("no JSON object found")}
		}
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		return nil, errors.New("unexpected")
	}}

	cfg := DefaultConfig()
	runner := NewBatchRunner(NewLoop(retriever, judge, expander, cfg), cfg)

	batch := runner.RunAll(context.Background(), batchSubGoals(3))
	require.Len(t, batch.SubGoalResults, 3)

	assert.NotNil(t, batch.SubGoalResults[0].Result)
	assert.NotNil(t, batch.SubGoalResults[2].Result)

	failed := batch.SubGoalResults[1]
	assert.Nil(t, failed.Result)
	assert.Contains(t, failed.Error, "adjudication for sub-goal SG-2 failed")
}

func TestRunAll_BoundedParallelismStillCompletes(t *testing.T) {
	retriever := &mockRetriever{fn: func(call int, _ []string, _ int) (*datatypes.RetrievalResult, error) {
		return makeResult(fmt.Sprintf("r%d", call), 25), nil
	}}
	judge := &mockJudge{fn: func(int, *datatypes.SubGoal, *datatypes.EvidencePool) (*datatypes.AdjudicatedEvaluation, error) {
		return sufficientVerdict(), nil
	}}
	expander := &mockExpander{fn: func(int, *datatypes.SubGoal) (*Expansion, error) {
		return nil, errors.New("unexpected")
	}}

	cfg := DefaultConfig()
	cfg.Parallelism = 4
	runner := NewBatchRunner(NewLoop(retriever, judge, expander, cfg), cfg)

	batch := runner.RunAll(context.Background(), batchSubGoals(8))
	require.Len(t, batch.SubGoalResults, 8)
	for _, res := range batch.SubGoalResults {
		assert.Empty(t, res.Error)
	}
}
