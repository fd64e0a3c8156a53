// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "fmt"

// Decision is the three-valued outcome of a sufficiency check.
type Decision string

const (
	DecisionSufficient   Decision = "sufficient"
	DecisionPartial      Decision = "partial"
	DecisionInsufficient Decision = "insufficient"
)

// ParseDecision converts a raw decision string (typically from an LLM
// response) into a Decision, rejecting anything outside the three allowed
// values.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionSufficient, DecisionPartial, DecisionInsufficient:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Evaluator names for the two sufficiency strategies.
const (
	EvaluatorHeuristic   = "heuristic"
	EvaluatorAdjudicated = "llm_adjudicator"
)

// Evaluation is the outcome of a sufficiency check, tagged by the evaluator
// that produced it. Concrete types are HeuristicEvaluation and
// AdjudicatedEvaluation.
type Evaluation interface {
	// Verdict returns the three-valued decision.
	Verdict() Decision
}

// QualitySignals are the aggregate counts backing a heuristic decision.
type QualitySignals struct {
	TotalChunks int `json:"total_chunks"`
	DocsHit     int `json:"docs_hit"`
}

// HeuristicEvaluation is the quantity-threshold evaluator's outcome.
type HeuristicEvaluation struct {
	// Evaluator is always "heuristic".
	Evaluator string `json:"evaluator"`

	Decision       Decision       `json:"decision"`
	QualitySignals QualitySignals `json:"quality_signals"`
}

// Verdict implements Evaluation.
func (e *HeuristicEvaluation) Verdict() Decision { return e.Decision }

// AdjudicatedEvaluation is the LLM adjudicator's outcome.
type AdjudicatedEvaluation struct {
	// Evaluator is always "llm_adjudicator".
	Evaluator string `json:"evaluator"`

	Decision Decision `json:"decision"`

	// Rationale is the adjudicator's research-level justification.
	Rationale string `json:"rationale"`

	// Confidence is the adjudicator's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Verdict implements Evaluation.
func (e *AdjudicatedEvaluation) Verdict() Decision { return e.Decision }

// LoopPhase tags a trace entry with the evaluator phase it was logged in.
type LoopPhase string

const (
	PhaseHeuristic   LoopPhase = "heuristic"
	PhaseAdjudicated LoopPhase = "adjudicated"
)

// TraceEntry is one append-only log entry per retrieval round. Entries are
// never mutated after creation. The adjudicated phase's first round reuses
// the existing pool and is therefore not traced.
type TraceEntry struct {
	Round       int       `json:"round"`
	Phase       LoopPhase `json:"phase"`
	TotalChunks int       `json:"total_chunks"`
}

// LoopStatus is the terminal state of a retrieval loop run.
type LoopStatus string

const (
	LoopCompleted  LoopStatus = "completed"
	LoopUnresolved LoopStatus = "unresolved"
)

// Terminal reasons for unresolved loops.
const (
	ReasonCoverageInsufficient = "coverage_insufficient"
	ReasonRetrievalFailed      = "retrieval_failed"
	ReasonExpansionStagnant    = "expansion_stagnant"
)

// LoopResult is the terminal artifact of one sub-goal's retrieval loop,
// handed to the batch runner and, downstream, to the drafting stage which
// reads Pool.Contexts to write evidence-bound paragraphs.
type LoopResult struct {
	Status     LoopStatus    `json:"status"`
	Pool       *EvidencePool `json:"pool"`
	Evaluation Evaluation    `json:"evaluation,omitempty"`
	Trace      []TraceEntry  `json:"trace"`
	Reason     string        `json:"reason,omitempty"`
}

// SubGoalResult pairs a sub-goal's identity with its loop outcome. Error is
// set instead of Result when the loop failed hard (for example a judgment
// response that never parsed); one sub-goal's failure does not discard the
// work done for its siblings.
type SubGoalResult struct {
	SubGoalID       string      `json:"sub_goal_id"`
	ParentSectionID string      `json:"parent_section_id"`
	Intent          string      `json:"intent"`
	Result          *LoopResult `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// BatchResult is the output of running the retrieval loop over a list of
// sub-goals independently.
type BatchResult struct {
	SubGoalResults []SubGoalResult `json:"sub_goal_results"`
}

// ResearchRetrieveRequest is the payload of POST /v1/research/retrieve.
type ResearchRetrieveRequest struct {
	// SubGoals to retrieve evidence for. Processed independently.
	SubGoals []*SubGoal `json:"sub_goals" validate:"required,min=1,dive"`

	// KBIDs scope retrieval to specific knowledge bases. Opaque to the
	// loop; forwarded to the retrieval capability when it supports scoping.
	KBIDs []string `json:"kb_ids"`

	// MaxRounds overrides the per-phase round budget when > 0.
	MaxRounds int `json:"max_rounds" validate:"gte=0,lte=10"`

	// Size overrides the per-call result-size budget when > 0.
	Size int `json:"size" validate:"gte=0,lte=200"`
}

// Validate checks the request payload after JSON binding.
func (r *ResearchRetrieveRequest) Validate() error {
	if err := subGoalValidate.Struct(r); err != nil {
		return fmt.Errorf("research request validation failed: %w", err)
	}
	return nil
}
