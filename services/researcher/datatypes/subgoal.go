// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the typed records exchanged between the research
// orchestrator's components: sub-goals, evidence pools, evaluations, and the
// request/response payloads of the research endpoints.
//
// All records are explicit structs with required fields. The upstream system
// this service replaces passed loosely-typed maps between stages; every field
// here is intentional and validated where it crosses a service boundary.
package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// subGoalValidate is the validator instance for sub-goal payloads.
var subGoalValidate = validator.New()

// SubGoalStatus describes the lifecycle state of a sub-goal.
type SubGoalStatus string

const (
	SubGoalActive     SubGoalStatus = "active"
	SubGoalDowngraded SubGoalStatus = "downgraded"
	SubGoalRemoved    SubGoalStatus = "removed"
	SubGoalUnresolved SubGoalStatus = "unresolved"
)

// SubGoal is an atomic, retrievable information need derived from a research
// section by the upstream planning stage.
//
// # Description
//
// A SubGoal carries an immutable OriginalIntent and a mutable CurrentIntent.
// The retrieval loop owns the sub-goal exclusively for the duration of a run:
// every time the intent is broadened by the expander, the new intent is
// appended to FallbackHistory so the full audit trail of what the sub-goal
// has meant is preserved.
//
// # Invariants
//
//   - len(FallbackHistory) >= 1 after EnsureDefaults.
//   - FallbackHistory[len-1] == CurrentIntent at all times.
//   - OriginalIntent is never modified after creation.
//
// # Thread Safety
//
// SubGoal is not safe for concurrent mutation. The retrieval loop is the
// single writer during a run.
type SubGoal struct {
	// SubGoalID uniquely identifies the sub-goal within a research run.
	SubGoalID string `json:"sub_goal_id" validate:"required"`

	// ParentSectionID links the sub-goal back to its planned section.
	ParentSectionID string `json:"parent_section_id"`

	// OriginalIntent is the intent as produced by the planning stage.
	OriginalIntent string `json:"original_intent" validate:"required"`

	// CurrentIntent is the intent currently driving retrieval. Starts equal
	// to OriginalIntent and is rewritten by the query expander.
	CurrentIntent string `json:"current_intent"`

	// QueryHints are the retrieval query strings for the current intent,
	// in priority order.
	QueryHints []string `json:"query_hints"`

	// FallbackLevel counts how many times the intent has been broadened.
	FallbackLevel int `json:"fallback_level"`

	// FallbackHistory is the append-only audit trail of every intent this
	// sub-goal has held, oldest first.
	FallbackHistory []string `json:"fallback_history"`

	// Status is the sub-goal's lifecycle state.
	Status SubGoalStatus `json:"status"`
}

// EnsureDefaults populates derived fields on a freshly-received sub-goal.
//
// CurrentIntent defaults to OriginalIntent, FallbackHistory is seeded with
// the current intent, and Status defaults to active. Safe to call more than
// once; an already-initialized sub-goal is left untouched.
func (sg *SubGoal) EnsureDefaults() {
	if sg.CurrentIntent == "" {
		sg.CurrentIntent = sg.OriginalIntent
	}
	if len(sg.FallbackHistory) == 0 {
		sg.FallbackHistory = []string{sg.CurrentIntent}
	}
	if sg.Status == "" {
		sg.Status = SubGoalActive
	}
}

// Validate checks the sub-goal's required fields and invariants.
//
// Call after EnsureDefaults. Returns a descriptive error when the record is
// not usable by the retrieval loop.
func (sg *SubGoal) Validate() error {
	if err := subGoalValidate.Struct(sg); err != nil {
		return fmt.Errorf("sub-goal validation failed: %w", err)
	}
	if len(sg.FallbackHistory) == 0 {
		return fmt.Errorf("sub-goal %s: fallback history is empty", sg.SubGoalID)
	}
	if last := sg.FallbackHistory[len(sg.FallbackHistory)-1]; last != sg.CurrentIntent {
		return fmt.Errorf("sub-goal %s: fallback history out of sync with current intent", sg.SubGoalID)
	}
	return nil
}

// Queries returns the query strings to retrieve with: the hints when present,
// otherwise the current intent itself.
func (sg *SubGoal) Queries() []string {
	if len(sg.QueryHints) > 0 {
		return sg.QueryHints
	}
	return []string{sg.CurrentIntent}
}

// ApplyExpansion rewrites the sub-goal's intent and hints with an expansion
// produced by the query expander, appending the new intent to the fallback
// history and bumping the fallback level.
func (sg *SubGoal) ApplyExpansion(intent string, hints []string) {
	sg.CurrentIntent = intent
	sg.QueryHints = hints
	sg.FallbackLevel++
	sg.FallbackHistory = append(sg.FallbackHistory, intent)
}

// HintFingerprint returns a normalized, order-insensitive fingerprint of the
// sub-goal's query hints. Used by the loop to detect stagnant expansions.
func HintFingerprint(intent string, hints []string) string {
	normalized := make([]string, 0, len(hints))
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	// Insertion sort keeps this dependency-free for the tiny slices involved.
	for i := 1; i < len(normalized); i++ {
		for j := i; j > 0 && normalized[j] < normalized[j-1]; j-- {
			normalized[j], normalized[j-1] = normalized[j-1], normalized[j]
		}
	}
	return strings.ToLower(strings.TrimSpace(intent)) + "|" + strings.Join(normalized, "|")
}
