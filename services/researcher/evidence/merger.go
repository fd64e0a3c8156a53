// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"fmt"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

// NewPool initializes a sub-goal's evidence pool from the first round's
// normalized result.
func NewPool(sg *datatypes.SubGoal, result *datatypes.RetrievalResult, queries []string) *datatypes.EvidencePool {
	pool := &datatypes.EvidencePool{
		PoolID:    fmt.Sprintf("POOL-%s", sg.SubGoalID),
		SubGoalID: sg.SubGoalID,
		Intent:    sg.CurrentIntent,
		Contexts:  append([]datatypes.EvidenceContext(nil), result.Contexts...),
		Evidences: append([]datatypes.EvidenceRecord(nil), result.Evidences...),
		Meta:      result.Meta,
		RetrievalTrace: datatypes.RetrievalTrace{
			Queries:     append([]string(nil), queries...),
			TotalChunks: result.Meta.TotalChunks,
		},
	}
	return pool
}

// Merge folds a freshly normalized result into an existing pool and returns
// the merged pool as a new owned value. The input pool is not mutated.
//
// # Description
//
// Contexts are extended then de-duplicated by (Text, Source); evidences are
// extended then de-duplicated by ChunkID. When the same chunk appears in
// both the pool and the new result, the occurrence with the higher
// similarity wins, the same rule Normalize applies within a single call.
// HitCount is a single-call statistic and is not accumulated across rounds.
//
// Meta is recomputed from the merged evidence list and the round's queries
// are appended (de-duplicated, order preserved) to the retrieval trace.
//
// # Contract
//
// Idempotent: merging the same result twice yields the same contexts and
// evidences as merging it once.
func Merge(pool *datatypes.EvidencePool, result *datatypes.RetrievalResult, queries []string) *datatypes.EvidencePool {
	merged := &datatypes.EvidencePool{
		PoolID:    pool.PoolID,
		SubGoalID: pool.SubGoalID,
		Intent:    pool.Intent,
	}

	merged.Contexts = mergeContexts(pool.Contexts, result.Contexts)
	merged.Evidences = mergeEvidences(pool.Evidences, result.Evidences)
	merged.Meta = metaFromEvidences(merged.Evidences)
	merged.RetrievalTrace = datatypes.RetrievalTrace{
		Queries:     mergeQueries(pool.RetrievalTrace.Queries, queries),
		TotalChunks: merged.Meta.TotalChunks,
	}
	return merged
}

// mergeContexts concatenates and de-duplicates contexts by (Text, Source),
// preserving first-seen order.
func mergeContexts(existing, incoming []datatypes.EvidenceContext) []datatypes.EvidenceContext {
	type key struct{ text, source string }
	seen := make(map[key]bool, len(existing)+len(incoming))
	out := make([]datatypes.EvidenceContext, 0, len(existing)+len(incoming))
	for _, c := range existing {
		k := key{c.Text, c.Source}
		if !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	for _, c := range incoming {
		k := key{c.Text, c.Source}
		if !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	return out
}

// mergeEvidences concatenates and de-duplicates evidence records by ChunkID.
// On a key collision the record with the higher similarity is kept in the
// existing record's position.
func mergeEvidences(existing, incoming []datatypes.EvidenceRecord) []datatypes.EvidenceRecord {
	index := make(map[string]int, len(existing)+len(incoming))
	out := make([]datatypes.EvidenceRecord, 0, len(existing)+len(incoming))
	for _, e := range existing {
		if i, ok := index[e.ChunkID]; ok {
			if e.Similarity > out[i].Similarity {
				out[i] = e
			}
			continue
		}
		index[e.ChunkID] = len(out)
		out = append(out, e)
	}
	for _, e := range incoming {
		if i, ok := index[e.ChunkID]; ok {
			if e.Similarity > out[i].Similarity {
				out[i] = e
			}
			continue
		}
		index[e.ChunkID] = len(out)
		out = append(out, e)
	}
	return out
}

// mergeQueries appends new queries, dropping exact duplicates while keeping
// first-seen order.
func mergeQueries(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, q := range existing {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, q := range incoming {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}
