// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence turns raw retrieval hits into ranked, de-duplicated
// evidence and folds per-round results into a sub-goal's cumulative pool.
//
// The package is pure data transformation: no I/O, no logging side effects,
// and no mutation of inputs. Both entry points are deterministic given
// identical input ordering, which keeps round traces reproducible.
package evidence

import (
	"math"
	"sort"
	"strings"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

// excerptRunes is the fixed excerpt length for citation records.
const excerptRunes = 300

// NormalizeOptions configures a single normalization call.
type NormalizeOptions struct {
	// MaxContexts caps how many top-ranked chunks become prompt contexts.
	// Evidence records are built from all surviving chunks regardless.
	MaxContexts int

	// MinSimilarity drops hits scoring below this threshold before any
	// grouping happens.
	MinSimilarity float64
}

// DefaultNormalizeOptions returns the options used when a caller passes the
// zero value.
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{MaxContexts: 10, MinSimilarity: 0.0}
}

// Normalize converts raw hits, possibly gathered across several queries,
// into a single-call RetrievalResult.
//
// # Description
//
// The pipeline is:
//
//  1. Discard hits below MinSimilarity or with no chunk identifier.
//  2. Group by chunk identifier; keep the highest-similarity occurrence as
//     the representative and record HitCount = group size.
//  3. Sort representatives by similarity, descending (stable, so equal
//     scores keep their first-seen order).
//  4. Truncate the head to MaxContexts for the prompt contexts.
//  5. Build evidence records from all representatives, with a fixed-length
//     excerpt of the text.
//  6. Aggregate meta: total chunks, distinct documents, and a per-document
//     histogram sorted descending by count.
//
// # Contract
//
// Deterministic given identical input ordering; never mutates hits.
func Normalize(hits []datatypes.RawChunk, opts NormalizeOptions) *datatypes.RetrievalResult {
	if opts.MaxContexts <= 0 {
		opts.MaxContexts = DefaultNormalizeOptions().MaxContexts
	}

	type group struct {
		rep      datatypes.RawChunk
		hitCount int
	}

	groups := make(map[string]*group, len(hits))
	order := make([]string, 0, len(hits))

	for _, h := range hits {
		if h.Similarity < opts.MinSimilarity || h.ChunkID == "" {
			continue
		}
		g, ok := groups[h.ChunkID]
		if !ok {
			groups[h.ChunkID] = &group{rep: h, hitCount: 1}
			order = append(order, h.ChunkID)
			continue
		}
		g.hitCount++
		if h.Similarity > g.rep.Similarity {
			g.rep = h
		}
	}

	representatives := make([]*group, 0, len(order))
	for _, id := range order {
		representatives = append(representatives, groups[id])
	}
	sort.SliceStable(representatives, func(i, j int) bool {
		return representatives[i].rep.Similarity > representatives[j].rep.Similarity
	})

	contexts := make([]datatypes.EvidenceContext, 0, min(len(representatives), opts.MaxContexts))
	for _, g := range representatives {
		if len(contexts) == opts.MaxContexts {
			break
		}
		contexts = append(contexts, datatypes.EvidenceContext{
			Text:   strings.TrimSpace(g.rep.Text),
			Source: g.rep.DocName,
		})
	}

	evidences := make([]datatypes.EvidenceRecord, 0, len(representatives))
	for _, g := range representatives {
		evidences = append(evidences, datatypes.EvidenceRecord{
			DocName:          g.rep.DocName,
			DocID:            g.rep.DocID,
			ChunkID:          g.rep.ChunkID,
			HitCount:         g.hitCount,
			Similarity:       round4(g.rep.Similarity),
			VectorSimilarity: round4(g.rep.VectorSimilarity),
			Excerpt:          excerpt(g.rep.Text),
		})
	}

	return &datatypes.RetrievalResult{
		Contexts:  contexts,
		Evidences: evidences,
		Meta:      metaFromEvidences(evidences),
	}
}

// metaFromEvidences builds aggregate statistics from a de-duplicated
// evidence list. Shared with the merger so pool meta stays consistent with
// single-call meta.
func metaFromEvidences(evidences []datatypes.EvidenceRecord) datatypes.EvidenceMeta {
	counts := make(map[string]int, len(evidences))
	seen := make([]string, 0, len(evidences))
	for _, e := range evidences {
		if _, ok := counts[e.DocName]; !ok {
			seen = append(seen, e.DocName)
		}
		counts[e.DocName]++
	}

	distribution := make([]datatypes.DocCount, 0, len(seen))
	for _, doc := range seen {
		distribution = append(distribution, datatypes.DocCount{DocName: doc, Chunks: counts[doc]})
	}
	sort.SliceStable(distribution, func(i, j int) bool {
		return distribution[i].Chunks > distribution[j].Chunks
	})

	return datatypes.EvidenceMeta{
		TotalChunks:     len(evidences),
		DocsHit:         len(seen),
		DocDistribution: distribution,
	}
}

// excerpt returns the first excerptRunes characters of text, trimmed.
func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) > excerptRunes {
		runes = runes[:excerptRunes]
	}
	return strings.TrimSpace(string(runes))
}

// round4 rounds a score to four decimal places for stable presentation.
func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
