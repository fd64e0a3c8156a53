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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

func hit(chunkID, doc, text string, similarity float64) datatypes.RawChunk {
	return datatypes.RawChunk{
		ChunkID:          chunkID,
		DocID:            "id-" + doc,
		DocName:          doc,
		Text:             text,
		Similarity:       similarity,
		VectorSimilarity: similarity - 0.05,
	}
}

func TestNormalize_GroupsByChunkKeepingBestScore(t *testing.T) {
	hits := []datatypes.RawChunk{
		hit("c1", "a.md", "alpha", 0.70),
		hit("c2", "a.md", "beta", 0.90),
		hit("c1", "a.md", "alpha", 0.85),
		hit("c1", "a.md", "alpha", 0.60),
	}

	result := Normalize(hits, DefaultNormalizeOptions())

	require.Len(t, result.Evidences, 2)
	assert.Equal(t, "c2", result.Evidences[0].ChunkID)
	assert.Equal(t, "c1", result.Evidences[1].ChunkID)
	assert.Equal(t, 0.85, result.Evidences[1].Similarity)
	assert.Equal(t, 3, result.Evidences[1].HitCount)
	assert.Equal(t, 1, result.Evidences[0].HitCount)
}

func TestNormalize_FiltersLowSimilarityAndMissingIDs(t *testing.T) {
	hits := []datatypes.RawChunk{
		hit("c1", "a.md", "keep", 0.80),
		hit("c2", "a.md", "drop low", 0.10),
		hit("", "a.md", "drop no id", 0.95),
	}

	result := Normalize(hits, NormalizeOptions{MaxContexts: 10, MinSimilarity: 0.5})

	require.Len(t, result.Evidences, 1)
	assert.Equal(t, "c1", result.Evidences[0].ChunkID)
	assert.Equal(t, 1, result.Meta.TotalChunks)
}

func TestNormalize_ContextsCappedEvidencesComplete(t *testing.T) {
	hits := []datatypes.RawChunk{
		hit("c1", "a.md", "one", 0.9),
		hit("c2", "a.md", "two", 0.8),
		hit("c3", "b.md", "three", 0.7),
		hit("c4", "b.md", "four", 0.6),
	}

	result := Normalize(hits, NormalizeOptions{MaxContexts: 2})

	require.Len(t, result.Contexts, 2)
	assert.Equal(t, "one", result.Contexts[0].Text)
	assert.Equal(t, "two", result.Contexts[1].Text)
	assert.Len(t, result.Evidences, 4)
}

func TestNormalize_StableOrderOnEqualScores(t *testing.T) {
	hits := []datatypes.RawChunk{
		hit("c1", "a.md", "first seen", 0.8),
		hit("c2", "a.md", "second seen", 0.8),
		hit("c3", "a.md", "third seen", 0.8),
	}

	result := Normalize(hits, DefaultNormalizeOptions())

	require.Len(t, result.Evidences, 3)
	assert.Equal(t, "c1", result.Evidences[0].ChunkID)
	assert.Equal(t, "c2", result.Evidences[1].ChunkID)
	assert.Equal(t, "c3", result.Evidences[2].ChunkID)
}

func TestNormalize_ExcerptTruncatedAndTrimmed(t *testing.T) {
	long := "  " + strings.Repeat("é", 500)
	hits := []datatypes.RawChunk{hit("c1", "a.md", long, 0.9)}

	result := Normalize(hits, DefaultNormalizeOptions())

	require.Len(t, result.Evidences, 1)
	excerptLen := len([]rune(result.Evidences[0].Excerpt))
	assert.LessOrEqual(t, excerptLen, 300)
	assert.Equal(t, 298, excerptLen) // 300 runes cut, 2 leading spaces trimmed
}

func TestNormalize_ScoresRoundedToFourDecimals(t *testing.T) {
	hits := []datatypes.RawChunk{
		{ChunkID: "c1", DocName: "a.md", Text: "x", Similarity: 0.123456, VectorSimilarity: 0.98765},
	}

	result := Normalize(hits, DefaultNormalizeOptions())

	require.Len(t, result.Evidences, 1)
	assert.Equal(t, 0.1235, result.Evidences[0].Similarity)
	assert.Equal(t, 0.9877, result.Evidences[0].VectorSimilarity)
}

func TestNormalize_MetaHistogramSortedByCount(t *testing.T) {
	hits := []datatypes.RawChunk{
		hit("c1", "rare.md", "x", 0.9),
		hit("c2", "common.md", "x", 0.8),
		hit("c3", "common.md", "x", 0.7),
		hit("c4", "common.md", "x", 0.6),
	}

	result := Normalize(hits, DefaultNormalizeOptions())

	assert.Equal(t, 4, result.Meta.TotalChunks)
	assert.Equal(t, 2, result.Meta.DocsHit)
	require.Len(t, result.Meta.DocDistribution, 2)
	assert.Equal(t, "common.md", result.Meta.DocDistribution[0].DocName)
	assert.Equal(t, 3, result.Meta.DocDistribution[0].Chunks)
	assert.Equal(t, "rare.md", result.Meta.DocDistribution[1].DocName)
}

func TestNormalize_EmptyInput(t *testing.T) {
	result := Normalize(nil, DefaultNormalizeOptions())

	assert.Empty(t, result.Contexts)
	assert.Empty(t, result.Evidences)
	assert.Equal(t, 0, result.Meta.TotalChunks)
	assert.Equal(t, 0, result.Meta.DocsHit)
}
