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

// RawChunk is a single raw hit returned by a retrieval backend before
// normalization. Different backends (RAGFlow, Weaviate) map their native
// result shapes into this one.
type RawChunk struct {
	// ChunkID is the backend's stable identifier for the chunk. Hits with
	// an empty ChunkID are discarded by the normalizer.
	ChunkID string `json:"chunk_id"`

	// DocID identifies the parent document.
	DocID string `json:"doc_id"`

	// DocName is the human-readable parent document name, used as the
	// citation source.
	DocName string `json:"doc_name"`

	// Text is the chunk body.
	Text string `json:"text"`

	// Similarity is the backend's combined relevance score in [0,1].
	Similarity float64 `json:"similarity"`

	// VectorSimilarity is the dense-vector component of the score.
	VectorSimilarity float64 `json:"vector_similarity"`
}

// EvidenceContext is the de-duplication unit for prompt construction.
// Uniqueness key: (Text, Source).
type EvidenceContext struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// EvidenceRecord is the de-duplication unit for user-facing citation.
// Uniqueness key: ChunkID.
type EvidenceRecord struct {
	DocName string `json:"doc_name"`
	DocID   string `json:"doc_id"`
	ChunkID string `json:"chunk_id"`

	// HitCount is how many times the chunk was returned across the queries
	// of a single retrieval call. It is not accumulated across rounds.
	HitCount int `json:"hit_count"`

	Similarity       float64 `json:"similarity"`
	VectorSimilarity float64 `json:"vector_similarity"`

	// Excerpt is the first 300 characters of the chunk text.
	Excerpt string `json:"excerpt"`
}

// DocCount is one entry of the per-document chunk histogram.
type DocCount struct {
	DocName string `json:"doc_name"`
	Chunks  int    `json:"chunks"`
}

// EvidenceMeta aggregates statistics over a normalized result or a pool.
type EvidenceMeta struct {
	// TotalChunks is the number of distinct chunks.
	TotalChunks int `json:"total_chunks"`

	// DocsHit is the number of distinct documents contributing chunks.
	DocsHit int `json:"docs_hit"`

	// DocDistribution is the chunk count per document, sorted descending
	// by count.
	DocDistribution []DocCount `json:"doc_distribution"`
}

// RetrievalResult is the normalized outcome of one retrieval call: ranked,
// de-duplicated contexts for prompting, the full evidence list for citation,
// and aggregate meta statistics. This is the shape every retrieval capability
// must produce (see retrieval.Capability).
type RetrievalResult struct {
	Contexts  []EvidenceContext `json:"contexts"`
	Evidences []EvidenceRecord  `json:"evidences"`
	Meta      EvidenceMeta      `json:"meta"`
}

// RetrievalTrace records which queries have fed a pool, without exposing
// knowledge-base identifiers.
type RetrievalTrace struct {
	Queries     []string `json:"queries"`
	TotalChunks int      `json:"total_chunks"`
}

// EvidencePool is the cumulative, de-duplicated evidence for one sub-goal.
//
// # Description
//
// A pool is created from the first round's retrieval result and grown by
// merging every subsequent round's result into it. Contexts are unique by
// (Text, Source) and Evidences by ChunkID after every merge. The pool is
// owned exclusively by its sub-goal's loop instance for the loop's lifetime;
// merge operations return a new pool value rather than mutating through a
// shared alias.
type EvidencePool struct {
	PoolID    string `json:"pool_id"`
	SubGoalID string `json:"sub_goal_id"`
	Intent    string `json:"intent"`

	Contexts  []EvidenceContext `json:"contexts"`
	Evidences []EvidenceRecord  `json:"evidences"`
	Meta      EvidenceMeta      `json:"meta"`

	RetrievalTrace RetrievalTrace `json:"retrieval_trace"`
}
