// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval provides the search backends that feed the evidence
// loop. A backend accepts a set of query strings and returns normalized,
// de-duplicated evidence ready for pooling.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
)

// Capability is the retrieval surface the research loop depends on.
//
// # Description
//
// Implementations fan the query hints out to their backing store, collect
// the raw hits, and return a single normalized result. Which knowledge
// bases or classes are searched is fixed at construction time; the loop
// itself never sees backend-specific scoping.
type Capability interface {
	// Search runs every query in queryHints and returns the combined,
	// normalized result. size caps both the per-query fetch and the number
	// of prompt contexts in the result.
	Search(ctx context.Context, queryHints []string, size int) (*datatypes.RetrievalResult, error)
}

// KBScoper is implemented by capabilities whose knowledge-base scope can be
// narrowed per request.
type KBScoper interface {
	// WithKBIDs returns a capability scoped to the given knowledge bases.
	// The receiver is not modified.
	WithKBIDs(kbIDs []string) Capability
}

// SearchError reports an HTTP-level failure from a retrieval backend.
type SearchError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("retrieval backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsRetryableSearchError reports whether err is a transient backend failure
// worth retrying.
func IsRetryableSearchError(err error) bool {
	var se *SearchError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
