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

// adjudicatorPromptTemplate asks the model to judge whether the collected
// evidence can answer the sub-goal. The reply must be a bare JSON object.
const adjudicatorPromptTemplate = `You are an evidence sufficiency judge inside a research pipeline.

A research sub-goal is being answered from a document corpus. You are given
the sub-goal's intent, the queries already used, aggregate statistics about
the evidence collected so far, and the highest-ranked evidence passages.

Sub-goal intent:
%s

Queries used so far:
%s

Evidence statistics:
- total distinct chunks: %d
- distinct documents hit: %d

Top evidence passages:
%s

Decide whether this evidence is enough to answer the sub-goal:
- "sufficient": the passages cover the intent well enough to write a grounded answer.
- "partial": relevant material exists but important aspects of the intent are missing.
- "insufficient": the passages are off-topic or far too thin to answer the intent.

Respond with ONLY a JSON object, no markdown fences, no commentary:
{"decision": "<sufficient|partial|insufficient>", "rationale": "<one or two sentences>", "confidence": <0.0-1.0>}`

// expanderPromptTemplate asks the model to reformulate a sub-goal whose
// evidence came back thin. The reply must be a bare JSON object.
const expanderPromptTemplate = `You are a query reformulation assistant inside a research pipeline.

A research sub-goal failed to collect enough evidence from a document corpus.
Rewrite the search intent and propose new query hints that approach the topic
from different angles: broader phrasing, synonyms, related entities, or
decomposition into narrower questions.

Original intent:
%s

Current intent:
%s

Queries that already ran (do not repeat them):
%s

Why the evidence was judged lacking:
%s

Rules:
- Keep the reformulated intent faithful to the original intent.
- Propose at least 3 query hints, each a standalone search query.
- Hints must differ from every query that already ran.

Respond with ONLY a JSON object, no markdown fences, no commentary:
{"current_intent": "<reformulated intent>", "query_hints": ["<hint 1>", "<hint 2>", "<hint 3>"]}`
