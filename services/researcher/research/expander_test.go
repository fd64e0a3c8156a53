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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Izuld1/deepresearech/services/llm"
)

func expanderFixture(responses ...string) (*IntentExpander, *scriptedLLM) {
	client := &scriptedLLM{responses: responses}
	return NewIntentExpander(llm.NewGateway(client)), client
}

func TestExpand_ParsesReformulation(t *testing.T) {
	expander, client := expanderFixture(
		`{"current_intent": "effects of vector quantization on search recall", ` +
			`"query_hints": ["product quantization recall", " scalar quantization accuracy ", "ANN index compression tradeoffs"]}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	exp, err := expander.Expand(context.Background(), sg, poolFixture(), "missing recall numbers")
	require.NoError(t, err)

	assert.Equal(t, "effects of vector quantization on search recall", exp.Intent)
	assert.Equal(t, []string{
		"product quantization recall",
		"scalar quantization accuracy",
		"ANN index compression tradeoffs",
	}, exp.Hints)

	// The prompt anchors on the original intent and names the failure.
	assert.Contains(t, client.lastSent, sg.OriginalIntent)
	assert.Contains(t, client.lastSent, "missing recall numbers")
}

func TestExpand_EmptyHintsRejected(t *testing.T) {
	expander, _ := expanderFixture(`{"current_intent": "broader intent", "query_hints": ["", "  "]}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	_, err := expander.Expand(context.Background(), sg, poolFixture(), "")
	require.Error(t, err)
	assert.True(t, llm.IsJSONError(err))
}

func TestExpand_EmptyIntentRejected(t *testing.T) {
	expander, _ := expanderFixture(`{"current_intent": "", "query_hints": ["a query"]}`)

	sg := newSubGoal()
	sg.EnsureDefaults()
	_, err := expander.Expand(context.Background(), sg, poolFixture(), "")
	require.Error(t, err)
	assert.True(t, llm.IsJSONError(err))
}
