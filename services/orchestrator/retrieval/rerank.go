// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"regexp"
	"sort"
	"strings"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
)

// Rerank weighting. Vector similarity carries most of the signal; the
// lexical term rescues exact-token matches (VINs, model codes, names)
// that embedding models blur together.
const (
	rerankVectorWeight  = 0.7
	rerankLexicalWeight = 0.3
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Rerank rescores candidate blocks against the query and returns the top
// limit blocks, best first. Scores are replaced with the combined score.
func Rerank(query string, blocks []datatypes.RetrievedBlock, limit int) []datatypes.RetrievedBlock {
	if len(blocks) == 0 || limit <= 0 {
		return nil
	}

	queryTokens := tokenize(query)
	scored := make([]datatypes.RetrievedBlock, len(blocks))
	copy(scored, blocks)
	for i := range scored {
		lexical := overlapScore(queryTokens, tokenize(scored[i].Text))
		scored[i].Score = rerankVectorWeight*scored[i].Score + rerankLexicalWeight*lexical
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// tokenize lowercases and splits into alphanumeric runs, deduplicated.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tokens[tok] = true
	}
	return tokens
}

// overlapScore is the fraction of query tokens present in the block.
func overlapScore(query, block map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if block[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
