// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package assignment

import (
	"math"
	"strings"
	"unicode"
)

const (
	// skillThreshold is the primary score a candidate must exceed to be kept.
	skillThreshold = 30

	exactWeight   = 70.0
	partialWeight = 30.0

	// fallbackFloor is the lexical score given to a candidate with no overlap.
	fallbackFloor  = 20
	fallbackWeight = 60.0
	fallbackBoost  = 10

	// fallbackKeep is how many reranked candidates survive the fallback pass.
	fallbackKeep = 5

	maxScore = 100
)

// stopwords are dropped before lexical overlap is measured.
var stopwords = map[string]bool{
	"and": true, "the": true, "for": true, "with": true, "this": true,
	"that": true, "from": true, "have": true, "has": true,
}

// SkillScore measures how well a responder's free-text skills cover the
// required keywords, on a 0-100 scale. An exact case-insensitive substring
// match earns 70/n points per keyword; otherwise any word longer than three
// characters from the keyword found in the skills earns 30/n.
func SkillScore(required []string, skills string) int {
	if len(required) == 0 || strings.TrimSpace(skills) == "" {
		return 0
	}

	haystack := strings.ToLower(skills)
	exact, partial := 0, 0
	for _, kw := range required {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			exact++
			continue
		}
		for _, word := range strings.Fields(kw) {
			if len(word) > 3 && strings.Contains(haystack, word) {
				partial++
				break
			}
		}
	}

	n := float64(len(required))
	score := float64(exact)/n*exactWeight + float64(partial)/n*partialWeight
	return clamp(int(score))
}

// LexicalOverlapScore is the fallback heuristic used when no responder
// clears the skill threshold. The base is the share of the responder's skill
// words that also appear in the ticket text, scaled to 60 and rounded, or a
// floor of 20 with no overlap. Each required keyword present in the skills
// adds 10. The result is clamped to 100.
func LexicalOverlapScore(ticketText, skills string, required []string) int {
	if strings.TrimSpace(skills) == "" {
		return fallbackFloor
	}

	skillWords := wordSet(skills)
	ticketWords := wordSet(ticketText)

	overlap := 0
	for w := range skillWords {
		if ticketWords[w] {
			overlap++
		}
	}

	base := fallbackFloor
	if overlap > 0 {
		total := len(skillWords)
		base = int(math.Round(float64(overlap) / float64(total) * fallbackWeight))
	}

	haystack := strings.ToLower(skills)
	boost := 0
	for _, kw := range required {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			boost += fallbackBoost
		}
	}

	return clamp(base + boost)
}

// wordSet lowercases s and splits it into a set of word tokens, minus stopwords.
func wordSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !stopwords[f] {
			set[f] = true
		}
	}
	return set
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
