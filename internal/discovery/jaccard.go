// Package discovery implements the connection discoverer (spec.md §4.6): it
// scores a newly analyzed node against its peers by tag/topic overlap,
// scans its text for explicit references to other node ids, and flags
// lesson text that reinforces an earlier lesson, creating edges for
// whichever heuristics clear their configured thresholds.
package discovery

import "strings"

// jaccard computes the Jaccard similarity of two string sets: the size of
// their intersection over the size of their union. An empty union scores 0
// rather than dividing by zero, since two nodes with no tags at all share no
// measurable topic, not a perfect one.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := toSet(a)
	setB := toSet(b)

	intersection := 0
	for v := range setA {
		if setB[v] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, v := range items {
		set[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return set
}

// trigrams splits s into lowercase character 3-grams, the unit
// lessonSimilarity compares. Short strings (<3 runes) degenerate to a
// single trigram equal to the whole (padded) string so they still
// participate in comparison instead of scoring a guaranteed zero.
func trigrams(s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	runes := []rune(s)
	if len(runes) < 3 {
		return []string{s}
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}

// lessonSimilarity scores two lesson strings by Jaccard overlap of their
// character trigram sets, a cheap substitute for embedding similarity that
// tolerates paraphrasing better than exact or token-level matching.
func lessonSimilarity(a, b string) float64 {
	return jaccard(trigrams(a), trigrams(b))
}
