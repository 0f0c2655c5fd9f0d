// Package dedup decides whether a feed item is new, a re-post of an item
// already ingested, or an update to an existing game.
package dedup

import (
	"strings"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// DefaultThreshold is the minimum alias similarity that merges two titles.
const DefaultThreshold = 0.9

// Classify decides what to do with item given a point-in-time store snapshot.
// It has no side effects and its result does not depend on the order of
// snapshot.Games.
func Classify(item pipeline.FeedItem, snapshot pipeline.DedupSnapshot, threshold float64) pipeline.Decision {
	alias := Normalize(item.Title)
	if gameID, ok := snapshot.Seen[item.SourceID]; ok {
		return pipeline.Decision{Kind: pipeline.DecisionDuplicatePost, GameID: gameID, Alias: alias, Score: 1}
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}

	id := GameID(alias, item.Title)
	var (
		best  pipeline.Candidate
		score float64
		found bool
	)
	for _, cand := range snapshot.Games {
		s := candidateScore(id, alias, cand)
		if s < threshold {
			continue
		}
		if !found || better(cand, s, best, score) {
			best, score, found = cand, s, true
		}
	}
	if found {
		return pipeline.Decision{Kind: pipeline.DecisionUpdateExisting, GameID: best.GameID, Alias: alias, Score: score}
	}
	return pipeline.Decision{Kind: pipeline.DecisionNew, GameID: id, Alias: alias}
}

func candidateScore(id, alias string, cand pipeline.Candidate) float64 {
	if cand.GameID == id {
		return 1
	}
	var top float64
	for _, a := range cand.Aliases {
		if s := Similarity(alias, a); s > top {
			top = s
		}
	}
	return top
}

// better orders matches by most recent update, then score, then id.
func better(a pipeline.Candidate, aScore float64, b pipeline.Candidate, bScore float64) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if aScore != bScore {
		return aScore > bScore
	}
	return a.GameID < b.GameID
}

// Similarity is the Dice coefficient over the token multisets of two
// normalized titles. Identical titles score 1; disjoint titles score 0.
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	counts := make(map[string]int, len(ta))
	for _, t := range ta {
		counts[t]++
	}
	shared := 0
	for _, t := range tb {
		if counts[t] > 0 {
			counts[t]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}
