package search

import (
	"math"
	"time"
)

// List names recorded in the fusion trace.
const (
	listVector    = "vector"
	listKeyword   = "keyword"
	listTraversal = "traversal"
)

// rankedList is one retrieval list entering fusion, best hit first.
type rankedList struct {
	name   string
	weight float64
	ids    []string
}

// fusedScore is the reciprocal-rank-fusion tally for one entity.
type fusedScore struct {
	score float64
	trace map[string]int
}

// fuse merges ranked lists with reciprocal rank fusion:
//
//	score(e) = Σ_l w_l / (k + rank_l(e))
//
// with 1-based ranks. An id repeated inside one list keeps its best
// rank there.
func fuse(k int, lists []rankedList) map[string]*fusedScore {
	fused := make(map[string]*fusedScore)
	for _, list := range lists {
		seen := make(map[string]bool, len(list.ids))
		for i, id := range list.ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			fs := fused[id]
			if fs == nil {
				fs = &fusedScore{trace: make(map[string]int, len(lists))}
				fused[id] = fs
			}
			rank := i + 1
			fs.score += list.weight / float64(k+rank)
			fs.trace[list.name] = rank
		}
	}
	return fused
}

// recencyBoost is the temporal decay multiplier exp(-age/decay) in day
// units. Ages in the future clamp to 1, so clock skew never inflates a
// score.
func recencyBoost(age time.Duration, decayDays float64) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / decayDays)
}
