package search

import (
	"math"
	"sort"
)

// fusedDoc is one document after reciprocal rank fusion.
type fusedDoc struct {
	id      string
	score   float64
	semRank int // 1-based rank in the semantic list, MaxInt if absent
}

// fuseRRF combines the lexical and semantic rankings: each list
// contributes 1/(k+rank) for the documents it holds, absence contributes
// nothing. Equal fused scores break toward the document the semantic arm
// ranked higher, then toward the smaller id, so the order is total.
func fuseRRF(k int, lexIDs, semIDs []string) []fusedDoc {
	scores := make(map[string]float64, len(lexIDs)+len(semIDs))
	semRank := make(map[string]int, len(semIDs))
	for i, id := range lexIDs {
		scores[id] += 1.0 / float64(k+i+1)
	}
	for i, id := range semIDs {
		scores[id] += 1.0 / float64(k+i+1)
		semRank[id] = i + 1
	}

	fused := make([]fusedDoc, 0, len(scores))
	for id, score := range scores {
		r, ok := semRank[id]
		if !ok {
			r = math.MaxInt
		}
		fused = append(fused, fusedDoc{id: id, score: score, semRank: r})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if fused[i].semRank != fused[j].semRank {
			return fused[i].semRank < fused[j].semRank
		}
		return fused[i].id < fused[j].id
	})
	return fused
}
