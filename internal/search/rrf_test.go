package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixed fixture: lexical ranks [A:1, B:2, C:3], semantic ranks
// [B:1, A:2, D:3]. A and B sum the same reciprocal contributions, and
// the semantic-rank tie break puts B first. C and D sit below both on
// their single-list contributions.
func TestFuseRRFArithmetic(t *testing.T) {
	fused := fuseRRF(60,
		[]string{"A", "B", "C"},
		[]string{"B", "A", "D"},
	)
	require.Len(t, fused, 4)

	byID := make(map[string]fusedDoc, len(fused))
	order := make([]string, len(fused))
	for i, d := range fused {
		byID[d.id] = d
		order[i] = d.id
	}

	assert.InDelta(t, 1.0/61+1.0/62, byID["A"].score, 1e-12)
	assert.InDelta(t, 1.0/61+1.0/62, byID["B"].score, 1e-12)
	assert.InDelta(t, 1.0/63, byID["C"].score, 1e-12)
	assert.InDelta(t, 1.0/63, byID["D"].score, 1e-12)
	assert.InDelta(t, 0.0326, byID["B"].score, 5e-4)
	assert.InDelta(t, 0.0326, byID["A"].score, 5e-4)

	assert.Equal(t, "B", order[0], "semantic rank 1 beats semantic rank 2 on tied scores")
	assert.Equal(t, "A", order[1])
	assert.ElementsMatch(t, []string{"C", "D"}, order[2:])
}

func TestFuseRRFAbsenceContributesNothing(t *testing.T) {
	fused := fuseRRF(60, []string{"A"}, nil)
	require.Len(t, fused, 1)
	assert.Equal(t, "A", fused[0].id)
	assert.InDelta(t, 1.0/61, fused[0].score, 1e-12)
}

func TestFuseRRFSingleListOrder(t *testing.T) {
	fused := fuseRRF(60, nil, []string{"X", "Y"})
	require.Len(t, fused, 2)
	assert.Equal(t, "X", fused[0].id)
	assert.Greater(t, fused[0].score, fused[1].score)
}
