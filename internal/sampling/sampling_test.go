package sampling

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGreedyAtZeroTemperature(t *testing.T) {
	s := New(Params{Temperature: 0, TopP: 0.9, RepeatPenalty: 1}, 1)
	for i := 0; i < 10; i++ {
		require.EqualValues(t, 2, s.Sample([]float32{0.1, 1.5, 3.0, -1}, nil))
	}
}

func TestRepeatPenalty(t *testing.T) {
	logits := []float32{2, -2, 4, 1}
	ApplyRepeatPenalty(logits, []int32{0, 1, 0, 7, -1}, 2)
	require.Equal(t, []float32{1, -4, 4, 1}, logits)
}

func TestRepeatPenaltyChangesGreedyChoice(t *testing.T) {
	s := New(Params{Temperature: 0, RepeatPenalty: 4}, 1)
	require.EqualValues(t, 1, s.Sample([]float32{4, 3}, []int32{0}))
}

func TestSoftmaxSumsToOne(t *testing.T) {
	p := Softmax([]float32{1, 2, 3, 1000}, 0.7)
	var sum float64
	for _, v := range p {
		require.False(t, math.IsNaN(v))
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	require.InDelta(t, 1.0, p[3], 1e-9)
}

func TestTopPKeepsOnlyNucleus(t *testing.T) {
	// Token 0 alone carries ~0.98 of the mass.
	s := New(Params{Temperature: 1, TopP: 0.5, RepeatPenalty: 1}, 42)
	for i := 0; i < 200; i++ {
		require.EqualValues(t, 0, s.Sample([]float32{10, 6, 5, 1}, nil))
	}
}

func TestSeededSamplingIsDeterministic(t *testing.T) {
	logits := func() []float32 { return []float32{1, 1.1, 0.9, 1.05, 0.95} }
	a := New(Params{Temperature: 1, TopP: 1, RepeatPenalty: 1}, 299792458)
	b := New(Params{Temperature: 1, TopP: 1, RepeatPenalty: 1}, 299792458)
	var seqA, seqB []int32
	seen := map[int32]bool{}
	for i := 0; i < 100; i++ {
		x, y := a.Sample(logits(), nil), b.Sample(logits(), nil)
		seqA, seqB = append(seqA, x), append(seqB, y)
		seen[x] = true
	}
	require.Equal(t, seqA, seqB)
	require.Greater(t, len(seen), 1, "temperature 1 over flat logits must explore")
}

func TestEmptyLogits(t *testing.T) {
	require.EqualValues(t, -1, New(Params{Temperature: 1}, 0).Sample(nil, nil))
}
