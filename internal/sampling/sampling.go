// Package sampling turns a logits vector into the next token id.
//
// Order per step: repeat penalty, temperature, softmax, top-p, draw.
// A temperature of zero selects the arg-max.
package sampling

import (
	"math"
	"math/rand/v2"
	"sort"
)

// greedyBelow is the temperature under which sampling becomes arg-max.
const greedyBelow = 1e-7

// Params are the per-request sampling knobs.
type Params struct {
	Temperature   float32
	TopP          float32
	RepeatPenalty float32
}

// Sampler draws tokens with a seeded generator. Not safe for concurrent use;
// one Sampler per generation.
type Sampler struct {
	p   Params
	rng *rand.Rand
}

func New(p Params, seed uint64) *Sampler {
	return &Sampler{p: p, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample modifies logits in place and returns the chosen index.
// history holds every token already in the context.
func (s *Sampler) Sample(logits []float32, history []int32) int32 {
	if len(logits) == 0 {
		return -1
	}
	if s.p.RepeatPenalty != 1 && s.p.RepeatPenalty > 0 {
		ApplyRepeatPenalty(logits, history, s.p.RepeatPenalty)
	}
	if s.p.Temperature < greedyBelow {
		return Argmax(logits)
	}
	probs := Softmax(logits, s.p.Temperature)
	if s.p.TopP > 0 && s.p.TopP < 1 {
		return s.topP(probs)
	}
	return s.draw(probs, nil)
}

// ApplyRepeatPenalty makes every token seen in history less likely: positive
// logits are divided by penalty, negative ones multiplied. Each distinct token
// is penalized once.
func ApplyRepeatPenalty(logits []float32, history []int32, penalty float32) {
	seen := make(map[int32]struct{}, len(history))
	for _, tok := range history {
		if tok < 0 || int(tok) >= len(logits) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		if logits[tok] >= 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(v []float32) int32 {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return int32(best)
}

// Softmax returns probabilities of logits/temperature.
func Softmax(logits []float32, temperature float32) []float64 {
	out := make([]float64, len(logits))
	maxv := math.Inf(-1)
	for i, l := range logits {
		out[i] = float64(l) / float64(temperature)
		if out[i] > maxv {
			maxv = out[i]
		}
	}
	var sum float64
	for i := range out {
		out[i] = math.Exp(out[i] - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// topP zeroes everything outside the smallest set of tokens whose cumulative
// probability reaches TopP. The most likely token is always kept.
func (s *Sampler) topP(probs []float64) int32 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	keep := make([]bool, len(probs))
	var cum float64
	for _, i := range idx {
		keep[i] = true
		cum += probs[i]
		if cum >= float64(s.p.TopP) {
			break
		}
	}
	return s.draw(probs, keep)
}

func (s *Sampler) draw(probs []float64, keep []bool) int32 {
	var total float64
	for i, p := range probs {
		if keep == nil || keep[i] {
			total += p
		}
	}
	r := s.rng.Float64() * total
	last := -1
	for i, p := range probs {
		if keep != nil && !keep[i] {
			continue
		}
		last = i
		r -= p
		if r < 0 {
			return int32(i)
		}
	}
	return int32(last)
}
