package services

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/ports"
)

// sampler picks the next token from a logit vector. The stages run in a
// fixed order: repeat penalties, top-k, top-p, min-p, temperature, then a
// draw from the surviving distribution. Seed zero means nondeterministic.
type sampler struct {
	cfg    config.Sampling
	rng    *rand.Rand
	recent []ports.Token
}

type candidate struct {
	tok   ports.Token
	logit float32
	prob  float32
}

func newSampler(cfg config.Sampling) *sampler {
	seed := int64(cfg.Seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// accept records a sampled token in the repeat-penalty window.
func (s *sampler) accept(t ports.Token) {
	if s.cfg.RepeatLastN <= 0 {
		return
	}
	s.recent = append(s.recent, t)
	if len(s.recent) > s.cfg.RepeatLastN {
		s.recent = s.recent[len(s.recent)-s.cfg.RepeatLastN:]
	}
}

func (s *sampler) sample(logits []float32) ports.Token {
	cands := make([]candidate, len(logits))
	for i, l := range logits {
		cands[i] = candidate{tok: ports.Token(i), logit: l}
	}

	s.applyPenalties(cands)
	cands = topK(cands, s.cfg.TopK)
	cands = topP(cands, s.cfg.TopP)
	cands = minP(cands, s.cfg.MinP)

	if s.cfg.Temp <= 0 {
		return greedy(cands)
	}
	for i := range cands {
		cands[i].logit /= s.cfg.Temp
	}

	softmax(cands)
	r := s.rng.Float32()
	var cum float32
	for _, c := range cands {
		cum += c.prob
		if r < cum {
			return c.tok
		}
	}
	return cands[len(cands)-1].tok
}

// applyPenalties dampens tokens seen in the recent window: positive
// logits are divided by the penalty, negative ones multiplied.
func (s *sampler) applyPenalties(cands []candidate) {
	if s.cfg.RepeatPenalty == 1 || len(s.recent) == 0 {
		return
	}
	for _, t := range s.recent {
		if int(t) >= len(cands) {
			continue
		}
		if cands[t].logit > 0 {
			cands[t].logit /= s.cfg.RepeatPenalty
		} else {
			cands[t].logit *= s.cfg.RepeatPenalty
		}
	}
}

func topK(cands []candidate, k int) []candidate {
	if k <= 0 || k >= len(cands) {
		return cands
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })
	return cands[:k]
}

func topP(cands []candidate, p float32) []candidate {
	if p >= 1 || len(cands) <= 1 {
		return cands
	}
	softmax(cands)
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	var cum float32
	for i, c := range cands {
		cum += c.prob
		if cum >= p {
			return cands[:i+1]
		}
	}
	return cands
}

func minP(cands []candidate, p float32) []candidate {
	if p <= 0 || len(cands) <= 1 {
		return cands
	}
	softmax(cands)
	var max float32
	for _, c := range cands {
		if c.prob > max {
			max = c.prob
		}
	}
	threshold := p * max
	kept := cands[:0]
	for _, c := range cands {
		if c.prob >= threshold {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return cands[:1]
	}
	return kept
}

func greedy(cands []candidate) ports.Token {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.logit > best.logit {
			best = c
		}
	}
	return best.tok
}

func softmax(cands []candidate) {
	maxLogit := cands[0].logit
	for _, c := range cands[1:] {
		if c.logit > maxLogit {
			maxLogit = c.logit
		}
	}
	var sum float64
	for i := range cands {
		e := math.Exp(float64(cands[i].logit - maxLogit))
		cands[i].prob = float32(e)
		sum += e
	}
	for i := range cands {
		cands[i].prob = float32(float64(cands[i].prob) / sum)
	}
}
