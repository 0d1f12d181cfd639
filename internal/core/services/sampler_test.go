package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/ports"
)

func flatSampling() config.Sampling {
	return config.Sampling{
		Predict:       16,
		MaxCtx:        4096,
		Batch:         512,
		Temp:          0, // greedy unless a test overrides
		TopK:          0,
		TopP:          1,
		MinP:          0,
		RepeatPenalty: 1,
		RepeatLastN:   64,
		Seed:          42,
	}
}

func TestSamplerGreedyPicksHighestLogit(t *testing.T) {
	s := newSampler(flatSampling())

	logits := make([]float32, 8)
	logits[5] = 3.5
	logits[2] = 1.0

	assert.Equal(t, ports.Token(5), s.sample(logits))
}

func TestSamplerRepeatPenaltyDampensRecentTokens(t *testing.T) {
	cfg := flatSampling()
	cfg.RepeatPenalty = 2
	s := newSampler(cfg)

	logits := []float32{0, 4, 3.9, 0}

	// Unpenalized, token 1 wins.
	require.Equal(t, ports.Token(1), s.sample(logits))

	// After accepting it, 4/2 = 2 < 3.9 and token 2 takes over.
	s.accept(1)
	assert.Equal(t, ports.Token(2), s.sample(logits))
}

func TestSamplerRepeatPenaltyMultipliesNegativeLogits(t *testing.T) {
	cfg := flatSampling()
	cfg.RepeatPenalty = 2
	s := newSampler(cfg)
	s.accept(0)

	// -1 * 2 = -2 pushes the repeated token below the alternative.
	logits := []float32{-1, -1.5}
	assert.Equal(t, ports.Token(1), s.sample(logits))
}

func TestSamplerRecentWindowIsBounded(t *testing.T) {
	cfg := flatSampling()
	cfg.RepeatLastN = 2
	s := newSampler(cfg)

	for i := 0; i < 10; i++ {
		s.accept(ports.Token(i))
	}
	assert.Len(t, s.recent, 2)
	assert.Equal(t, []ports.Token{8, 9}, s.recent)
}

func TestTopKKeepsStrongestCandidates(t *testing.T) {
	cands := []candidate{
		{tok: 0, logit: 1},
		{tok: 1, logit: 5},
		{tok: 2, logit: 3},
		{tok: 3, logit: 4},
	}

	kept := topK(cands, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, ports.Token(1), kept[0].tok)
	assert.Equal(t, ports.Token(3), kept[1].tok)
}

func TestTopKZeroOrLargeIsNoop(t *testing.T) {
	cands := []candidate{{tok: 0, logit: 1}, {tok: 1, logit: 2}}
	assert.Len(t, topK(cands, 0), 2)
	assert.Len(t, topK(cands, 10), 2)
}

func TestTopPKeepsNucleus(t *testing.T) {
	// One dominant candidate: the nucleus is just that candidate.
	cands := []candidate{
		{tok: 0, logit: 10},
		{tok: 1, logit: 0},
		{tok: 2, logit: 0},
	}
	kept := topP(cands, 0.9)
	require.Len(t, kept, 1)
	assert.Equal(t, ports.Token(0), kept[0].tok)
}

func TestMinPDropsUnlikelyTail(t *testing.T) {
	cands := []candidate{
		{tok: 0, logit: 10},
		{tok: 1, logit: 9.9},
		{tok: 2, logit: -10},
	}
	kept := minP(cands, 0.5)

	toks := make([]ports.Token, 0, len(kept))
	for _, c := range kept {
		toks = append(toks, c.tok)
	}
	assert.Contains(t, toks, ports.Token(0))
	assert.Contains(t, toks, ports.Token(1))
	assert.NotContains(t, toks, ports.Token(2))
}

func TestSamplerSeededDrawIsDeterministic(t *testing.T) {
	cfg := flatSampling()
	cfg.Temp = 0.8
	cfg.Seed = 1234

	logits := []float32{1, 1.2, 0.9, 1.1}

	a := newSampler(cfg)
	b := newSampler(cfg)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.sample(logits), b.sample(logits))
	}
}

func TestSoftmaxProbabilitiesSumToOne(t *testing.T) {
	cands := []candidate{
		{tok: 0, logit: 1},
		{tok: 1, logit: 2},
		{tok: 2, logit: 3},
	}
	softmax(cands)

	var sum float32
	for _, c := range cands {
		sum += c.prob
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Greater(t, cands[2].prob, cands[1].prob)
	assert.Greater(t, cands[1].prob, cands[0].prob)
}
