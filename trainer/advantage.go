package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Advantage estimation. Two families: Monte-Carlo group-relative
// (grpo / drgrpo) and the TD-style critic path (ppo).

const advantageStdEps = 1e-8

// monteCarloAdvantages computes one scalar advantage per trajectory:
// its summed reward minus the mean reward of its group. For drgrpo that
// is the whole story: no std normalization and no per-token length
// normalization, so neither sequence length nor group difficulty rescales
// the signal (length is instead handled by the constant-normalizer loss
// aggregation). grpo additionally divides by the group std as an
// ablation option.
func monteCarloAdvantages(rewards [][]float64, numSamples int, criticType CriticType) ([]float64, error) {
	n := len(rewards)
	if numSamples <= 0 || n%numSamples != 0 {
		return nil, fmt.Errorf("%d trajectories do not form uniform groups of %d", n, numSamples)
	}
	totals := make([]float64, n)
	for i := range rewards {
		totals[i] = floats.Sum(rewards[i])
	}
	advantages := make([]float64, n)
	for g := 0; g < n; g += numSamples {
		group := totals[g : g+numSamples]
		mean := stat.Mean(group, nil)
		for i := range group {
			advantages[g+i] = group[i] - mean
		}
		if criticType == CriticTypeGRPO {
			std := stat.StdDev(group, nil)
			for i := range group {
				advantages[g+i] /= std + advantageStdEps
			}
		}
	}
	for _, a := range advantages {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return nil, fmt.Errorf("non-finite advantage %f", a)
		}
	}
	return advantages, nil
}

// gaeAdvantages runs the generalized-advantage backward recursion over
// each row's valid response positions. rewards already carry the KL
// shaping at non-terminal positions and the oracle reward at the
// terminal one. Returns advantages, return targets, and the values they
// were computed against, all aligned to responseMasks.
func gaeAdvantages(rewards, values, responseMasks [][]float64, gamma, lam float64) (advantages, returns [][]float64) {
	n := len(rewards)
	width := 0
	if n > 0 {
		width = len(responseMasks[0])
	}
	advantages = zeros(n, width)
	returns = zeros(n, width)
	for i := 0; i < n; i++ {
		nextAdv := 0.0
		nextValue := 0.0
		for t := width - 1; t >= 0; t-- {
			if responseMasks[i][t] == 0 {
				continue
			}
			delta := rewards[i][t] + gamma*nextValue - values[i][t]
			nextAdv = delta + gamma*lam*nextAdv
			advantages[i][t] = nextAdv
			returns[i][t] = nextAdv + values[i][t]
			nextValue = values[i][t]
		}
	}
	return advantages, returns
}
