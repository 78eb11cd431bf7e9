package main

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// The six policy-gradient surrogates differ only in where clipping and
// aggregation happen relative to the token sum/mean, so they collapse
// into one algorithm driven by a small variant table instead of six
// near-duplicated branches.
//
// Variants:
//   - "" (default):        token-level ratio clip to [1-eps, 1+eps]
//   - grpo_clip_wider:     token-level ratio clip to [0.67, 1.49]
//   - gmpo:                log-space token clip, geometric-mean sequence ratio
//   - gmpo_noclip:         gmpo with the bound effectively removed
//   - gmpo_seqclip:        log diffs summed, then clipped, then normalized
//   - gmpo_without_norm:   log diffs clipped and summed, no normalization
//   - reinforce:           -advantage * logp, no ratio at all
//
// The log-space clip is sign-aware: s = -1 for advantage >= 0, +1
// otherwise, and s*d is clipped from below. That always constrains the
// side that would otherwise shrink the objective for that advantage
// sign, bounding log-domain movement symmetrically. The sign is
// computed per trajectory, so minibatches with mixed-sign advantages
// are handled elementwise.

const gmpoNoClipBound = 1000.0

type surrogateSpec struct {
	logSpace bool
	// ratio-space band (token-level variants)
	clipLow, clipHigh float64
	// log-space bound
	logClip float64
	// clip the summed sequence diff instead of per-token diffs
	seqClip bool
	// divide the summed log diff by the valid token count
	normalize bool
}

func surrogateSpecFor(args *Args) surrogateSpec {
	switch args.CriticTypeModify {
	case ModifyGMPO:
		return surrogateSpec{logSpace: true, logClip: args.Cliprange, normalize: true}
	case ModifyGMPONoClip:
		return surrogateSpec{logSpace: true, logClip: gmpoNoClipBound, normalize: true}
	case ModifyGMPOSeqClip:
		return surrogateSpec{logSpace: true, logClip: args.Cliprange, seqClip: true, normalize: true}
	case ModifyGMPOWithoutNorm:
		return surrogateSpec{logSpace: true, logClip: args.Cliprange}
	case ModifyGRPOClipWider:
		return surrogateSpec{clipLow: 0.67, clipHigh: 1.49}
	default:
		return surrogateSpec{clipLow: 1.0 - args.Cliprange, clipHigh: 1.0 + args.Cliprange}
	}
}

// rowNormalizer is the per-sequence loss normalizer: the valid token
// count for the masked mean, or the constant generate-max-length for
// drgrpo (removing the length bias a per-sequence mean reintroduces).
func rowNormalizer(args *Args, mask []float64) float64 {
	if args.CriticType == CriticTypeDrGRPO {
		return float64(args.GenerateMaxLength)
	}
	count := floats.Sum(mask)
	if count == 0 {
		return 1
	}
	return count
}

// surrogateResult is one minibatch's surrogate loss, its gradient with
// respect to the new per-token log-probabilities, and the clip
// diagnostics required to watch an unstable RL run.
type surrogateResult struct {
	// pgLoss is already loss-mask weighted and averaged over the minibatch.
	pgLoss float64
	dlogp  [][]float64
	// per-sequence importance ratios (log-space variants only)
	ratios []float64

	logprobsDiffMax float64
	logprobsDiffMin float64
	zeroPGLossCount float64
	clipFrac        float64
	hasClipStats    bool
}

// advantageSet is either one scalar per trajectory (group-relative
// critics, broadcast over the trajectory's response tokens) or a full
// per-token tensor (the ppo critic path).
type advantageSet struct {
	scalars []float64
	rows    [][]float64
}

func scalarAdvantages(scalars []float64) advantageSet {
	return advantageSet{scalars: scalars}
}

func tokenAdvantages(rows [][]float64) advantageSet {
	return advantageSet{rows: rows}
}

func (a advantageSet) at(i, t int) float64 {
	if a.rows != nil {
		return a.rows[i][t]
	}
	return a.scalars[i]
}

// computeSurrogate evaluates the configured objective on one minibatch.
// newLogps/oldLogps/responseMasks share the same N x (W-1) shape. The
// gmpo family requires trajectory-constant advantages (its sign-aware
// clip flips per sequence), which the configuration guarantees by tying
// the modifies to the group-relative critic types.
func computeSurrogate(args *Args, advantages advantageSet, newLogps, oldLogps, responseMasks [][]float64, lossMasks []float64) surrogateResult {
	if args.ReinforceUpdate {
		return reinforceSurrogate(args, advantages, newLogps, responseMasks, lossMasks)
	}
	spec := surrogateSpecFor(args)
	if spec.logSpace {
		return gmpoSurrogate(args, spec, advantages, newLogps, oldLogps, responseMasks, lossMasks)
	}
	return clippedRatioSurrogate(args, spec, advantages, newLogps, oldLogps, responseMasks, lossMasks)
}

// reinforceSurrogate is the plain score-function estimator. The same
// masked aggregation as the default branch applies.
func reinforceSurrogate(args *Args, advantages advantageSet, newLogps, responseMasks [][]float64, lossMasks []float64) surrogateResult {
	n := len(newLogps)
	res := surrogateResult{dlogp: zeros(n, width(newLogps))}
	for i := 0; i < n; i++ {
		norm := rowNormalizer(args, responseMasks[i])
		rowLoss := 0.0
		for t, m := range responseMasks[i] {
			if m == 0 {
				continue
			}
			adv := advantages.at(i, t)
			rowLoss += -adv * newLogps[i][t]
			res.dlogp[i][t] = -adv * lossMasks[i] / (norm * float64(n))
		}
		res.pgLoss += (rowLoss / norm) * lossMasks[i]
	}
	res.pgLoss /= float64(n)
	return res
}

// clippedRatioSurrogate is the PPO/GRPO family: token-level importance
// ratios with a ratio-space clip band.
func clippedRatioSurrogate(args *Args, spec surrogateSpec, advantages advantageSet, newLogps, oldLogps, responseMasks [][]float64, lossMasks []float64) surrogateResult {
	n := len(newLogps)
	res := surrogateResult{
		dlogp:           zeros(n, width(newLogps)),
		logprobsDiffMax: math.Inf(-1),
		logprobsDiffMin: math.Inf(1),
		hasClipStats:    true,
	}
	clipFracSum := 0.0
	for i := 0; i < n; i++ {
		norm := rowNormalizer(args, responseMasks[i])
		rowLoss := 0.0
		rowClipped := 0.0
		rowCount := 0.0
		for t, m := range responseMasks[i] {
			if m == 0 {
				continue
			}
			adv := advantages.at(i, t)
			diff := newLogps[i][t] - oldLogps[i][t]
			res.logprobsDiffMax = math.Max(res.logprobsDiffMax, diff)
			res.logprobsDiffMin = math.Min(res.logprobsDiffMin, diff)
			ratio := math.Exp(diff)
			clippedRatio := math.Min(math.Max(ratio, spec.clipLow), spec.clipHigh)
			loss := -adv * ratio
			clippedLoss := -adv * clippedRatio
			rowCount++
			if clippedLoss > loss {
				// clip active: the token contributes a constant
				rowLoss += clippedLoss
				rowClipped++
				if clippedLoss == 0 {
					res.zeroPGLossCount++
				}
				continue
			}
			rowLoss += loss
			if loss == 0 {
				res.zeroPGLossCount++
			}
			res.dlogp[i][t] = -adv * ratio * lossMasks[i] / (norm * float64(n))
		}
		res.pgLoss += (rowLoss / norm) * lossMasks[i]
		if rowCount > 0 {
			clipFracSum += rowClipped / rowCount
		}
	}
	res.pgLoss /= float64(n)
	res.clipFrac = clipFracSum / float64(n)
	return res
}

// gmpoSurrogate is the geometric-mean family: log-space sign-aware
// clipping, one importance ratio per sequence.
func gmpoSurrogate(args *Args, spec surrogateSpec, advantages advantageSet, newLogps, oldLogps, responseMasks [][]float64, lossMasks []float64) surrogateResult {
	n := len(newLogps)
	res := surrogateResult{
		dlogp:           zeros(n, width(newLogps)),
		ratios:          make([]float64, n),
		logprobsDiffMax: math.Inf(-1),
		logprobsDiffMin: math.Inf(1),
		hasClipStats:    true,
	}
	clipFracSum := 0.0
	for i := 0; i < n; i++ {
		adv := advantages.scalars[i]
		sgn := 1.0
		if adv >= 0 {
			sgn = -1.0
		}
		mask := responseMasks[i]
		count := floats.Sum(mask)
		if count == 0 {
			res.ratios[i] = 1
			continue
		}

		// per-token clipped diffs (or the raw sum for seqclip)
		diffSum := 0.0
		clippedSum := 0.0
		tokenClipped := make([]bool, len(mask))
		rowClipped := 0.0
		for t, m := range mask {
			if m == 0 {
				continue
			}
			diff := newLogps[i][t] - oldLogps[i][t]
			res.logprobsDiffMax = math.Max(res.logprobsDiffMax, diff)
			res.logprobsDiffMin = math.Min(res.logprobsDiffMin, diff)
			diffSum += diff
			if spec.seqClip {
				continue
			}
			sgnDiff := sgn * diff
			clamped := math.Min(math.Max(sgnDiff, -spec.logClip), spec.logClip)
			if sgnDiff != clamped {
				rowClipped++
			}
			if sgnDiff < -spec.logClip {
				// the max against the clamp floors s*d at -logClip; the
				// token becomes a constant and stops carrying gradient
				tokenClipped[t] = true
				clippedSum += sgn * -spec.logClip
				continue
			}
			clippedSum += diff
		}

		var logRatio float64
		seqClipped := false
		if spec.seqClip {
			sgnSum := sgn * diffSum
			clamped := math.Min(math.Max(sgnSum, -spec.logClip), spec.logClip)
			if sgnSum != clamped {
				rowClipped = 1
			}
			if sgnSum < -spec.logClip {
				seqClipped = true
				sgnSum = -spec.logClip
			}
			logRatio = sgn * sgnSum / count
			clipFracSum += rowClipped
		} else {
			logRatio = clippedSum
			if spec.normalize {
				logRatio /= count
			}
			clipFracSum += rowClipped / count
		}

		ratio := math.Exp(logRatio)
		res.ratios[i] = ratio
		loss := -adv * ratio
		if loss == 0 {
			res.zeroPGLossCount++
		}
		res.pgLoss += loss * lossMasks[i]

		if seqClipped {
			continue
		}
		scale := ratio
		if spec.normalize {
			scale /= count
		}
		for t, m := range mask {
			if m == 0 || tokenClipped[t] {
				continue
			}
			res.dlogp[i][t] = -adv * scale * lossMasks[i] / float64(n)
		}
	}
	res.pgLoss /= float64(n)
	res.clipFrac = clipFracSum / float64(n)
	return res
}

func width(m [][]float64) int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}
