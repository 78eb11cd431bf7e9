package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

const klClampBound = 40.0

// PolicyUpdateEngine turns collated trajectory batches into policy (and,
// for the ppo critic, value) updates. One LearningStep consumes one
// batch: it scores the batch under the current and reference policies,
// shapes rewards, estimates advantages, then sweeps the configured
// number of epochs of shuffled minibatches through the surrogate
// objective.
type PolicyUpdateEngine struct {
	args    *Args
	model   TrainablePolicy
	ref     PolicyModel
	critic  TrainableValue
	runtime Runtime
	logger  *zerolog.Logger
	rng     *rand.Rand

	localGradStep int
}

func NewPolicyUpdateEngine(ctx context.Context, args *Args, model TrainablePolicy, critic TrainableValue, runtime Runtime) (*PolicyUpdateEngine, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if args.CriticType == CriticTypePPO && critic == nil {
		return nil, fmt.Errorf("critic type ppo requires a trainable value model")
	}
	parentLogger := zerolog.Ctx(ctx)
	logger := parentLogger.With().Str("component", "policy-update-engine").Logger()
	e := &PolicyUpdateEngine{
		args:    args,
		model:   model,
		critic:  critic,
		runtime: runtime,
		logger:  &logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if args.KlPenaltyCoef > 0 || args.Beta > 0 {
		e.ref = model.Snapshot()
		logger.Info().Msg("Froze reference policy snapshot for KL terms")
	}
	return e, nil
}

// LearningStep runs one full update on a collated batch and returns the
// step's diagnostics. The batch must divide evenly into prompt groups
// and minibatches.
func (e *PolicyUpdateEngine) LearningStep(batch *TensorBatch) (Metric, error) {
	n := len(batch.InputIDs)
	if err := e.args.ValidateBatch(n); err != nil {
		return nil, err
	}
	w := 0
	if n > 0 {
		w = len(batch.InputIDs[0])
	}
	if w < 2 {
		return nil, fmt.Errorf("batch width %d has no scored positions", w)
	}

	completion := completionMasks(batch.AttnMask, batch.PromptLens)
	respMasks := responseMasks(completion)
	eos := eosIndices(respMasks)

	finalRewards := make([]float64, n)
	for i, rw := range batch.Rewards {
		if len(rw) > 0 {
			finalRewards[i] = rw[len(rw)-1] * e.args.RewardScale
		}
	}

	// Score the whole batch under the behavior policy once, up front and
	// without gradients. Scored in device-sized slices with padding
	// trimmed, same as the update loop below.
	oldLogps := e.scoreLogps(e.model, batch, n, w)
	var refLogps [][]float64
	if e.ref != nil {
		refLogps = e.scoreLogps(e.ref, batch, n, w)
	}

	// Dense rewards over scored positions: the KL shaping penalty at
	// every response token, plus the oracle reward at the final one.
	rewards := zeros(n, w-1)
	for i := 0; i < n; i++ {
		if refLogps != nil && e.args.KlPenaltyCoef > 0 {
			for t, m := range respMasks[i] {
				if m == 1 {
					rewards[i][t] = -e.args.KlPenaltyCoef * (oldLogps[i][t] - refLogps[i][t])
				}
			}
		}
		if eos[i] >= 0 {
			rewards[i][eos[i]] += finalRewards[i]
		}
	}

	var advScalars []float64
	var advRows, returns, values [][]float64
	if e.args.CriticType == CriticTypePPO {
		values = e.critic.Values(batch.InputIDs, batch.AttnMask)
		advRows, returns = gaeAdvantages(rewards, values, respMasks, e.args.Gamma, e.args.GaeLambda)
	} else {
		var err error
		advScalars, err = monteCarloAdvantages(rewards, batch.NumSamples, e.args.CriticType)
		if err != nil {
			return nil, err
		}
	}

	infos := Metric{}
	stats := newStatRecorder()
	bs := e.args.TrainBatchSizePerDevice
	// grad-norm cadence restarts every step
	e.localGradStep = 0
	for epoch := 0; epoch < e.args.NumPPOEpochs; epoch++ {
		perm := e.rng.Perm(n)
		for start := 0; start < n; start += bs {
			inds := perm[start : start+bs]
			e.localGradStep++

			mbIDs := gatherRowsInt(batch.InputIDs, inds)
			mbAttn := gatherRowsFloat(batch.AttnMask, inds)
			mbW := lastValidCol(mbAttn)
			mbIDs = trimColsInt(mbIDs, mbW)
			mbAttn = trimColsFloat(mbAttn, mbW)
			mbMasks := trimColsFloat(gatherRowsFloat(respMasks, inds), mbW-1)
			mbOld := trimColsFloat(gatherRowsFloat(oldLogps, inds), mbW-1)
			mbLoss := gatherFloat(batch.LossMasks, inds)

			var adv advantageSet
			if advRows != nil {
				adv = tokenAdvantages(trimColsFloat(gatherRowsFloat(advRows, inds), mbW-1))
			} else {
				adv = scalarAdvantages(gatherFloat(advScalars, inds))
			}

			newLogps := e.model.Logps(mbIDs, mbAttn)
			sr := computeSurrogate(e.args, adv, newLogps, mbOld, mbMasks, mbLoss)
			infos["pg_loss"] = sr.pgLoss
			if sr.hasClipStats {
				stats.Append("logprobs_diff_max", sr.logprobsDiffMax)
				stats.Append("logprobs_diff_min", sr.logprobsDiffMin)
				stats.Append("zero_pg_loss_count", sr.zeroPGLossCount)
				stats.Append("pg_clipfrac", sr.clipFrac)
			}

			dlogp := sr.dlogp
			if e.args.Beta > 0 {
				mbRef := trimColsFloat(gatherRowsFloat(refLogps, inds), mbW-1)
				infos["reg_loss"], infos["kl3"] = e.addK3Regularizer(dlogp, newLogps, mbRef, mbMasks, mbLoss)
			}

			infos["entropy"] = maskedMean(e.model.TokenEntropy(mbIDs, mbAttn), mbMasks)

			e.runtime.Backward(e.model, mbIDs, mbAttn, dlogp)
			if e.localGradStep%e.runtime.GradAccStep() == 0 {
				st := time.Now()
				stats.Append("policy_grad_norm", e.runtime.GradNorm(e.model))
				stats.Append("get_grad_norm_time", time.Since(st).Seconds())
			}
			e.runtime.OptimizerStep(e.model)

			if e.args.CriticType == CriticTypePPO {
				mbValues := trimColsFloat(gatherRowsFloat(values, inds), mbW-1)
				mbReturns := trimColsFloat(gatherRowsFloat(returns, inds), mbW-1)
				criticLoss, vfClipFrac := e.updateCritic(mbIDs, mbAttn, mbValues, mbReturns, mbMasks, mbLoss)
				infos["critic_loss"] = criticLoss
				stats.Append("vf_clipfrac", vfClipFrac)
			}
		}
	}

	infos["policy_grad_norm"] = stats.Max("policy_grad_norm")
	infos["get_grad_norm_time"] = stats.Sum("get_grad_norm_time")
	if !e.args.ReinforceUpdate {
		infos["logprobs_diff_max"] = stats.Max("logprobs_diff_max")
		infos["logprobs_diff_min"] = stats.Min("logprobs_diff_min")
		infos["zero_pg_loss_count"] = stats.Mean("zero_pg_loss_count")
		infos["pg_clipfrac"] = stats.Mean("pg_clipfrac")
	}
	if e.args.CriticType == CriticTypePPO {
		infos["vf_clipfrac"] = stats.Mean("vf_clipfrac")
		e.foldTokenAdvantageStats(infos, advRows, respMasks)
	} else {
		infos["adv_mean"] = floats.Sum(advScalars) / float64(n)
		infos["adv_min"] = floats.Min(advScalars)
		infos["adv_max"] = floats.Max(advScalars)
	}
	e.foldRewardGroupStats(infos, finalRewards)
	stats.FoldInto(infos)

	e.logger.Debug().
		Float64("pg_loss", infos["pg_loss"]).
		Float64("adv_mean", infos["adv_mean"]).
		Msg("Completed learning step")
	return infos, nil
}

// scoreLogps evaluates the model over the batch in device-sized slices,
// each trimmed of all-padding columns, and scatters the results back
// into a full-width tensor.
func (e *PolicyUpdateEngine) scoreLogps(model PolicyModel, batch *TensorBatch, n, w int) [][]float64 {
	out := zeros(n, w-1)
	bs := e.args.TrainBatchSizePerDevice
	for start := 0; start < n; start += bs {
		end := min(start+bs, n)
		attn := batch.AttnMask[start:end]
		sw := lastValidCol(attn)
		logps := model.Logps(trimColsInt(batch.InputIDs[start:end], sw), trimColsFloat(attn, sw))
		for i := range logps {
			copy(out[start+i], logps[i])
		}
	}
	return out
}

// addK3Regularizer folds the k3 KL estimator and its gradient into
// dlogp in place, returning the weighted regularizer loss and the mean
// unweighted per-sequence KL for diagnostics. The log ratio is clamped
// before exponentiation; the gradient through a clamped token is zero.
func (e *PolicyUpdateEngine) addK3Regularizer(dlogp, newLogps, refLogps, respMasks [][]float64, lossMasks []float64) (regLoss, kl3Mean float64) {
	n := len(newLogps)
	for i := 0; i < n; i++ {
		norm := rowNormalizer(e.args, respMasks[i])
		rowKL := 0.0
		for t, m := range respMasks[i] {
			if m == 0 {
				continue
			}
			lr := refLogps[i][t] - newLogps[i][t]
			clamped := math.Abs(lr) > klClampBound
			if clamped {
				lr = math.Copysign(klClampBound, lr)
			}
			rowKL += math.Expm1(lr) - lr
			if !clamped {
				dlogp[i][t] += e.args.Beta * -math.Expm1(lr) * lossMasks[i] / (norm * float64(n))
			}
		}
		kl3Mean += rowKL / float64(n)
		regLoss += e.args.Beta * (rowKL / norm) * lossMasks[i] / float64(n)
	}
	return regLoss, kl3Mean
}

// updateCritic runs one clipped value regression step on the minibatch.
// mbValues are the pre-update values the returns were computed against;
// predictions are re-scored so later epochs regress the moving head.
func (e *PolicyUpdateEngine) updateCritic(mbIDs [][]int, mbAttn, mbValues, mbReturns, respMasks [][]float64, lossMasks []float64) (criticLoss, vfClipFrac float64) {
	n := len(mbIDs)
	preds := e.critic.Values(mbIDs, mbAttn)
	dvalue := zeros(n, width(preds))
	clippedSum, count := 0.0, 0.0
	for i := 0; i < n; i++ {
		norm := rowNormalizer(e.args, respMasks[i])
		rowLoss := 0.0
		for t, m := range respMasks[i] {
			if m == 0 {
				continue
			}
			count++
			pred := preds[i][t]
			clipped := pred
			if clipped > mbValues[i][t]+e.args.CliprangeValue {
				clipped = mbValues[i][t] + e.args.CliprangeValue
			} else if clipped < mbValues[i][t]-e.args.CliprangeValue {
				clipped = mbValues[i][t] - e.args.CliprangeValue
			}
			err1 := pred - mbReturns[i][t]
			err2 := clipped - mbReturns[i][t]
			grad := 2 * err1
			loss := err1 * err1
			if err2*err2 > loss {
				// the clipped branch wins only when pred left the band,
				// where d(clipped)/d(pred) is zero
				loss = err2 * err2
				clippedSum++
				grad = 0
			}
			rowLoss += loss
			dvalue[i][t] = 0.5 * e.args.VfCoef * grad * lossMasks[i] / (norm * float64(n))
		}
		criticLoss += 0.5 * e.args.VfCoef * (rowLoss / norm) * lossMasks[i] / float64(n)
	}
	e.runtime.BackwardValue(e.critic, mbIDs, mbAttn, dvalue)
	e.runtime.ValueOptimizerStep(e.critic)
	if count > 0 {
		vfClipFrac = clippedSum / count
	}
	return criticLoss, vfClipFrac
}

func (e *PolicyUpdateEngine) foldTokenAdvantageStats(infos Metric, advRows, respMasks [][]float64) {
	sum, count := 0.0, 0.0
	min, max := math.Inf(1), math.Inf(-1)
	for i := range advRows {
		for t, m := range respMasks[i] {
			if m == 0 {
				continue
			}
			v := advRows[i][t]
			sum += v
			count++
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	if count > 0 {
		infos["adv_mean"] = sum / count
		infos["adv_min"] = min
		infos["adv_max"] = max
	}
}

// foldRewardGroupStats counts degenerate prompt groups: a group whose
// every completion earned the same terminal reward (all zero or all
// full marks) contributes no group-relative learning signal.
func (e *PolicyUpdateEngine) foldRewardGroupStats(infos Metric, finalRewards []float64) {
	allZero, allOne := 0.0, 0.0
	for start := 0; start < len(finalRewards); start += e.args.NumSamples {
		group := finalRewards[start : start+e.args.NumSamples]
		zero, one := true, true
		for _, r := range group {
			if r != 0 {
				zero = false
			}
			if r != e.args.RewardScale {
				one = false
			}
		}
		if zero {
			allZero++
		}
		if one {
			allOne++
		}
	}
	infos["all_zero_rewards_count"] = allZero
	infos["all_one_rewards_count"] = allOne
}
