package main

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// The learner is model-agnostic: it computes surrogate losses and their
// gradients with respect to per-token log-probabilities, then hands both
// to a Runtime that owns backward passes, optimizer stepping, and any
// cross-process reduction. Real deployments plug a GPU-backed model in
// behind these interfaces; TablePolicy below is the in-process
// implementation used for tests and single-machine experiments.

// PolicyModel scores next-token log-probabilities.
type PolicyModel interface {
	// Logps returns an N x (W-1) tensor: row i, position t holds the
	// log-probability of inputIDs[i][t+1] given the prefix, and 0 where
	// position t+1 is padding.
	Logps(inputIDs [][]int, attnMask [][]float64) [][]float64
	// TokenEntropy returns the entropy of the next-token distribution at
	// each scored position, same shape as Logps.
	TokenEntropy(inputIDs [][]int, attnMask [][]float64) [][]float64
}

// TrainablePolicy is a PolicyModel whose weights the learner updates.
type TrainablePolicy interface {
	PolicyModel
	// AccumulateLogpGrad folds dLoss/dlogp at every scored position into
	// the parameter gradient accumulator.
	AccumulateLogpGrad(inputIDs [][]int, attnMask [][]float64, dlogp [][]float64)
	ZeroGrad()
	GradNorm() float64
	ApplyGrad(lr float64)
	// Snapshot returns a frozen copy used as the KL reference policy.
	Snapshot() PolicyModel
}

// ValueModel supplies per-position baselines for the PPO critic path.
type ValueModel interface {
	// Values returns an N x (W-1) tensor: one value per non-final position.
	Values(inputIDs [][]int, attnMask [][]float64) [][]float64
}

type TrainableValue interface {
	ValueModel
	AccumulateValueGrad(inputIDs [][]int, attnMask [][]float64, dvalue [][]float64)
	ZeroGrad()
	ApplyGrad(lr float64)
}

// Runtime is the distributed-runtime collaborator. The learner only
// invokes these hooks and assumes nothing about their concurrency model.
type Runtime interface {
	Backward(model TrainablePolicy, inputIDs [][]int, attnMask [][]float64, dlogp [][]float64)
	OptimizerStep(model TrainablePolicy)
	BackwardValue(critic TrainableValue, inputIDs [][]int, attnMask [][]float64, dvalue [][]float64)
	ValueOptimizerStep(critic TrainableValue)
	GradNorm(model TrainablePolicy) float64
	AllReduce(metrics map[string]float64) map[string]float64
	// GradAccStep is how many minibatches share one gradient-norm
	// measurement window.
	GradAccStep() int
}

// ---- table policy ----

// TablePolicy is a bigram softmax policy: the logits of the next token
// depend only on the previous token id. Small enough to train in-process
// and exact enough to exercise every code path of the update engine.
type TablePolicy struct {
	vocab       int
	temperature float64
	weights     [][]float64
	grad        [][]float64
}

func NewTablePolicy(vocab int, temperature float64) *TablePolicy {
	return &TablePolicy{
		vocab:       vocab,
		temperature: temperature,
		weights:     zeros(vocab, vocab),
		grad:        zeros(vocab, vocab),
	}
}

func logSumExp(logits []float64) float64 {
	maxLogit := floats.Max(logits)
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - maxLogit)
	}
	return maxLogit + math.Log(sum)
}

// scaledLogits applies the sampling temperature, matching how the
// generation engine scores tokens.
func (p *TablePolicy) scaledLogits(prev int) []float64 {
	logits := make([]float64, p.vocab)
	for k := 0; k < p.vocab; k++ {
		logits[k] = p.weights[prev][k] / p.temperature
	}
	return logits
}

func (p *TablePolicy) Logps(inputIDs [][]int, attnMask [][]float64) [][]float64 {
	n := len(inputIDs)
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		width := len(inputIDs[i])
		row := make([]float64, width-1)
		for t := 0; t < width-1; t++ {
			if attnMask[i][t] == 0 || attnMask[i][t+1] == 0 {
				continue
			}
			logits := p.scaledLogits(inputIDs[i][t])
			row[t] = logits[inputIDs[i][t+1]] - logSumExp(logits)
		}
		out[i] = row
	}
	return out
}

func (p *TablePolicy) TokenEntropy(inputIDs [][]int, attnMask [][]float64) [][]float64 {
	n := len(inputIDs)
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		width := len(inputIDs[i])
		row := make([]float64, width-1)
		for t := 0; t < width-1; t++ {
			if attnMask[i][t] == 0 || attnMask[i][t+1] == 0 {
				continue
			}
			logits := p.scaledLogits(inputIDs[i][t])
			lse := logSumExp(logits)
			entropy := 0.0
			for _, logit := range logits {
				logp := logit - lse
				entropy -= math.Exp(logp) * logp
			}
			row[t] = entropy
		}
		out[i] = row
	}
	return out
}

func (p *TablePolicy) AccumulateLogpGrad(inputIDs [][]int, attnMask [][]float64, dlogp [][]float64) {
	for i := range inputIDs {
		width := len(inputIDs[i])
		for t := 0; t < width-1; t++ {
			g := dlogp[i][t]
			if g == 0 || attnMask[i][t] == 0 || attnMask[i][t+1] == 0 {
				continue
			}
			prev := inputIDs[i][t]
			next := inputIDs[i][t+1]
			logits := p.scaledLogits(prev)
			lse := logSumExp(logits)
			for k := 0; k < p.vocab; k++ {
				prob := math.Exp(logits[k] - lse)
				indicator := 0.0
				if k == next {
					indicator = 1.0
				}
				p.grad[prev][k] += g * (indicator - prob) / p.temperature
			}
		}
	}
}

func (p *TablePolicy) ZeroGrad() {
	for i := range p.grad {
		for k := range p.grad[i] {
			p.grad[i][k] = 0
		}
	}
}

func (p *TablePolicy) GradNorm() float64 {
	sumSq := 0.0
	for _, row := range p.grad {
		norm := floats.Norm(row, 2)
		sumSq += norm * norm
	}
	return math.Sqrt(sumSq)
}

func (p *TablePolicy) ApplyGrad(lr float64) {
	for i := range p.weights {
		floats.AddScaled(p.weights[i], -lr, p.grad[i])
	}
}

func (p *TablePolicy) Snapshot() PolicyModel {
	snapshot := NewTablePolicy(p.vocab, p.temperature)
	for i := range p.weights {
		copy(snapshot.weights[i], p.weights[i])
	}
	return snapshot
}

// ---- table value ----

// TableValue is a per-token linear value head.
type TableValue struct {
	vocab   int
	weights []float64
	bias    float64
	gradW   []float64
	gradB   float64
}

func NewTableValue(vocab int) *TableValue {
	return &TableValue{
		vocab:   vocab,
		weights: make([]float64, vocab),
		gradW:   make([]float64, vocab),
	}
}

func (v *TableValue) Values(inputIDs [][]int, attnMask [][]float64) [][]float64 {
	out := make([][]float64, len(inputIDs))
	for i := range inputIDs {
		width := len(inputIDs[i])
		row := make([]float64, width-1)
		for t := 0; t < width-1; t++ {
			if attnMask[i][t] == 0 {
				continue
			}
			row[t] = v.bias + v.weights[inputIDs[i][t]]
		}
		out[i] = row
	}
	return out
}

func (v *TableValue) AccumulateValueGrad(inputIDs [][]int, attnMask [][]float64, dvalue [][]float64) {
	for i := range inputIDs {
		width := len(inputIDs[i])
		for t := 0; t < width-1; t++ {
			g := dvalue[i][t]
			if g == 0 || attnMask[i][t] == 0 {
				continue
			}
			v.gradW[inputIDs[i][t]] += g
			v.gradB += g
		}
	}
}

func (v *TableValue) ZeroGrad() {
	for i := range v.gradW {
		v.gradW[i] = 0
	}
	v.gradB = 0
}

func (v *TableValue) ApplyGrad(lr float64) {
	floats.AddScaled(v.weights, -lr, v.gradW)
	v.bias -= lr * v.gradB
}

// ---- local runtime ----

// LocalRuntime is the single-process Runtime: plain SGD with a linear
// learning-rate decay and no cross-process reduction.
type LocalRuntime struct {
	lr          float64
	valueLR     float64
	totalSteps  int
	gradAccStep int
	step        int
	valueStep   int
}

func NewLocalRuntime(lr, valueLR float64, totalSteps, gradAccStep int) *LocalRuntime {
	if gradAccStep < 1 {
		gradAccStep = 1
	}
	return &LocalRuntime{
		lr:          lr,
		valueLR:     valueLR,
		totalSteps:  totalSteps,
		gradAccStep: gradAccStep,
	}
}

func (r *LocalRuntime) currentLR(base float64, step int) float64 {
	if r.totalSteps <= 0 {
		return base
	}
	frac := 1.0 - float64(step)/float64(r.totalSteps)
	if frac < 0 {
		frac = 0
	}
	return base * frac
}

func (r *LocalRuntime) Backward(model TrainablePolicy, inputIDs [][]int, attnMask [][]float64, dlogp [][]float64) {
	model.AccumulateLogpGrad(inputIDs, attnMask, dlogp)
}

func (r *LocalRuntime) OptimizerStep(model TrainablePolicy) {
	model.ApplyGrad(r.currentLR(r.lr, r.step))
	model.ZeroGrad()
	r.step++
}

func (r *LocalRuntime) BackwardValue(critic TrainableValue, inputIDs [][]int, attnMask [][]float64, dvalue [][]float64) {
	critic.AccumulateValueGrad(inputIDs, attnMask, dvalue)
}

func (r *LocalRuntime) ValueOptimizerStep(critic TrainableValue) {
	critic.ApplyGrad(r.currentLR(r.valueLR, r.valueStep))
	critic.ZeroGrad()
	r.valueStep++
}

func (r *LocalRuntime) GradNorm(model TrainablePolicy) float64 {
	return model.GradNorm()
}

func (r *LocalRuntime) AllReduce(metrics map[string]float64) map[string]float64 {
	return metrics
}

func (r *LocalRuntime) GradAccStep() int {
	return r.gradAccStep
}
