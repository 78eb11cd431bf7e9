package main

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testArgs() *Args {
	args := DefaultArgs()
	args.CriticType = CriticTypeDrGRPO
	args.NumSamples = 2
	args.TrainBatchSizePerDevice = 2
	args.GenerateMaxLength = 4
	return &args
}

// one prompt group of two completions, one rewarded and one not
func testTensorBatch(t *testing.T) *TensorBatch {
	t.Helper()
	batch := &TrajectoryBatch{
		BatchID:    NewTrainingBatchID(),
		NumSamples: 2,
		Trajectories: []Trajectory{
			{
				PromptIDs:        []int{1, 2},
				ResponseIDs:      []int{3, 4},
				ResponseLogprobs: []float64{-1, -1},
				Rewards:          []float64{0, 1},
				LossMask:         true,
			},
			{
				PromptIDs:        []int{1, 2},
				ResponseIDs:      []int{3, 5},
				ResponseLogprobs: []float64{-1, -1},
				Rewards:          []float64{0, 0},
				LossMask:         true,
			},
		},
	}
	tb, err := Collate(batch)
	require.NoError(t, err)
	return tb
}

func sequenceLogp(p PolicyModel, ids []int) float64 {
	attn := make([]float64, len(ids))
	for i := range attn {
		attn[i] = 1
	}
	logps := p.Logps([][]int{ids}, [][]float64{attn})
	total := 0.0
	for _, lp := range logps[0] {
		total += lp
	}
	return total
}

func TestLearningStepImprovesRewardedTrajectory(t *testing.T) {
	args := testArgs()
	model := NewTablePolicy(8, args.Temperature)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.5, 0, 0, 1))
	require.NoError(t, err)

	rewarded := []int{1, 2, 3, 4}
	unrewarded := []int{1, 2, 3, 5}
	beforeGood := sequenceLogp(model, rewarded)
	beforeBad := sequenceLogp(model, unrewarded)

	_, err = engine.LearningStep(testTensorBatch(t))
	require.NoError(t, err)

	require.Greater(t, sequenceLogp(model, rewarded), beforeGood)
	require.Less(t, sequenceLogp(model, unrewarded), beforeBad)
}

func TestLearningStepGradCadenceResets(t *testing.T) {
	args := testArgs()
	args.NumPPOEpochs = 3
	model := NewTablePolicy(8, args.Temperature)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.01, 0, 0, 2))
	require.NoError(t, err)

	// every step walks the same number of minibatches from zero, so the
	// grad-norm measurement lands on the same minibatches each step
	_, err = engine.LearningStep(testTensorBatch(t))
	require.NoError(t, err)
	require.Equal(t, 3, engine.localGradStep)

	_, err = engine.LearningStep(testTensorBatch(t))
	require.NoError(t, err)
	require.Equal(t, 3, engine.localGradStep)
}

func TestLearningStepMetrics(t *testing.T) {
	args := testArgs()
	model := NewTablePolicy(8, args.Temperature)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.1, 0, 0, 1))
	require.NoError(t, err)

	metrics, err := engine.LearningStep(testTensorBatch(t))
	require.NoError(t, err)
	for _, key := range []string{
		"pg_loss", "policy_grad_norm", "entropy",
		"adv_mean", "adv_min", "adv_max",
		"logprobs_diff_max", "logprobs_diff_min",
		"zero_pg_loss_count", "pg_clipfrac",
		"all_zero_rewards_count", "all_one_rewards_count",
	} {
		val, ok := metrics[key]
		require.True(t, ok, "missing metric %q", key)
		require.False(t, math.IsNaN(val) || math.IsInf(val, 0), "metric %q is %f", key, val)
	}
	// drgrpo group advantages for rewards {1, 0}
	require.InDelta(t, 0.0, metrics["adv_mean"], 1e-12)
	require.InDelta(t, -0.5, metrics["adv_min"], 1e-12)
	require.InDelta(t, 0.5, metrics["adv_max"], 1e-12)
	require.Equal(t, 0.0, metrics["all_zero_rewards_count"])
	require.Equal(t, 0.0, metrics["all_one_rewards_count"])
}

func TestLearningStepCountsDegenerateGroups(t *testing.T) {
	args := testArgs()
	model := NewTablePolicy(8, args.Temperature)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.1, 0, 0, 1))
	require.NoError(t, err)

	tb := testTensorBatch(t)
	tb.Rewards = [][]float64{{0, 1}, {0, 1}}
	metrics, err := engine.LearningStep(tb)
	require.NoError(t, err)
	require.Equal(t, 1.0, metrics["all_one_rewards_count"])
	require.Equal(t, 0.0, metrics["all_zero_rewards_count"])
	// equal rewards leave no group-relative signal
	require.InDelta(t, 0.0, metrics["adv_max"], 1e-12)
}

func TestLearningStepPaddingIsNeutral(t *testing.T) {
	args := testArgs()
	runA := func() (Metric, *TablePolicy) {
		model := NewTablePolicy(8, args.Temperature)
		engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.5, 0, 0, 1))
		require.NoError(t, err)
		engine.rng = rand.New(rand.NewSource(1))
		metrics, err := engine.LearningStep(testTensorBatch(t))
		require.NoError(t, err)
		return metrics, model
	}
	runB := func() (Metric, *TablePolicy) {
		tb := testTensorBatch(t)
		for i := range tb.InputIDs {
			tb.InputIDs[i] = append(tb.InputIDs[i], 0, 0)
			tb.AttnMask[i] = append(tb.AttnMask[i], 0, 0)
		}
		model := NewTablePolicy(8, args.Temperature)
		engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.5, 0, 0, 1))
		require.NoError(t, err)
		engine.rng = rand.New(rand.NewSource(1))
		metrics, err := engine.LearningStep(tb)
		require.NoError(t, err)
		return metrics, model
	}

	metricsA, modelA := runA()
	metricsB, modelB := runB()
	require.Equal(t, metricsA["pg_loss"], metricsB["pg_loss"])
	probe := []int{1, 2, 3, 4}
	require.Equal(t, sequenceLogp(modelA, probe), sequenceLogp(modelB, probe))
}

func TestLearningStepKLTerms(t *testing.T) {
	args := testArgs()
	args.KlPenaltyCoef = 0.1
	args.Beta = 0.01
	args.NumPPOEpochs = 2
	model := NewTablePolicy(8, args.Temperature)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.5, 0, 0, 1))
	require.NoError(t, err)
	require.NotNil(t, engine.ref)

	metrics, err := engine.LearningStep(testTensorBatch(t))
	require.NoError(t, err)
	regLoss, ok := metrics["reg_loss"]
	require.True(t, ok)
	require.False(t, math.IsNaN(regLoss))
	kl3, ok := metrics["kl3"]
	require.True(t, ok)
	// k3 is an expectation of a non-negative estimator
	require.GreaterOrEqual(t, kl3, 0.0)
}

func TestLearningStepPPOCritic(t *testing.T) {
	args := testArgs()
	args.CriticType = CriticTypePPO
	model := NewTablePolicy(8, args.Temperature)
	critic := NewTableValue(8)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, critic, NewLocalRuntime(0.1, 0.1, 0, 1))
	require.NoError(t, err)

	metrics, err := engine.LearningStep(testTensorBatch(t))
	require.NoError(t, err)
	for _, key := range []string{"critic_loss", "vf_clipfrac", "adv_mean"} {
		val, ok := metrics[key]
		require.True(t, ok, "missing metric %q", key)
		require.False(t, math.IsNaN(val) || math.IsInf(val, 0), "metric %q is %f", key, val)
	}
	// values start at zero, so the critic should regress towards the
	// positive return of the rewarded trajectory
	require.Greater(t, metrics["critic_loss"], 0.0)
}

func TestLearningStepRejectsPPOWithoutCritic(t *testing.T) {
	args := testArgs()
	args.CriticType = CriticTypePPO
	_, err := NewPolicyUpdateEngine(context.Background(), args, NewTablePolicy(8, 1.0), nil, NewLocalRuntime(0.1, 0, 0, 1))
	require.Error(t, err)
}

func TestLearningStepRejectsBadGrouping(t *testing.T) {
	args := testArgs()
	args.NumSamples = 3
	model := NewTablePolicy(8, args.Temperature)
	engine, err := NewPolicyUpdateEngine(context.Background(), args, model, nil, NewLocalRuntime(0.1, 0, 0, 1))
	require.NoError(t, err)

	_, err = engine.LearningStep(testTensorBatch(t))
	require.Error(t, err)
}
