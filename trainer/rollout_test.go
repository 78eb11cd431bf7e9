package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeWorker answers every submitted generation task with the same
// canned samples, like a sampling worker would over redis.
func fakeWorker(tx chan EngineTaskMsg, rx chan EngineTaskResultMsg, numTasks int, resp GenerationTaskResponse) {
	for i := 0; i < numTasks; i++ {
		msg := <-tx
		payload, err := json.Marshal(resp)
		if err != nil {
			panic(err)
		}
		rx <- EngineTaskResultMsg{ID: msg.ID, Result: string(payload)}
	}
}

func testCollector(t *testing.T, args *Args, tx chan EngineTaskMsg, rx chan EngineTaskResultMsg) *RolloutCollector {
	t.Helper()
	logger := zerolog.Nop()
	oracle := NewRewardOracle(context.Background(), GradeFuncForTemplate(args.PromptTemplate, args.VerifierVersion))
	t.Cleanup(oracle.Close)
	return &RolloutCollector{
		args:   args,
		oracle: oracle,
		taskTx: tx,
		taskRx: rx,
		logger: &logger,
	}
}

func TestRolloutStepGradesAndPackages(t *testing.T) {
	args := DefaultArgs()
	args.NumSamples = 2
	tx := make(chan EngineTaskMsg, 2)
	rx := make(chan EngineTaskResultMsg, 2)

	resp := GenerationTaskResponse{
		PromptTokenIDs: []int{1, 2},
		Samples: []GenerationSample{
			{Text: "thus \\boxed{42}", TokenIDs: []int{3, 4}, Logprobs: []float64{-1, -1}, FinishReason: FinishReasonStop},
			{Text: "thus \\boxed{41}", TokenIDs: []int{3, 5}, Logprobs: []float64{-1, -1}, FinishReason: FinishReasonStop},
		},
	}
	go fakeWorker(tx, rx, 2, resp)

	collector := testCollector(t, &args, tx, rx)
	batch, err := collector.Step(context.Background(), []Problem{
		{Problem: "what is 6*7?", Answer: "42"},
		{Problem: "what is 6*7?", Answer: "41"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, batch.NumSamples)
	require.Len(t, batch.Trajectories, 4)

	// group layout: both samples of a problem are adjacent
	require.Equal(t, 1.0, batch.Trajectories[0].FinalReward())
	require.Equal(t, 0.0, batch.Trajectories[1].FinalReward())
	require.Equal(t, 0.0, batch.Trajectories[2].FinalReward())
	require.Equal(t, 1.0, batch.Trajectories[3].FinalReward())

	// the reward sits only on the terminal token
	require.Equal(t, []float64{0, 1}, batch.Trajectories[0].Rewards)
	require.Equal(t, []int{1, 2}, batch.Trajectories[0].PromptIDs)
	for _, traj := range batch.Trajectories {
		require.True(t, traj.LossMask)
		require.NoError(t, traj.Validate())
	}
	require.Greater(t, batch.Trajectories[0].Info["rewards"], 0.0)
}

func TestRolloutStepTruncatedSamples(t *testing.T) {
	args := DefaultArgs()
	args.NumSamples = 2

	resp := GenerationTaskResponse{
		PromptTokenIDs: []int{1},
		Samples: []GenerationSample{
			{Text: "thus \\boxed{42}", TokenIDs: []int{3, 4}, Logprobs: []float64{-1, -1}, FinishReason: FinishReasonStop},
			// right answer, but the sample hit the length limit
			{Text: "thus \\boxed{42}", TokenIDs: []int{3, 4}, Logprobs: []float64{-1, -1}, FinishReason: FinishReasonLength},
		},
	}
	problems := []Problem{{Problem: "q", Answer: "42"}}

	// truncated samples always score 0 but stay in the loss
	tx := make(chan EngineTaskMsg, 1)
	rx := make(chan EngineTaskResultMsg, 1)
	go fakeWorker(tx, rx, 1, resp)
	batch, err := testCollector(t, &args, tx, rx).Step(context.Background(), problems)
	require.NoError(t, err)
	require.Equal(t, 1.0, batch.Trajectories[0].FinalReward())
	require.Equal(t, 0.0, batch.Trajectories[1].FinalReward())
	require.True(t, batch.Trajectories[1].LossMask)
	require.Equal(t, 1.0, batch.Trajectories[0].Info["no_eos_count"])

	// with ignore-no-eos they are masked out entirely
	args.IgnoreNoEos = true
	tx = make(chan EngineTaskMsg, 1)
	rx = make(chan EngineTaskResultMsg, 1)
	go fakeWorker(tx, rx, 1, resp)
	batch, err = testCollector(t, &args, tx, rx).Step(context.Background(), problems)
	require.NoError(t, err)
	require.True(t, batch.Trajectories[0].LossMask)
	require.False(t, batch.Trajectories[1].LossMask)
}

func TestRolloutStepRejectsWrongSampleCount(t *testing.T) {
	args := DefaultArgs()
	args.NumSamples = 4

	tx := make(chan EngineTaskMsg, 1)
	rx := make(chan EngineTaskResultMsg, 1)
	go fakeWorker(tx, rx, 1, GenerationTaskResponse{
		PromptTokenIDs: []int{1},
		Samples:        []GenerationSample{{TokenIDs: []int{2}, Logprobs: []float64{-1}, FinishReason: FinishReasonStop}},
	})
	_, err := testCollector(t, &args, tx, rx).Step(context.Background(), []Problem{{Problem: "q", Answer: "1"}})
	require.Error(t, err)
}

func TestRolloutStepRejectsEmptySample(t *testing.T) {
	args := DefaultArgs()
	args.NumSamples = 1

	tx := make(chan EngineTaskMsg, 1)
	rx := make(chan EngineTaskResultMsg, 1)
	go fakeWorker(tx, rx, 1, GenerationTaskResponse{
		PromptTokenIDs: []int{1},
		Samples:        []GenerationSample{{Text: "", TokenIDs: nil, FinishReason: FinishReasonStop}},
	})
	_, err := testCollector(t, &args, tx, rx).Step(context.Background(), []Problem{{Problem: "q", Answer: "1"}})
	require.ErrorContains(t, err, "empty sample")
}
