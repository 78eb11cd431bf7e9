package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RolloutCollector drives one actor step: format prompts, fan them out
// to the sampling workers through the engine, grade the completions
// through the reward oracle, and package everything into a trajectory
// batch with the group's samples adjacent.
type RolloutCollector struct {
	args   *Args
	oracle *RewardOracle
	taskTx chan<- EngineTaskMsg
	taskRx <-chan EngineTaskResultMsg
	logger *zerolog.Logger
}

func NewRolloutCollector(ctx context.Context, args *Args, engine *Engine, oracle *RewardOracle) *RolloutCollector {
	parentLogger := zerolog.Ctx(ctx)
	logger := parentLogger.With().Str("component", "rollout-collector").Logger()
	return &RolloutCollector{
		args:   args,
		oracle: oracle,
		taskTx: engine.GetInput(),
		taskRx: engine.GetOutput(),
		logger: &logger,
	}
}

// Step samples NumSamples completions for every problem and returns the
// graded batch. Trajectories keep problem order, with each problem's
// samples adjacent. Truncated samples score 0; when IgnoreNoEos is set
// they are additionally masked out of the loss.
func (c *RolloutCollector) Step(ctx context.Context, problems []Problem) (*TrajectoryBatch, error) {
	generateStart := time.Now()
	prompts := make([]string, len(problems))
	for i, p := range problems {
		prompt, err := ApplyTemplate(c.args.PromptTemplate, p.Problem)
		if err != nil {
			return nil, err
		}
		prompts[i] = prompt
	}
	taskIDToProblem := map[EngineTaskID]int{}
	for i := range problems {
		taskID := NewEngineTaskID()
		taskIDToProblem[taskID] = i
		select {
		case c.taskTx <- EngineTaskMsg{ID: taskID, Task: GenerationTask{Prompt: prompts[i]}.ToJSON()}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	responses := make([]*GenerationTaskResponse, len(problems))
	for range problems {
		select {
		case msg := <-c.taskRx:
			i, ok := taskIDToProblem[msg.ID]
			if !ok {
				return nil, fmt.Errorf("result for unknown task %s", msg.ID)
			}
			responses[i] = GenerationTaskResponseFromJSON(msg.Result)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	generateTime := time.Since(generateStart)

	var texts, references []string
	for i, resp := range responses {
		if len(resp.Samples) != c.args.NumSamples {
			return nil, fmt.Errorf("expected %d samples, worker returned %d", c.args.NumSamples, len(resp.Samples))
		}
		for _, sample := range resp.Samples {
			if len(sample.TokenIDs) == 0 {
				return nil, fmt.Errorf("worker returned an empty sample for problem %d", i)
			}
			texts = append(texts, sample.Text)
			references = append(references, problems[i].Answer)
		}
	}
	verifyStart := time.Now()
	rewards, gradeInfos := c.oracle.GetReward(texts, references)
	verifyTime := time.Since(verifyStart)

	batch := &TrajectoryBatch{
		BatchID:    NewTrainingBatchID(),
		NumSamples: c.args.NumSamples,
	}
	rewardSum, formattedSum, tokenSum := 0.0, 0.0, 0.0
	noEOS := 0.0
	flat := 0
	for i, resp := range responses {
		for _, sample := range resp.Samples {
			reward := rewards[flat]
			formatted := gradeInfos[flat].Formatted
			flat++
			truncated := sample.FinishReason == FinishReasonLength
			if truncated {
				// never reached EOS, so the final answer is unverifiable
				reward = 0
				formatted = false
				noEOS++
			}
			dense := make([]float64, len(sample.TokenIDs))
			dense[len(dense)-1] = reward
			batch.Trajectories = append(batch.Trajectories, Trajectory{
				Prompt:           prompts[i],
				PromptIDs:        resp.PromptTokenIDs,
				Response:         sample.Text,
				ResponseIDs:      sample.TokenIDs,
				ResponseLogprobs: sample.Logprobs,
				Rewards:          dense,
				LossMask:         !(truncated && c.args.IgnoreNoEos),
			})
			rewardSum += reward
			if formatted {
				formattedSum++
			}
			tokenSum += float64(len(sample.TokenIDs))
		}
	}
	total := float64(len(batch.Trajectories))
	for i := range batch.Trajectories {
		batch.Trajectories[i].Info = map[string]float64{
			"generate_time":        generateTime.Seconds(),
			"verify_time":          verifyTime.Seconds(),
			"rewards":              rewardSum / total,
			"formatted":            formattedSum / total,
			"response_tok_len":     tokenSum / total,
			"no_eos_count":         noEOS,
			"sampling_temperature": c.args.Temperature,
		}
	}
	c.logger.Info().
		Float64("mean_reward", rewardSum/total).
		Float64("formatted_rate", formattedSum/total).
		Float64("no_eos_count", noEOS).
		Msgf("Collected %d trajectories over %d prompts", len(batch.Trajectories), len(problems))
	return batch, nil
}
