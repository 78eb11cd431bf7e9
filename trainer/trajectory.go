package main

import (
	"encoding/json"
	"fmt"
)

// Trajectory is one sampled completion together with everything the
// learner needs to score it: tokens, sampling-time log-probabilities,
// the per-token reward layout, and whether it participates in the loss.
//
// Invariant: len(ResponseLogprobs) == len(ResponseIDs) == len(Rewards).
// Rewards are zero everywhere except the final response token, which
// carries the oracle's scalar reward (0 for truncated samples).
type Trajectory struct {
	Prompt           string             `json:"prompt"`
	PromptIDs        []int              `json:"prompt_ids"`
	Response         string             `json:"response"`
	ResponseIDs      []int              `json:"response_ids"`
	ResponseLogprobs []float64          `json:"response_logprobs"`
	Rewards          []float64          `json:"rewards"`
	LossMask         bool               `json:"loss_mask"`
	Info             map[string]float64 `json:"info"`
}

func (t *Trajectory) Validate() error {
	if len(t.ResponseIDs) == 0 {
		return fmt.Errorf("trajectory has no response tokens")
	}
	if len(t.ResponseLogprobs) != len(t.ResponseIDs) || len(t.Rewards) != len(t.ResponseIDs) {
		return fmt.Errorf("trajectory misaligned: %d ids, %d logprobs, %d rewards",
			len(t.ResponseIDs), len(t.ResponseLogprobs), len(t.Rewards))
	}
	return nil
}

// FinalReward is the oracle reward at the terminal token.
func (t *Trajectory) FinalReward() float64 {
	return t.Rewards[len(t.Rewards)-1]
}

// TrajectoryBatch is one actor step's worth of trajectories, ordered so
// that the NumSamples trajectories of a group (same prompt) are adjacent.
// It is serialized across the actor/learner boundary, consumed exactly
// once by the learner, then discarded.
type TrajectoryBatch struct {
	BatchID      TrainingBatchID `json:"batch_id"`
	NumSamples   int             `json:"num_samples"`
	Trajectories []Trajectory    `json:"trajectories"`
}

func (b *TrajectoryBatch) ToJSON() string {
	// TODO: gzip -- this is highly compressible
	json, err := json.Marshal(b)
	if err != nil {
		panic(err)
	}
	return string(json)
}

func TrajectoryBatchFromJSON(input string) (*TrajectoryBatch, error) {
	var b TrajectoryBatch
	if err := json.Unmarshal([]byte(input), &b); err != nil {
		return nil, err
	}
	for i := range b.Trajectories {
		if err := b.Trajectories[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &b, nil
}
