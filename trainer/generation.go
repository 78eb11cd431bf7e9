package main

import "encoding/json"

// Wire types shared with the sampling workers. The workers are a black
// box: they take a formatted prompt and return n sampled completions with
// token ids, per-token log-probabilities under the sampling weights, and
// a finish reason.

type GenerationTask struct {
	Prompt string `json:"prompt"`
}

const (
	FinishReasonStop   = "stop"
	FinishReasonLength = "length"
)

type GenerationSample struct {
	Text         string    `json:"text"`
	TokenIDs     []int     `json:"token_ids"`
	Logprobs     []float64 `json:"logprobs"`
	FinishReason string    `json:"finish_reason"`
}

type GenerationTaskResponse struct {
	PromptTokenIDs []int              `json:"prompt_token_ids"`
	Samples        []GenerationSample `json:"samples"`
}

func (g GenerationTask) ToJSON() string {
	json, err := json.Marshal(g)
	if err != nil {
		panic(err)
	}
	return string(json)
}

func GenerationTaskResponseFromJSON(val string) *GenerationTaskResponse {
	var g GenerationTaskResponse
	err := json.Unmarshal([]byte(val), &g)
	if err != nil {
		panic(err)
	}
	return &g
}
