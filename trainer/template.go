package main

import "fmt"

// Prompt templates for driving base models to answer math questions.
// The template decides which grading function the oracle uses: qwen_math
// and "no" expect a final \boxed{...}, r1 expects <answer> tags.
type PromptTemplate string

const (
	PromptTemplateQwenMath PromptTemplate = "qwen_math"
	PromptTemplateR1       PromptTemplate = "r1"
	PromptTemplateNo       PromptTemplate = "no"
)

func applyQwenMathTemplate(question string) string {
	return "<|im_start|>system\nPlease reason step by step, and put your final answer within \\boxed{}.<|im_end|>\n<|im_start|>user\n" +
		question +
		"<|im_end|>\n<|im_start|>assistant\n"
}

func applyR1Template(question string) string {
	return "A conversation between User and Assistant. The User asks a question, and the Assistant solves it. The Assistant first thinks about the reasoning process in the mind and then provides the User with the answer. " +
		"The reasoning process is enclosed within <think> </think> and answer is enclosed within <answer> </answer> tags, respectively, i.e., <think> reasoning process here </think> <answer> answer here </answer>.\nUser: " +
		question +
		"\nAssistant: <think>"
}

func ApplyTemplate(template PromptTemplate, question string) (string, error) {
	switch template {
	case PromptTemplateQwenMath:
		return applyQwenMathTemplate(question), nil
	case PromptTemplateR1:
		return applyR1Template(question), nil
	case PromptTemplateNo:
		return question, nil
	default:
		return "", fmt.Errorf("unknown prompt template: %s", template)
	}
}
