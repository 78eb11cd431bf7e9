package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyTemplate(t *testing.T) {
	prompt, err := ApplyTemplate(PromptTemplateQwenMath, "what is 1+1?")
	require.NoError(t, err)
	require.Contains(t, prompt, "what is 1+1?")
	require.Contains(t, prompt, "\\boxed{}")
	require.True(t, strings.HasSuffix(prompt, "<|im_start|>assistant\n"))

	prompt, err = ApplyTemplate(PromptTemplateR1, "what is 1+1?")
	require.NoError(t, err)
	require.Contains(t, prompt, "<answer>")
	require.True(t, strings.HasSuffix(prompt, "<think>"))

	prompt, err = ApplyTemplate(PromptTemplateNo, "what is 1+1?")
	require.NoError(t, err)
	require.Equal(t, "what is 1+1?", prompt)

	_, err = ApplyTemplate(PromptTemplate("nope"), "q")
	require.Error(t, err)
}
