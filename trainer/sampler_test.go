package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemSampler(t *testing.T) {
	problems := []Problem{
		{Problem: "a", Answer: "1"},
		{Problem: "b", Answer: "2", Weight: 5},
	}
	sampler, err := NewProblemSampler(problems)
	require.NoError(t, err)
	require.Equal(t, 2, sampler.Len())

	batch := sampler.SampleBatch(100)
	require.Len(t, batch, 100)
	seen := map[string]int{}
	for _, p := range batch {
		seen[p.Problem]++
	}
	// weight 5 vs 1: "b" should dominate
	require.Greater(t, seen["b"], seen["a"])
}

func TestProblemSamplerEmpty(t *testing.T) {
	_, err := NewProblemSampler(nil)
	require.Error(t, err)
}

func TestLoadProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problems.jsonl")
	content := `{"problem": "what is 1+1?", "answer": "2"}
{"problem": "what is 2+2?", "answer": "4", "weight": 3}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	problems, err := LoadProblems(path)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	require.Equal(t, "what is 1+1?", problems[0].Problem)
	require.Equal(t, "2", problems[0].Answer)
	require.Equal(t, 3, problems[1].Weight)
}

func TestLoadProblemsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problems.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0644))
	_, err := LoadProblems(path)
	require.Error(t, err)
}
