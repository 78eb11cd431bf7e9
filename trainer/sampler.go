package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mroth/weightedrand/v2"
)

// Problem is one prompt/answer pair from the training problem set.
// Weight biases sampling towards problems we want to see more often
// (harder problems usually get larger weights).
type Problem struct {
	Problem string `json:"problem"`
	Answer  string `json:"answer"`
	Weight  int    `json:"weight,omitempty"`
}

// ProblemSampler draws training problems, weighted, with replacement.
type ProblemSampler struct {
	problems []Problem
	chooser  *weightedrand.Chooser[int, int]
}

func NewProblemSampler(problems []Problem) (*ProblemSampler, error) {
	if len(problems) == 0 {
		return nil, errors.New("problem set is empty")
	}
	choices := make([]weightedrand.Choice[int, int], 0, len(problems))
	for i, p := range problems {
		weight := p.Weight
		if weight <= 0 {
			weight = 1
		}
		choices = append(choices, weightedrand.NewChoice(i, weight))
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil, err
	}
	return &ProblemSampler{
		problems: problems,
		chooser:  chooser,
	}, nil
}

func (s *ProblemSampler) Sample() Problem {
	return s.problems[s.chooser.Pick()]
}

func (s *ProblemSampler) SampleBatch(n int) []Problem {
	batch := make([]Problem, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, s.Sample())
	}
	return batch
}

func (s *ProblemSampler) Len() int {
	return len(s.problems)
}

// LoadProblems reads a JSONL problem set, one Problem per line.
func LoadProblems(path string) ([]Problem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	problems := []Problem{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p Problem
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("bad problem on line %d: %w", lineNum, err)
		}
		if p.Problem == "" || p.Answer == "" {
			return nil, fmt.Errorf("problem on line %d is missing problem or answer", lineNum)
		}
		problems = append(problems, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return problems, nil
}
