package main

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metric is one learner step's aggregate diagnostics.
type Metric map[string]float64

// statRecorder collects per-minibatch statistics during one learning
// step and folds them into the returned Metric afterwards. It is local
// to a step: each LearningStep builds a fresh one and returns the
// result, nothing is shared or mutated across steps.
type statRecorder struct {
	series map[string][]float64
	order  []string
}

func newStatRecorder() *statRecorder {
	return &statRecorder{series: map[string][]float64{}}
}

func (s *statRecorder) Append(key string, val float64) {
	if _, ok := s.series[key]; !ok {
		s.order = append(s.order, key)
	}
	s.series[key] = append(s.series[key], val)
}

func (s *statRecorder) Max(key string) float64 {
	vals := s.series[key]
	if len(vals) == 0 {
		return 0
	}
	// not floats.Max: NaN/Inf must propagate into the metric, not panic
	max := math.Inf(-1)
	for _, v := range vals {
		if v > max || math.IsNaN(v) {
			max = v
		}
	}
	return max
}

func (s *statRecorder) Min(key string) float64 {
	vals := s.series[key]
	if len(vals) == 0 {
		return 0
	}
	min := math.Inf(1)
	for _, v := range vals {
		if v < min || math.IsNaN(v) {
			min = v
		}
	}
	return min
}

func (s *statRecorder) Mean(key string) float64 {
	vals := s.series[key]
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

func (s *statRecorder) Sum(key string) float64 {
	sum := 0.0
	for _, v := range s.series[key] {
		sum += v
	}
	return sum
}

// FoldInto adds per-stat NaN/Inf counts to the metric. Instability is
// surfaced, never filtered: deciding to halt on it is the caller's job.
func (s *statRecorder) FoldInto(m Metric) {
	for _, key := range s.order {
		nan := 0.0
		inf := 0.0
		for _, v := range s.series[key] {
			if math.IsNaN(v) {
				nan++
			}
			if math.IsInf(v, 0) {
				inf++
			}
		}
		m[key+"_nan"] = nan
		m[key+"_inf"] = inf
	}
}
