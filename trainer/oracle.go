package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RewardOracle grades generated answers against ground-truth references.
// Grading runs in a small long-lived worker pool so a pathological input
// (catastrophic regex backtracking, absurdly long answers) can stall at
// most one worker, never the caller: each call is bounded by a per-call
// timeout and a timed-out call simply scores 0.
const (
	oracleNumWorkers     = 2
	oracleDefaultTimeout = 1 * time.Second
)

type oracleJob struct {
	response  string
	reference string
	// buffered so an abandoned (timed-out) job never blocks its worker
	result chan oracleResult
}

type oracleResult struct {
	info   GradeInfo
	reward float64
}

type RewardOracle struct {
	gradeFn GradeFunc
	timeout time.Duration
	jobs    chan oracleJob
	logger  *zerolog.Logger
}

func NewRewardOracle(ctx context.Context, gradeFn GradeFunc) *RewardOracle {
	parentLogger := zerolog.Ctx(ctx)
	logger := parentLogger.With().Str("component", "reward-oracle").Logger()
	o := &RewardOracle{
		gradeFn: gradeFn,
		timeout: oracleDefaultTimeout,
		jobs:    make(chan oracleJob),
		logger:  &logger,
	}
	for i := 0; i < oracleNumWorkers; i++ {
		go o.runWorker()
	}
	return o
}

func (o *RewardOracle) runWorker() {
	for job := range o.jobs {
		job.result <- o.safeGrade(job.response, job.reference)
	}
}

// safeGrade treats any grading panic like a timeout: zero reward, unformatted.
func (o *RewardOracle) safeGrade(response, reference string) (res oracleResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn().Msgf("grading panicked, treating as unformatted: %v", r)
			res = oracleResult{info: GradeInfo{Formatted: false}, reward: 0}
		}
	}()
	info, reward := o.gradeFn(response, reference)
	return oracleResult{info: info, reward: reward}
}

// Close stops the worker pool. In-flight grading calls finish on their own.
func (o *RewardOracle) Close() {
	close(o.jobs)
}

// GetReward grades each (response, reference) pair. The timeout is
// enforced per call, not per batch; a timeout is recovered locally and
// recorded as reward 0 with Formatted=false.
func (o *RewardOracle) GetReward(responses, references []string) ([]float64, []GradeInfo) {
	rewards := make([]float64, 0, len(responses))
	infos := make([]GradeInfo, 0, len(responses))
	for i := range responses {
		job := oracleJob{
			response:  responses[i],
			reference: references[i],
			result:    make(chan oracleResult, 1),
		}
		timer := time.NewTimer(o.timeout)
		var submitted bool
		select {
		case o.jobs <- job:
			submitted = true
		case <-timer.C:
		}
		if submitted {
			select {
			case res := <-job.result:
				rewards = append(rewards, res.reward)
				infos = append(infos, res.info)
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		o.logger.Warn().Msg("grading timed out, scoring 0")
		rewards = append(rewards, 0)
		infos = append(infos, GradeInfo{Formatted: false})
	}
	return rewards, infos
}

// Compare scores candidatesA against candidatesB as references. The
// rewards read as side A's pairwise win rate. Evaluation convenience.
func (o *RewardOracle) Compare(candidatesA, candidatesB []string) ([]float64, []GradeInfo) {
	return o.GetReward(candidatesA, candidatesB)
}
