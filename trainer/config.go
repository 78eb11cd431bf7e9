package main

import (
	"fmt"
	"slices"
)

type CriticType string

const (
	CriticTypePPO    CriticType = "ppo"
	CriticTypeGRPO   CriticType = "grpo"
	CriticTypeDrGRPO CriticType = "drgrpo"
)

// Surrogate objective modifiers layered on top of the critic type.
const (
	ModifyDefault         = ""
	ModifyGMPO            = "gmpo"
	ModifyGMPONoClip      = "gmpo_noclip"
	ModifyGMPOSeqClip     = "gmpo_seqclip"
	ModifyGMPOWithoutNorm = "gmpo_without_norm"
	ModifyGRPOClipWider   = "grpo_clip_wider"
)

var allModifies = []string{
	ModifyDefault,
	ModifyGMPO,
	ModifyGMPONoClip,
	ModifyGMPOSeqClip,
	ModifyGMPOWithoutNorm,
	ModifyGRPOClipWider,
}

// Args is the algorithm configuration shared by actor and learner.
type Args struct {
	CriticType       CriticType
	CriticTypeModify string

	Cliprange      float64
	CliprangeValue float64
	VfCoef         float64

	KlPenaltyCoef float64
	Beta          float64

	ReinforceUpdate bool

	NumPPOEpochs            int
	TrainBatchSizePerDevice int

	// NumSamples is the group size: completions sampled per prompt.
	NumSamples  int
	IgnoreNoEos bool

	Temperature float64
	RewardScale float64

	// GenerateMaxLength doubles as the Dr.GRPO constant length normalizer.
	GenerateMaxLength int

	Gamma     float64
	GaeLambda float64

	PromptTemplate  PromptTemplate
	VerifierVersion string
}

func DefaultArgs() Args {
	return Args{
		CriticType:              CriticTypeDrGRPO,
		CriticTypeModify:        ModifyDefault,
		Cliprange:               0.2,
		CliprangeValue:          0.2,
		VfCoef:                  1.0,
		KlPenaltyCoef:           0,
		Beta:                    0,
		NumPPOEpochs:            1,
		TrainBatchSizePerDevice: 1,
		NumSamples:              8,
		Temperature:             1.0,
		RewardScale:             1.0,
		GenerateMaxLength:       3000,
		Gamma:                   1.0,
		GaeLambda:               0.95,
		PromptTemplate:          PromptTemplateQwenMath,
		VerifierVersion:         "fast",
	}
}

// Validate checks the configuration-time invariants. Violations are
// configuration errors raised at setup, never tolerated at runtime.
func (a *Args) Validate() error {
	switch a.CriticType {
	case CriticTypePPO, CriticTypeGRPO, CriticTypeDrGRPO:
	default:
		return fmt.Errorf("unknown critic type: %q", a.CriticType)
	}
	if !slices.Contains(allModifies, a.CriticTypeModify) {
		return fmt.Errorf("unknown critic type modify: %q", a.CriticTypeModify)
	}
	if a.NumSamples <= 0 {
		return fmt.Errorf("num samples (group size) must be > 0, got %d", a.NumSamples)
	}
	if a.TrainBatchSizePerDevice <= 0 {
		return fmt.Errorf("train batch size per device must be > 0, got %d", a.TrainBatchSizePerDevice)
	}
	if a.NumPPOEpochs < 1 {
		return fmt.Errorf("num ppo epochs must be >= 1, got %d", a.NumPPOEpochs)
	}
	if a.Cliprange <= 0 {
		return fmt.Errorf("cliprange must be > 0, got %f", a.Cliprange)
	}
	if a.CriticType == CriticTypeDrGRPO && a.GenerateMaxLength <= 0 {
		return fmt.Errorf("drgrpo needs generate max length > 0 as its constant normalizer, got %d", a.GenerateMaxLength)
	}
	if a.Temperature <= 0 {
		return fmt.Errorf("temperature must be > 0, got %f", a.Temperature)
	}
	if a.CriticType == CriticTypePPO && a.CriticTypeModify != ModifyDefault {
		return fmt.Errorf("critic type modify %q requires a group-relative critic type", a.CriticTypeModify)
	}
	return nil
}

// ValidateBatch checks the per-step divisibility invariants for a batch
// of n trajectories.
func (a *Args) ValidateBatch(n int) error {
	if n == 0 || n%a.NumSamples != 0 {
		return fmt.Errorf("batch of %d trajectories is not divisible into groups of %d", n, a.NumSamples)
	}
	if n%a.TrainBatchSizePerDevice != 0 {
		return fmt.Errorf("batch of %d trajectories is not divisible into minibatches of %d", n, a.TrainBatchSizePerDevice)
	}
	return nil
}
