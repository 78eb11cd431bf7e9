package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgsValidate(t *testing.T) {
	args := DefaultArgs()
	require.NoError(t, args.Validate())

	args = DefaultArgs()
	args.CriticType = "sarsa"
	require.Error(t, args.Validate())

	args = DefaultArgs()
	args.CriticTypeModify = "gmpo_extra"
	require.Error(t, args.Validate())

	args = DefaultArgs()
	args.NumSamples = 0
	require.Error(t, args.Validate())

	args = DefaultArgs()
	args.CriticType = CriticTypeDrGRPO
	args.GenerateMaxLength = 0
	require.Error(t, args.Validate())

	// the gmpo family is tied to the group-relative critics
	args = DefaultArgs()
	args.CriticType = CriticTypePPO
	args.CriticTypeModify = ModifyGMPO
	require.Error(t, args.Validate())

	args = DefaultArgs()
	args.CriticType = CriticTypeGRPO
	for _, modify := range allModifies {
		args.CriticTypeModify = modify
		require.NoError(t, args.Validate(), "modify %q", modify)
	}
}

func TestArgsValidateBatch(t *testing.T) {
	args := DefaultArgs()
	args.NumSamples = 4
	args.TrainBatchSizePerDevice = 2
	require.NoError(t, args.ValidateBatch(8))
	require.Error(t, args.ValidateBatch(0))
	require.Error(t, args.ValidateBatch(6))

	args.TrainBatchSizePerDevice = 3
	require.Error(t, args.ValidateBatch(8))
}
