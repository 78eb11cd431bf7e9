package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func terminalRewards(vals ...float64) [][]float64 {
	rows := make([][]float64, len(vals))
	for i, v := range vals {
		rows[i] = []float64{0, 0, v}
	}
	return rows
}

func TestMonteCarloAdvantagesDrGRPO(t *testing.T) {
	adv, err := monteCarloAdvantages(terminalRewards(1, 0, 0, 0), 4, CriticTypeDrGRPO)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.75, -0.25, -0.25, -0.25}, adv, 1e-12)

	adv, err = monteCarloAdvantages(terminalRewards(1, 1, 0, 0), 4, CriticTypeDrGRPO)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.5, 0.5, -0.5, -0.5}, adv, 1e-12)

	// two groups, each centered independently
	adv, err = monteCarloAdvantages(terminalRewards(1, 0, 1, 0), 2, CriticTypeDrGRPO)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.5, -0.5, 0.5, -0.5}, adv, 1e-12)
}

func TestMonteCarloAdvantagesSumToZero(t *testing.T) {
	adv, err := monteCarloAdvantages(terminalRewards(1, 0, 1, 1, 0.5, 0, 0, 1), 8, CriticTypeDrGRPO)
	require.NoError(t, err)
	sum := 0.0
	for _, a := range adv {
		sum += a
	}
	require.InDelta(t, 0.0, sum, 1e-12)
}

func TestMonteCarloAdvantagesGRPOStd(t *testing.T) {
	adv, err := monteCarloAdvantages(terminalRewards(1, 0), 2, CriticTypeGRPO)
	require.NoError(t, err)
	// sample std of {1, 0} is 1/sqrt(2)
	require.InDelta(t, 0.70710678, adv[0], 1e-6)
	require.InDelta(t, -0.70710678, adv[1], 1e-6)
}

func TestMonteCarloAdvantagesEqualRewardsNoNaN(t *testing.T) {
	// a zero-variance group must yield zero advantages, not NaN
	adv, err := monteCarloAdvantages(terminalRewards(1, 1, 1, 1), 4, CriticTypeGRPO)
	require.NoError(t, err)
	for _, a := range adv {
		require.Equal(t, 0.0, a)
	}
}

func TestMonteCarloAdvantagesBadGrouping(t *testing.T) {
	_, err := monteCarloAdvantages(terminalRewards(1, 0, 1), 2, CriticTypeDrGRPO)
	require.Error(t, err)
}

func TestGAEAdvantagesRecursion(t *testing.T) {
	rewards := [][]float64{{0, 0, 1}}
	values := [][]float64{{0.5, 0.5, 0.5}}
	masks := [][]float64{{1, 1, 1}}

	adv, returns := gaeAdvantages(rewards, values, masks, 1.0, 0.95)
	require.InDelta(t, 0.5, adv[0][2], 1e-12)
	require.InDelta(t, 0.475, adv[0][1], 1e-12)
	require.InDelta(t, 0.45125, adv[0][0], 1e-12)
	require.InDelta(t, 1.0, returns[0][2], 1e-12)
	require.InDelta(t, 0.975, returns[0][1], 1e-12)
	require.InDelta(t, 0.95125, returns[0][0], 1e-12)
}

func TestGAEAdvantagesSkipsMaskedPositions(t *testing.T) {
	// position 1 is padding: the recursion must bridge straight over it
	rewards := [][]float64{{0, 0, 1}}
	values := [][]float64{{0.25, 99, 0.5}}
	masks := [][]float64{{1, 0, 1}}

	adv, _ := gaeAdvantages(rewards, values, masks, 1.0, 1.0)
	require.Equal(t, 0.0, adv[0][1])
	require.InDelta(t, 0.5, adv[0][2], 1e-12)
	// delta at t=0 uses the value at t=2 as its successor
	require.InDelta(t, (0+0.5-0.25)+0.5, adv[0][0], 1e-12)
}
