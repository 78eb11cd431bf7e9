package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollatePadsToWidestRow(t *testing.T) {
	batch := &TrajectoryBatch{
		BatchID:    NewTrainingBatchID(),
		NumSamples: 2,
		Trajectories: []Trajectory{
			{
				PromptIDs:        []int{1, 2},
				ResponseIDs:      []int{3, 4, 5},
				ResponseLogprobs: []float64{-1, -1, -1},
				Rewards:          []float64{0, 0, 1},
				LossMask:         true,
			},
			{
				PromptIDs:        []int{1, 2},
				ResponseIDs:      []int{6},
				ResponseLogprobs: []float64{-2},
				Rewards:          []float64{0},
				LossMask:         false,
			},
		},
	}
	tb, err := Collate(batch)
	require.NoError(t, err)
	require.Equal(t, [][]int{{1, 2, 3, 4, 5}, {1, 2, 6, 0, 0}}, tb.InputIDs)
	require.Equal(t, [][]float64{{1, 1, 1, 1, 1}, {1, 1, 1, 0, 0}}, tb.AttnMask)
	require.Equal(t, []int{2, 2}, tb.PromptLens)
	require.Equal(t, []float64{1, 0}, tb.LossMasks)
	// rewards stay ragged at trajectory length
	require.Equal(t, [][]float64{{0, 0, 1}, {0}}, tb.Rewards)
}

func TestCollateRejectsMisalignedTrajectory(t *testing.T) {
	batch := &TrajectoryBatch{
		NumSamples: 1,
		Trajectories: []Trajectory{
			{
				PromptIDs:        []int{1},
				ResponseIDs:      []int{2, 3},
				ResponseLogprobs: []float64{-1},
				Rewards:          []float64{0, 0},
			},
		},
	}
	_, err := Collate(batch)
	require.Error(t, err)
}

func TestResponseMasksAlignment(t *testing.T) {
	attn := [][]float64{{1, 1, 1, 1, 1}, {1, 1, 1, 0, 0}}
	completion := completionMasks(attn, []int{2, 2})
	require.Equal(t, [][]float64{{0, 0, 1, 1, 1}, {0, 0, 1, 0, 0}}, completion)

	// position t of the response mask scores token t+1
	resp := responseMasks(completion)
	require.Equal(t, [][]float64{{0, 1, 1, 1}, {0, 1, 0, 0}}, resp)

	require.Equal(t, []int{3, 1}, eosIndices(resp))
}

func TestEOSIndexMissingResponse(t *testing.T) {
	resp := [][]float64{{0, 0, 0}}
	require.Equal(t, []int{-1}, eosIndices(resp))
}

func TestLastValidCol(t *testing.T) {
	require.Equal(t, 3, lastValidCol([][]float64{{1, 1, 1, 0}, {1, 0, 0, 0}}))
	require.Equal(t, 4, lastValidCol([][]float64{{1, 1, 1, 0}, {1, 1, 1, 1}}))
	require.Equal(t, 0, lastValidCol(nil))
}

func TestTrimCols(t *testing.T) {
	m := [][]float64{{1, 2, 3}, {4, 5, 6}}
	trimmed := trimColsFloat(m, 2)
	require.Equal(t, [][]float64{{1, 2}, {4, 5}}, trimmed)
	// trims share backing storage, they are views not copies
	trimmed[0][0] = 9
	require.Equal(t, 9.0, m[0][0])
}

func TestMaskedMean(t *testing.T) {
	require.InDelta(t, 2.0, maskedMean(
		[][]float64{{1, 3, 100}}, [][]float64{{1, 1, 0}}), 1e-12)
	require.Equal(t, 0.0, maskedMean([][]float64{{5}}, [][]float64{{0}}))

	// token-weighted across rows: a long row counts per token, not as
	// one sample
	vals := [][]float64{{2, 2, 2}, {8, 0, 0}}
	masks := [][]float64{{1, 1, 1}, {1, 0, 0}}
	require.InDelta(t, 3.5, maskedMean(vals, masks), 1e-12)
}
