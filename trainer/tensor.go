package main

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// The learner operates on row-major [sequence][position] float64 slices.
// Position t of a width-(W-1) "response" tensor scores token t+1 of the
// corresponding width-W input row, mirroring a causal LM shift.

// TensorBatch is a TrajectoryBatch padded into fixed-width tensors for
// one learner update.
type TensorBatch struct {
	InputIDs [][]int
	AttnMask [][]float64
	// Rewards stays ragged per trajectory (one value per response token).
	Rewards    [][]float64
	PromptLens []int
	LossMasks  []float64
	NumSamples int
}

// Collate pads a trajectory batch into tensors. Groups are assumed
// adjacent, as packaged by the rollout collector.
func Collate(batch *TrajectoryBatch) (*TensorBatch, error) {
	n := len(batch.Trajectories)
	if n == 0 {
		return nil, fmt.Errorf("empty trajectory batch %s", batch.BatchID)
	}
	width := 0
	for i := range batch.Trajectories {
		t := &batch.Trajectories[i]
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if l := len(t.PromptIDs) + len(t.ResponseIDs); l > width {
			width = l
		}
	}
	tb := &TensorBatch{
		InputIDs:   make([][]int, n),
		AttnMask:   make([][]float64, n),
		Rewards:    make([][]float64, n),
		PromptLens: make([]int, n),
		LossMasks:  make([]float64, n),
		NumSamples: batch.NumSamples,
	}
	for i := range batch.Trajectories {
		t := &batch.Trajectories[i]
		ids := make([]int, width)
		attn := make([]float64, width)
		pos := 0
		for _, id := range t.PromptIDs {
			ids[pos] = id
			attn[pos] = 1
			pos++
		}
		for _, id := range t.ResponseIDs {
			ids[pos] = id
			attn[pos] = 1
			pos++
		}
		tb.InputIDs[i] = ids
		tb.AttnMask[i] = attn
		tb.Rewards[i] = append([]float64(nil), t.Rewards...)
		tb.PromptLens[i] = len(t.PromptIDs)
		if t.LossMask {
			tb.LossMasks[i] = 1
		}
	}
	return tb, nil
}

// completionMasks marks which input positions are response tokens.
func completionMasks(attnMask [][]float64, promptLens []int) [][]float64 {
	masks := make([][]float64, len(attnMask))
	for i, attn := range attnMask {
		mask := make([]float64, len(attn))
		for t := range attn {
			if attn[t] != 0 && t >= promptLens[i] {
				mask[t] = 1
			}
		}
		masks[i] = mask
	}
	return masks
}

// responseMasks drops the first column of the completion masks so the
// result aligns with next-token scores.
func responseMasks(completionMasks [][]float64) [][]float64 {
	masks := make([][]float64, len(completionMasks))
	for i, mask := range completionMasks {
		masks[i] = mask[1:]
	}
	return masks
}

// eosIndices finds each sequence's last valid response position
// (-1 when a row has no response tokens at all).
func eosIndices(responseMasks [][]float64) []int {
	inds := make([]int, len(responseMasks))
	for i, mask := range responseMasks {
		inds[i] = -1
		for t := len(mask) - 1; t >= 0; t-- {
			if mask[t] != 0 {
				inds[i] = t
				break
			}
		}
	}
	return inds
}

// lastValidCol returns the first column with no valid attention in any
// row, i.e. the width the batch can be trimmed to without changing the
// loss. Degenerate all-zero batches fall back to the full width.
func lastValidCol(attnMask [][]float64) int {
	if len(attnMask) == 0 {
		return 0
	}
	width := len(attnMask[0])
	for c := 0; c < width; c++ {
		count := 0.0
		for i := range attnMask {
			count += attnMask[i][c]
		}
		if count == 0 {
			return c
		}
	}
	return width
}

// maskedMean averages the masked values across all rows, weighting
// every token equally regardless of row length.
func maskedMean(values, masks [][]float64) float64 {
	sum, count := 0.0, 0.0
	for i := range values {
		count += floats.Sum(masks[i])
		for t := range values[i] {
			sum += values[i][t] * masks[i][t]
		}
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

func gatherRowsFloat(m [][]float64, inds []int) [][]float64 {
	out := make([][]float64, len(inds))
	for i, ind := range inds {
		out[i] = m[ind]
	}
	return out
}

func gatherRowsInt(m [][]int, inds []int) [][]int {
	out := make([][]int, len(inds))
	for i, ind := range inds {
		out[i] = m[ind]
	}
	return out
}

func gatherFloat(v []float64, inds []int) []float64 {
	out := make([]float64, len(inds))
	for i, ind := range inds {
		out[i] = v[ind]
	}
	return out
}

// trimColsFloat narrows every row to the first w columns (no copy).
func trimColsFloat(m [][]float64, w int) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = m[i][:w]
	}
	return out
}

func trimColsInt(m [][]int, w int) [][]int {
	out := make([][]int, len(m))
	for i := range m {
		out[i] = m[i][:w]
	}
	return out
}

func zeros(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
