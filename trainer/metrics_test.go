package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatRecorder(t *testing.T) {
	s := newStatRecorder()
	s.Append("x", 1)
	s.Append("x", 3)
	s.Append("x", 2)
	require.Equal(t, 3.0, s.Max("x"))
	require.Equal(t, 1.0, s.Min("x"))
	require.Equal(t, 2.0, s.Mean("x"))
	require.Equal(t, 6.0, s.Sum("x"))

	// unknown keys are zero, not a panic
	require.Equal(t, 0.0, s.Max("missing"))
	require.Equal(t, 0.0, s.Sum("missing"))
}

func TestStatRecorderPropagatesNaN(t *testing.T) {
	s := newStatRecorder()
	s.Append("x", 1)
	s.Append("x", math.NaN())
	require.True(t, math.IsNaN(s.Max("x")))
	require.True(t, math.IsNaN(s.Min("x")))
}

func TestStatRecorderFoldInto(t *testing.T) {
	s := newStatRecorder()
	s.Append("x", 1)
	s.Append("x", math.NaN())
	s.Append("x", math.Inf(1))
	s.Append("y", 2)

	m := Metric{}
	s.FoldInto(m)
	require.Equal(t, 1.0, m["x_nan"])
	require.Equal(t, 1.0, m["x_inf"])
	require.Equal(t, 0.0, m["y_nan"])
	require.Equal(t, 0.0, m["y_inf"])
}
