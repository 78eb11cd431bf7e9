package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOracleGrades(t *testing.T) {
	oracle := NewRewardOracle(context.Background(), boxedReward(false))
	defer oracle.Close()

	rewards, infos := oracle.GetReward(
		[]string{"so \\boxed{42}", "so \\boxed{41}", "no idea"},
		[]string{"42", "42", "42"},
	)
	require.Equal(t, []float64{1, 0, 0}, rewards)
	require.True(t, infos[0].Formatted)
	require.True(t, infos[1].Formatted)
	require.False(t, infos[2].Formatted)
}

func TestOracleRecoversFromPanic(t *testing.T) {
	panicky := func(response, reference string) (GradeInfo, float64) {
		if response == "boom" {
			panic("bad input")
		}
		return GradeInfo{Formatted: true}, 1
	}
	oracle := NewRewardOracle(context.Background(), panicky)
	defer oracle.Close()

	rewards, infos := oracle.GetReward([]string{"boom", "fine"}, []string{"", ""})
	require.Equal(t, 0.0, rewards[0])
	require.False(t, infos[0].Formatted)
	require.Equal(t, 1.0, rewards[1])
	require.True(t, infos[1].Formatted)
}

func TestOracleTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := func(response, reference string) (GradeInfo, float64) {
		if response == "slow" {
			<-block
		}
		return GradeInfo{Formatted: true}, 1
	}
	oracle := NewRewardOracle(context.Background(), slow)
	oracle.timeout = 100 * time.Millisecond
	defer oracle.Close()

	// jam both workers, then confirm the next call is still bounded by
	// roughly one timeout and scores 0
	start := time.Now()
	rewards, infos := oracle.GetReward(
		[]string{"slow", "slow", "fast"},
		[]string{"", "", ""},
	)
	elapsed := time.Since(start)
	require.Equal(t, []float64{0, 0, 0}, rewards)
	for _, info := range infos {
		require.False(t, info.Formatted)
	}
	require.Less(t, elapsed, 3*150*time.Millisecond)
}

func TestOracleCompare(t *testing.T) {
	oracle := NewRewardOracle(context.Background(), GradeFuncForTemplate("qwen_math", "latest"))
	defer oracle.Close()

	wins, _ := oracle.Compare(
		[]string{"\\boxed{7}", "\\boxed{3}"},
		[]string{"\\boxed{7}", "\\boxed{4}"},
	)
	require.Equal(t, []float64{1, 0}, wins)
}
