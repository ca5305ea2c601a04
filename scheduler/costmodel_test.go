package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCostModel_UnknownName_Panics(t *testing.T) {
	assert.Panics(t, func() { NewCostModel("nonexistent") })
}

func TestFlashCostModel_BatchWeight_IsTotalTokens(t *testing.T) {
	m := FlashCostModel{}
	stats := m.ZeroStats()
	stats = m.UpdateStats(stats, 10, 5)
	stats = m.UpdateStats(stats, 20, 10)
	assert.Equal(t, uint64(45), m.BatchWeight(stats, 2))
	assert.Equal(t, uint64(45), m.PrefillWeight(stats, 2))
}

func TestFlashCostModel_ExceedsWeight(t *testing.T) {
	m := FlashCostModel{}
	entries := []projectedEntry{
		{ID: 1, RemainingOutput: 10, CurrentInput: 5},
		{ID: 2, RemainingOutput: 5, CurrentInput: 5},
	}
	// rank0 (RemainingOutput=10): inputSum=5, total=5+1*10=15
	// rank1 (RemainingOutput=5): inputSum=10, total=10+2*5=20
	assert.False(t, m.ExceedsWeight(entries, 20, 10))
	assert.True(t, m.ExceedsWeight(entries, 19, 10))
}

func TestFlashCostModel_ExceedsWeight_SkipsTiersLongerThanCurrentOutputLen(t *testing.T) {
	m := FlashCostModel{}
	entries := []projectedEntry{
		{ID: 1, RemainingOutput: 20, CurrentInput: 100}, // longer tier, checked in a prior call
		{ID: 2, RemainingOutput: 5, CurrentInput: 5},
	}
	// Without the this_ol<=current_output_len filter, rank0 alone
	// (inputSum=100, total=100+1*20=120) would trip a 119 limit even though
	// the candidate's own tier (rank1: inputSum=105, total=105+2*5=115) fits.
	assert.False(t, m.ExceedsWeight(entries, 119, 5))
}

func TestPaddedCostModel_BatchWeight_IsRectangle(t *testing.T) {
	m := PaddedCostModel{}
	stats := m.ZeroStats()
	stats = m.UpdateStats(stats, 10, 5)
	stats = m.UpdateStats(stats, 20, 1)
	// max input 20, max output 5 -> side 25, batch_size 2 -> 2*625=1250
	assert.Equal(t, uint64(1250), m.BatchWeight(stats, 2))
}

func TestPaddedCostModel_ExceedsWeight_SkipsTiersLongerThanCurrentOutputLen(t *testing.T) {
	m := PaddedCostModel{}
	entries := []projectedEntry{
		{ID: 1, RemainingOutput: 20, CurrentInput: 10}, // longer tier, checked in a prior call
		{ID: 2, RemainingOutput: 5, CurrentInput: 5},
	}
	// Without the this_ol<=current_output_len filter, the rank0 tier alone
	// (side=10+20=30, total=1*900=900) would trip an 899 limit even though
	// the candidate's own tier (rank1: side=10+5=15, total=2*225=450) fits.
	assert.False(t, m.ExceedsWeight(entries, 899, 5))
}

func TestPaddedCostModel_PrefillWeight_IsIntegerSqrtOfCube(t *testing.T) {
	m := PaddedCostModel{}
	stats := m.ZeroStats()
	stats = m.UpdateStats(stats, 4, 0)
	// max_input^3 = 64, isqrt(64) = 8
	assert.Equal(t, uint64(8), m.PrefillWeight(stats, 1))
}

func TestIsqrtU64(t *testing.T) {
	cases := map[uint64]uint64{0: 0, 1: 1, 4: 2, 8: 2, 9: 3, 15: 3, 16: 4, 1_000_000: 1000}
	for n, want := range cases {
		require.Equal(t, want, isqrtU64(n), "isqrt(%d)", n)
	}
}

func TestSortedDescending_OrdersByOutputThenInputThenID(t *testing.T) {
	entries := []projectedEntry{
		{ID: 1, RemainingOutput: 5, CurrentInput: 10},
		{ID: 2, RemainingOutput: 10, CurrentInput: 1},
		{ID: 3, RemainingOutput: 10, CurrentInput: 5},
	}
	sorted := sortedDescending(entries)
	require.Len(t, sorted, 3)
	assert.Equal(t, uint64(3), sorted[0].ID)
	assert.Equal(t, uint64(2), sorted[1].ID)
	assert.Equal(t, uint64(1), sorted[2].ID)
}
