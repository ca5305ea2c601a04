package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() BatchingConfig {
	return BatchingConfig{
		SizeLimit:          4,
		WeightLimit:        1000,
		PrefillWeightLimit: 1000,
		WaitingServedRatio: 0.3,
		MaxWaitingTokens:   20,
	}
}

func TestState_NextBatch_EmptyWaiting_ReturnsNil(t *testing.T) {
	s := newState(testConfig(), FlashCostModel{})
	res := s.nextBatch(NextBatchRequest{})
	assert.Nil(t, res.Batch)
}

func TestState_NextBatch_AdmitsSingleEntry(t *testing.T) {
	s := newState(testConfig(), FlashCostModel{})
	e := newTestEntry(5)
	s.append(e)

	res := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch)
	assert.Equal(t, uint32(1), res.Batch.Size)
	assert.Equal(t, 0, s.len())
}

func TestState_NextBatch_BatchMaxTokensIsActualWeightNotLimit(t *testing.T) {
	// Batch.MaxTokens must carry the batch's own computed weight so the
	// loop can later subtract it from the configured limit to get a
	// remaining extension budget; if it carried the limit itself that
	// budget would always be zero and extension would never happen.
	cfg := testConfig()
	cfg.WeightLimit = 1000
	s := newState(cfg, FlashCostModel{})
	e := newTestEntry(5)
	e.Request.InputIDs = []int32{1, 2, 3}
	s.append(e)

	res := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch)
	assert.Equal(t, uint64(8), res.Batch.MaxTokens, "flash weight = input(3) + remaining(5)")
	assert.NotEqual(t, cfg.WeightLimit, res.Batch.MaxTokens)
}

func TestState_NextBatch_SkipsClosedEntries(t *testing.T) {
	s := newState(testConfig(), FlashCostModel{})
	closed := newTestEntry(5)
	closed.Stream.Close()
	live := newTestEntry(5)
	s.append(closed)
	s.append(live)

	res := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch)
	assert.Equal(t, uint32(1), res.Batch.Size)
	assert.Equal(t, live.ID, res.Batch.Requests[0].ID)
}

func TestState_NextBatch_RespectsSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.SizeLimit = 1
	s := newState(cfg, FlashCostModel{})
	a := newTestEntry(5)
	b := newTestEntry(5)
	s.append(a)
	s.append(b)

	res := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch)
	assert.Equal(t, uint32(1), res.Batch.Size)
	assert.Equal(t, 1, s.len(), "second entry stays waiting")
}

func TestState_NextBatch_CutoffAllowsBypassShortlyAfterBlocker(t *testing.T) {
	// The cutoff rule is about the *bypassing* entry's own arrival time
	// relative to the blocker's queue_time, not about how long the blocker
	// itself has aged: small arrives moments after big and must be admitted
	// in this very call, without waiting a full CutoffDuration.
	cfg := testConfig()
	cfg.WeightLimit = 10 // small enough that a big head entry alone exceeds it
	s := newState(cfg, FlashCostModel{})

	big := newTestEntry(100)
	big.Request.InputIDs = make([]int32, 50)
	small := newTestEntry(1)

	s.append(big)
	s.append(small) // arrives immediately after big, well within CutoffDuration

	res := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch, "small must be admitted without waiting for big to age")
	ids := make([]uint64, 0)
	for _, r := range res.Batch.Requests {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, small.ID)
	assert.NotContains(t, ids, big.ID)
}

func TestState_NextBatch_CutoffExcludesEntriesArrivingAfterWindow(t *testing.T) {
	// An entry arriving well after a blocker's cutoff window must not be
	// folded into the same pass: the scan stops once it reaches an entry
	// whose queue_time exceeds the blocker's queue_time + CutoffDuration.
	cfg := testConfig()
	cfg.WeightLimit = 10
	s := newState(cfg, FlashCostModel{})

	big := newTestEntry(100)
	big.Request.InputIDs = make([]int32, 50)
	s.append(big)

	late := newTestEntry(1)
	s.append(late)
	late.QueueTime = big.QueueTime.Add(2 * CutoffDuration)

	res := s.nextBatch(NextBatchRequest{})
	assert.Nil(t, res.Batch, "entry arriving after the cutoff window must not bypass in this pass")
}

func TestState_NextBatch_CheckedRequestCountResumesScanPosition(t *testing.T) {
	// checkedRequestCount must be wired into where the scan resumes, not
	// merely written and forgotten: once a pass rejects everything, the
	// cursor remembers how far it got so a later call can skip straight
	// past the already-rejected head entry instead of re-deriving a fresh
	// (and here, wrongly restrictive) cutoff against it.
	cfg := testConfig()
	cfg.WeightLimit = 10 // big alone exceeds this
	s := newState(cfg, FlashCostModel{})

	big := newTestEntry(100)
	big.Request.InputIDs = make([]int32, 50)
	s.append(big)

	res := s.nextBatch(NextBatchRequest{})
	require.Nil(t, res.Batch)
	require.Equal(t, 1, s.checkedRequestCount, "the rejected head entry must be remembered as scanned")

	late := newTestEntry(1)
	s.append(late)
	late.QueueTime = big.QueueTime.Add(2 * CutoffDuration) // arrives long after big's cutoff window

	res2 := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res2.Batch, "the cursor should let the scan resume past big without re-deriving a cutoff from it")
	require.Len(t, res2.Batch.Requests, 1)
	assert.Equal(t, late.ID, res2.Batch.Requests[0].ID)
}

func TestState_NextBatch_ExtensionFloorBlocksThinBacklog(t *testing.T) {
	cfg := testConfig()
	cfg.WeightLimit = 1_000_000
	s := newState(cfg, FlashCostModel{})

	existingEntry := newTestEntry(5)
	existingEntry.BatchTime = time.Now()
	existing := map[uint64]*Entry{existingEntry.ID: existingEntry}

	tiny := newTestEntry(1)
	tiny.Request.InputIDs = []int32{1}
	s.append(tiny)

	minSize := uint32(5) // unreachable floor given only 1 candidate waiting
	res := s.nextBatch(NextBatchRequest{Existing: existing, MinSize: &minSize})
	assert.Nil(t, res.Batch)
	assert.Equal(t, 1, s.len(), "entry returned to the waiting list")
}

func TestState_NextBatch_WindowSizeTruncatesInputForWeight(t *testing.T) {
	cfg := testConfig()
	cfg.CostModel = "padded"
	cfg.WindowSize = 10
	cfg.WeightLimit = 1_000_000
	s := newState(cfg, PaddedCostModel{})

	e := newTestEntry(1)
	e.Request.InputIDs = make([]int32, 500) // would blow the weight limit untruncated
	s.append(e)

	res := s.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch, "window_size should cap accounted input length")
}

func TestState_NextBatch_SpeculateAddsToAccountedRemaining(t *testing.T) {
	// flash weight for a single candidate is input + remaining; with
	// weightLimit=10 an entry of input=3/remaining=7 fits exactly, but
	// padding remaining by speculate=5 pushes it over the limit.
	cfg := testConfig()
	cfg.WeightLimit = 10
	cfg.CostModel = "flash"

	baseline := newState(cfg, FlashCostModel{})
	fits := newTestEntry(7)
	fits.Request.InputIDs = []int32{1, 2, 3}
	baseline.append(fits)
	res := baseline.nextBatch(NextBatchRequest{})
	require.NotNil(t, res.Batch, "fits without speculate padding")

	cfg.Speculate = 5
	speculating := newState(cfg, FlashCostModel{})
	excluded := newTestEntry(7)
	excluded.Request.InputIDs = []int32{1, 2, 3}
	speculating.append(excluded)
	res2 := speculating.nextBatch(NextBatchRequest{})
	assert.Nil(t, res2.Batch, "speculate padding should push the same entry over the limit")
}

func TestState_NextBatch_MaxWaitingDurationBypassesFloor(t *testing.T) {
	cfg := testConfig()
	cfg.WeightLimit = 1_000_000
	s := newState(cfg, FlashCostModel{})

	existingEntry := newTestEntry(5)
	existing := map[uint64]*Entry{existingEntry.ID: existingEntry}

	aged := newTestEntry(1)
	aged.Request.InputIDs = []int32{1}
	s.append(aged)
	aged.QueueTime = time.Now().Add(-2 * MaxWaitingDuration)

	minSize := uint32(5)
	res := s.nextBatch(NextBatchRequest{Existing: existing, MinSize: &minSize})
	require.NotNil(t, res.Batch)
	assert.Equal(t, uint32(1), res.Batch.Size)
}
