// Pluggable batch weight accounting. A CostModel turns the shape of a
// projected batch into a scalar "weight" the queue state compares against
// configured limits; two variants are provided, mirroring the two ways a
// backend might lay out a batch in memory: packed (flash-attention style,
// no padding) or rectangular (padded to the batch's longest sequence).

package scheduler

import "sort"

// projectedEntry is one row of the multiset a CostModel reasons over when
// deciding whether adding a candidate entry would blow a weight limit.
type projectedEntry struct {
	ID              uint64
	RemainingOutput uint32
	CurrentInput    uint32
}

// CostModel computes batch weights under a particular backend memory
// layout assumption.
type CostModel interface {
	Name() string

	// ZeroStats returns the identity value accumulated into via UpdateStats.
	ZeroStats() any

	// UpdateStats folds one entry's (inputLen, outputLen) into stats and
	// returns the updated stats.
	UpdateStats(stats any, inputLen, outputLen uint32) any

	// BatchWeight returns the weight of a batch with the given stats and
	// total entry count.
	BatchWeight(stats any, batchSize uint32) uint64

	// PrefillWeight returns the weight of running a batch's prefill pass.
	PrefillWeight(stats any, batchSize uint32) uint64

	// ExceedsWeight reports whether the given projected multiset of entries
	// (existing plus candidates) would exceed maxWeight at some point during
	// decoding, accounting for entries finishing early. Only tiers whose
	// remaining output is at most currentOutputLen (the remaining output of
	// the candidate just added) are checked.
	ExceedsWeight(entries []projectedEntry, maxWeight uint64, currentOutputLen uint32) bool
}

// NewCostModel constructs a CostModel by name, panicking on an unknown
// name the way NewScheduler/NewAdmissionPolicy do for unknown policy names.
func NewCostModel(name string) CostModel {
	switch name {
	case "flash":
		return FlashCostModel{}
	case "padded":
		return PaddedCostModel{}
	default:
		panic("scheduler: unknown cost model " + name)
	}
}

// FlashCostModel accounts for batches laid out without padding: stats is
// simply the running sum of (inputLen+outputLen) across entries.
type FlashCostModel struct{}

func (FlashCostModel) Name() string { return "flash" }

func (FlashCostModel) ZeroStats() any { return uint64(0) }

func (FlashCostModel) UpdateStats(stats any, inputLen, outputLen uint32) any {
	return stats.(uint64) + uint64(inputLen) + uint64(outputLen)
}

func (FlashCostModel) BatchWeight(stats any, _ uint32) uint64 {
	return stats.(uint64)
}

func (FlashCostModel) PrefillWeight(stats any, _ uint32) uint64 {
	return stats.(uint64)
}

// ExceedsWeight walks the candidate multiset from longest remaining output
// to shortest. At each rank bs (0-indexed, counting from the end) it asks:
// once every entry ranked after this one (shorter remaining output) has
// finished, would the input tokens of the bs+1 entries still resident plus
// their remaining output tokens exceed maxWeight? This mirrors scanning a
// BTreeSet of (remaining_output, current_input, id) tuples in reverse.
func (FlashCostModel) ExceedsWeight(entries []projectedEntry, maxWeight uint64, currentOutputLen uint32) bool {
	sorted := sortedDescending(entries)
	var inputSum uint64
	for bs, e := range sorted {
		inputSum += uint64(e.CurrentInput)
		// Tiers with a longer remaining output than currentOutputLen were
		// already checked in a prior call against their own (shorter at the
		// time) currentOutputLen; re-checking them here would test a tier
		// the candidate doesn't actually reach.
		if e.RemainingOutput > currentOutputLen {
			continue
		}
		total := inputSum + uint64(bs+1)*uint64(e.RemainingOutput)
		if total > maxWeight {
			return true
		}
	}
	return false
}

// PaddedCostModel accounts for batches laid out as a rectangle padded to
// the longest sequence: stats tracks the running max input and output
// length seen so far.
type PaddedCostModel struct{}

type paddedStats struct {
	MaxInput  uint32
	MaxOutput uint32
}

func (PaddedCostModel) Name() string { return "padded" }

func (PaddedCostModel) ZeroStats() any { return paddedStats{} }

func (PaddedCostModel) UpdateStats(stats any, inputLen, outputLen uint32) any {
	s := stats.(paddedStats)
	if inputLen > s.MaxInput {
		s.MaxInput = inputLen
	}
	if outputLen > s.MaxOutput {
		s.MaxOutput = outputLen
	}
	return s
}

func (PaddedCostModel) BatchWeight(stats any, batchSize uint32) uint64 {
	s := stats.(paddedStats)
	side := uint64(s.MaxInput) + uint64(s.MaxOutput)
	return uint64(batchSize) * side * side
}

func (PaddedCostModel) PrefillWeight(stats any, batchSize uint32) uint64 {
	s := stats.(paddedStats)
	return uint64(batchSize) * isqrtU64(uint64(s.MaxInput)*uint64(s.MaxInput)*uint64(s.MaxInput))
}

// ExceedsWeight mirrors the flash variant's reverse scan, but the running
// tracked quantity is the max input length seen so far among entries that
// share (or exceed) the current tier's remaining-output length, since a
// padded batch is only as wide as its widest member at any given tier.
func (PaddedCostModel) ExceedsWeight(entries []projectedEntry, maxWeight uint64, currentOutputLen uint32) bool {
	sorted := sortedDescending(entries)
	var maxInput uint32
	lastOutput := uint32(0)
	first := true
	for bs, e := range sorted {
		if e.RemainingOutput != lastOutput || first {
			maxInput = maxU32(maxInput, e.CurrentInput)
			// Tiers with a longer remaining output than currentOutputLen
			// were already checked in a prior call against their own
			// (shorter at the time) currentOutputLen.
			if e.RemainingOutput <= currentOutputLen {
				side := uint64(maxInput) + uint64(e.RemainingOutput)
				total := uint64(bs+1) * side * side
				if total > maxWeight {
					return true
				}
			}
			lastOutput = e.RemainingOutput
		}
		first = false
	}
	return false
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// sortedDescending orders entries by (RemainingOutput, CurrentInput, ID)
// descending, the Go equivalent of iterating a Rust BTreeSet in reverse.
func sortedDescending(entries []projectedEntry) []projectedEntry {
	sorted := make([]projectedEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.RemainingOutput != b.RemainingOutput {
			return a.RemainingOutput > b.RemainingOutput
		}
		if a.CurrentInput != b.CurrentInput {
			return a.CurrentInput > b.CurrentInput
		}
		return a.ID > b.ID
	})
	return sorted
}

// isqrtU64 returns floor(sqrt(n)) using Newton's method on unsigned
// 64-bit integers, avoiding the precision loss float64 sqrt would
// introduce for the cube values this package computes (up to ~1e18).
func isqrtU64(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
