// The queue's batch-selection algorithm: given the set of waiting entries
// and (optionally) an already-running batch, decide which waiting entries
// to admit into the next batch without exceeding configured size or
// weight limits. Owned exclusively by the actor goroutine in queue.go.

package scheduler

import (
	"container/list"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxWaitingDuration is how long the head of the waiting list may wait
// before an extension pass stops applying its minimum-size/weight floor.
const MaxWaitingDuration = time.Second

// CutoffDuration bounds how much later than a rejected (blocking) entry
// another entry may have arrived and still be admitted ahead of it in the
// same selection pass.
const CutoffDuration = time.Second

// NextBatchRequest parameterizes one call to state.nextBatch. Existing is
// nil for the very first batch formed from an idle queue. The override
// fields let the batching loop constrain an extension pass more tightly
// than the queue's static BatchingConfig; a nil override falls back to the
// configured default.
type NextBatchRequest struct {
	Existing           map[uint64]*Entry
	MinSize            *uint32
	MaxSize            *uint32
	PrefillWeightLimit *uint64
	WeightLimit        *uint64
}

// NextBatchResult is what a selection pass produces: the (possibly
// unchanged) existing batch map and, if anything was admitted, a fresh
// Batch to send to the backend.
type NextBatchResult struct {
	Existing map[uint64]*Entry
	Batch    *Batch
}

// state holds the waiting queue and cursor bookkeeping. It must only be
// touched from the actor goroutine that owns it.
type state struct {
	config BatchingConfig
	model  CostModel

	waiting     *list.List // of *Entry, FIFO order
	nextID      uint64
	nextBatchID uint64

	// checkedRequestCount / lastSeenBatchSize implement the scan cursor:
	// once a pass has examined the first N waiting entries without emitting
	// a batch (they were rejected, or put back by the floor check), a later
	// call resumes after them as long as the existing batch's size hasn't
	// changed since.
	checkedRequestCount int
	lastSeenBatchSize   uint32

	bufferContentsInsufficient bool
}

func newState(cfg BatchingConfig, model CostModel) *state {
	return &state{
		config:      cfg,
		model:       model,
		waiting:     list.New(),
		nextBatchID: 1,
	}
}

// append adds a newly admitted entry to the back of the waiting list and
// assigns it an internal id.
func (s *state) append(e *Entry) {
	s.nextID++
	e.ID = s.nextID
	e.QueueTime = time.Now()
	s.waiting.PushBack(e)
}

// nextBatch implements spec.md §4.2's selection algorithm.
func (s *state) nextBatch(req NextBatchRequest) NextBatchResult {
	now := time.Now()

	sizeLimit := s.config.SizeLimit
	if req.MaxSize != nil {
		sizeLimit = *req.MaxSize
	}
	weightLimit := s.config.WeightLimit
	if req.WeightLimit != nil {
		weightLimit = *req.WeightLimit
	}
	prefillWeightLimit := s.config.PrefillWeightLimit
	if req.PrefillWeightLimit != nil {
		prefillWeightLimit = *req.PrefillWeightLimit
	}

	existing := req.Existing
	existingSize := uint32(0)
	if existing != nil {
		existingSize = uint32(len(existing))
	}

	// 1. Reset the cursor if the existing batch's size changed since the
	// last call — the set of entries we previously verified fit no longer
	// applies once the batch shape it was verified against has changed.
	if existingSize != s.lastSeenBatchSize {
		s.checkedRequestCount = 0
		s.bufferContentsInsufficient = false
	}
	s.lastSeenBatchSize = existingSize

	// Prune cancelled entries from the front of the queue so waiting-time
	// checks stay accurate. Removing from the front invalidates any cached
	// scan position, since indices the cursor remembers would now point
	// past where they did before.
	for front := s.waiting.Front(); front != nil; front = s.waiting.Front() {
		if !front.Value.(*Entry).Stream.Closed() {
			break
		}
		s.waiting.Remove(front)
		s.checkedRequestCount = 0
	}

	if s.waiting.Len() == 0 {
		return NextBatchResult{Existing: existing}
	}

	// 2. If the last attempt already determined the backlog is too thin to
	// justify a selection pass, and nothing has arrived since, short
	// circuit. (The actor calls append() between calls when new entries
	// arrive, which is reflected in waiting.Len() growing; we only trust
	// this flag when the list length hasn't grown past what was checked.)
	if s.bufferContentsInsufficient && s.waiting.Len() <= s.checkedRequestCount {
		return NextBatchResult{Existing: existing}
	}

	stats := s.model.ZeroStats()
	prefillStats := s.model.ZeroStats()
	var chosen []*Entry
	var projected []projectedEntry
	hitPrefillWeightLimit := false

	// Seed stats/projected with the existing batch's entries so weight
	// checks reflect the batch as it stands, not just the candidates.
	for _, e := range existing {
		remaining := uint32(0)
		if e.Request.Stopping.MaxNewTokens > e.GeneratedTokens {
			remaining = s.effectiveRemaining(e.Request.Stopping.MaxNewTokens - e.GeneratedTokens)
		}
		input := s.effectiveInput(e.Request.InputLength() + e.GeneratedTokens)
		projected = append(projected, projectedEntry{
			ID:              e.ID,
			RemainingOutput: remaining,
			CurrentInput:    input,
		})
		stats = s.model.UpdateStats(stats, input, remaining)
	}

	totalCount := existingSize

	// Capture the oldest waiting entry's age before the selection loop
	// consumes it, since step 9's floor-bypass check is about how long the
	// backlog's head had been waiting at the start of this pass, not about
	// whatever happens to remain once selection has run.
	var oldestWaitingAge time.Duration
	if front := s.waiting.Front(); front != nil {
		oldestWaitingAge = front.Value.(*Entry).waitingDuration(now)
	}

	// Resume scanning where the previous call to nextBatch left off: entries
	// before this point were examined by that call without being emitted
	// (rejected, or put back by the floor check), so there's no need to
	// re-examine them until the batch's shape changes (handled by the
	// lastSeenBatchSize reset above).
	node := s.waiting.Front()
	index := 0
	for index < s.checkedRequestCount && node != nil {
		node = node.Next()
		index++
	}

	// cutoff is set the first time a candidate is rejected, to the
	// rejecting entry's own queue_time + CutoffDuration. Once set, any
	// later entry that arrived after the cutoff stops the scan: it hasn't
	// waited long enough to justify cutting ahead of whatever is blocking
	// the batch. This lets a small entry that arrived moments after a
	// blocking giant bypass it immediately, while bounding how much later
	// an admitted entry may have arrived relative to the blocker.
	var cutoff *time.Time

	for node != nil {
		e := node.Value.(*Entry)
		next := node.Next()

		if cutoff != nil && e.QueueTime.After(*cutoff) {
			break
		}

		// 3. Drop entries whose caller has already stopped listening.
		if e.Stream.Closed() {
			s.waiting.Remove(node)
			node = next
			continue
		}

		candidateInput := s.effectiveInput(e.Request.InputLength())
		candidateRemaining := s.effectiveRemaining(e.Request.Stopping.MaxNewTokens)

		wouldExceedSize := totalCount+1 > sizeLimit
		projectedCandidate := append(append([]projectedEntry{}, projected...), projectedEntry{
			ID:              e.ID,
			RemainingOutput: candidateRemaining,
			CurrentInput:    candidateInput,
		})
		wouldExceedWeight := s.model.ExceedsWeight(projectedCandidate, weightLimit, candidateRemaining)

		if wouldExceedSize || wouldExceedWeight {
			if cutoff == nil {
				t := e.QueueTime.Add(CutoffDuration)
				cutoff = &t
			}
			node = next
			index++
			continue
		}

		// The prefill pass only runs the newly chosen entries, so its weight
		// covers those plus this candidate, not the existing batch.
		candidatePrefill := s.model.UpdateStats(prefillStats, candidateInput, candidateRemaining)
		prefillWeight := s.model.PrefillWeight(candidatePrefill, uint32(len(chosen))+1)
		if prefillWeight > prefillWeightLimit {
			hitPrefillWeightLimit = true
			if cutoff == nil {
				t := e.QueueTime.Add(CutoffDuration)
				cutoff = &t
			}
			node = next
			index++
			continue
		}

		chosen = append(chosen, e)
		projected = projectedCandidate
		stats = s.model.UpdateStats(stats, candidateInput, candidateRemaining)
		prefillStats = candidatePrefill
		totalCount++
		toRemove := node
		node = next
		s.waiting.Remove(toRemove)
		index++

		if totalCount >= sizeLimit {
			break
		}
	}

	if len(chosen) == 0 {
		// Nothing fit this pass; remember how far the scan got so the next
		// call doesn't redo this work unless the existing batch's shape
		// changes.
		s.checkedRequestCount = index
		return NextBatchResult{Existing: existing}
	}
	s.checkedRequestCount = 0

	// 9. Floor check: an extension pass must admit "enough" new work to be
	// worth the backend round trip, unless the head has aged past
	// MaxWaitingDuration.
	if existing != nil && !hitPrefillWeightLimit {
		headAged := oldestWaitingAge > MaxWaitingDuration
		if !headAged {
			floorMet := true
			if req.MinSize != nil {
				floorMet = uint32(len(chosen)) >= *req.MinSize
			} else {
				floorMet = s.model.BatchWeight(stats, totalCount) >= weightLimit/2
			}
			if !floorMet {
				// put chosen entries back at the front, preserving order
				for i := len(chosen) - 1; i >= 0; i-- {
					s.waiting.PushFront(chosen[i])
				}
				s.bufferContentsInsufficient = true
				s.checkedRequestCount = index
				return NextBatchResult{Existing: existing}
			}
		}
	}

	s.bufferContentsInsufficient = false
	s.nextBatchID++
	// Batch.MaxTokens carries the batch's own computed weight (the actual
	// resource charge), not the configured limit — the loop needs the two
	// kept separate to compute a remaining token budget for extension.
	batch := NewBatch(s.nextBatchID, chosen, s.model.BatchWeight(stats, totalCount))
	logrus.Debugf("scheduler: selected batch %d with %d new entries (total %d)", batch.ID, len(chosen), totalCount)

	for _, e := range chosen {
		e.BatchTime = now
		e.tempSpan.end()
		if e.spanCtx != nil {
			inferCtx, inferSpan := beginInferSpan(e.spanCtx)
			e.tempSpan = inferSpan
			e.spanCtx = inferCtx
		}
	}

	merged := make(map[uint64]*Entry, len(existing)+len(chosen))
	for id, e := range existing {
		merged[id] = e
	}
	for _, e := range chosen {
		merged[e.ID] = e
	}

	return NextBatchResult{Existing: merged, Batch: batch}
}

// nextEntryWaitingTooLong reports whether the front of the waiting list has
// aged past MaxWaitingDuration, used by the batching loop to decide whether
// it must attempt an extension even if the backlog looks thin.
func (s *state) nextEntryWaitingTooLong(now time.Time) bool {
	front := s.waiting.Front()
	if front == nil {
		return false
	}
	return front.Value.(*Entry).waitingDuration(now) > MaxWaitingDuration
}

func (s *state) len() int { return s.waiting.Len() }

// effectiveInput truncates length to the configured attention window, per
// spec.md §6's window_size knob: a backend with a sliding-window attention
// mechanism never needs KV cache for more than window_size tokens of
// context, so weight accounting shouldn't charge for the rest.
func (s *state) effectiveInput(length uint32) uint32 {
	if s.config.WindowSize > 0 && length > s.config.WindowSize {
		return s.config.WindowSize
	}
	return length
}

// effectiveRemaining pads a non-zero remaining-output count by the
// speculative-decoding draft factor, per spec.md §6's speculate knob: each
// decode step may return up to Speculate+1 tokens, so Speculate extra output
// slots are added to the entry's remaining output, even though this module
// has no opinion on speculative-decoding policy itself.
func (s *state) effectiveRemaining(remaining uint32) uint32 {
	if remaining == 0 {
		return 0
	}
	return remaining + s.config.Speculate
}
