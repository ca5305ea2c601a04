// The batching loop: the single goroutine that drives prefill, decode,
// extension, and retirement cycles against the Backend. It is the sole
// caller of Backend methods, so the Backend never needs its own locking.

package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// loop owns the lifecycle of active batches.
type loop struct {
	queue    *Queue
	backend  Backend
	model    CostModel
	config   BatchingConfig
	metrics  Metrics
	notifier *notifier

	// healthy is flipped after every Prefill, Decode and FilterBatch call:
	// true on success, false on error. It is the sole cross-goroutine signal the loop publishes
	// outside of entries' response streams, read lock-free by callers that
	// want to know whether the backend is currently responding.
	healthy atomic.Bool
}

func newLoop(queue *Queue, backend Backend, model CostModel, cfg BatchingConfig, metrics Metrics, n *notifier) *loop {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	l := &loop{queue: queue, backend: backend, model: model, config: cfg, metrics: metrics, notifier: n}
	l.healthy.Store(true)
	return l
}

// run blocks until ctx is cancelled, alternating between waiting for work
// and draining batches until the queue offers none.
func (l *loop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notifier.Wait():
		}
		l.drain(ctx)
	}
}

// drain keeps forming and running batches to completion for as long as the
// queue has one to offer, only returning once a call to NextBatch comes back
// empty. This mirrors the outer while loop around queue.next_batch in the
// reference batching task: a batch that failed the extension floor while the
// previous batch was decoding gets retried here immediately rather than
// waiting for an unrelated arrival to wake the loop again.
func (l *loop) drain(ctx context.Context) {
	for {
		res, ok := l.queue.NextBatch(ctx, NextBatchRequest{})
		if !ok || res.Batch == nil {
			return
		}
		if !l.runBatch(ctx, res) {
			return
		}
	}
}

// runBatch drives one batch's prefill and decode/extend cycle to
// completion. It reports whether the loop should keep draining (false means
// a backend error occurred and the caller should stop for this drain call).
func (l *loop) runBatch(ctx context.Context, res NextBatchResult) bool {
	entries := res.Existing

	gens, cached, timings, err := l.backend.Prefill(ctx, *res.Batch)
	l.healthy.Store(err == nil)
	if err != nil {
		logrus.Warnf("scheduler: prefill failed for batch %d: %v", res.Batch.ID, err)
		l.metrics.IncErrors("generation")
		sendErrors(entries, idsOf(res.Batch.Requests), &GenerationError{Reason: err.Error()})
		batchID := res.Batch.ID
		if cerr := l.backend.ClearCache(ctx, &batchID); cerr != nil {
			logrus.Warnf("scheduler: clear_cache failed for batch %d: %v", batchID, cerr)
		}
		return false
	}
	l.metrics.ObserveInferenceDuration("prefill", timings.Forward.Seconds())
	keep := filterSendGenerations(entries, gens)
	l.pruneFinished(entries, keep)
	l.metrics.ObserveBatchSize(uint32(len(entries)))
	l.metrics.ObserveBatchWeight(res.Batch.MaxTokens)

	waitingTokens := uint32(0)
	for cached != nil {
		waitingTokens++

		if dropped := pruneClosed(entries); len(dropped) > 0 {
			nb, err := l.backend.FilterBatch(ctx, cached.ID, keepIDs(entries))
			l.healthy.Store(err == nil)
			if err != nil {
				logrus.Warnf("scheduler: filter_batch failed: %v", err)
				l.metrics.IncErrors("generation")
				sendErrors(entries, keepIDs(entries), &GenerationError{Reason: err.Error()})
				batchID := cached.ID
				if cerr := l.backend.ClearCache(ctx, &batchID); cerr != nil {
					logrus.Warnf("scheduler: clear_cache failed for batch %d: %v", batchID, cerr)
				}
				return false
			}
			cached = nb
			if cached == nil {
				break
			}
		}

		if l.shouldExtend(ctx, waitingTokens, cached.Size) {
			if ext := l.tryExtend(ctx, entries, cached, waitingTokens); ext != nil {
				cached = ext
				waitingTokens = 0
			}
		}

		dgens, next, timings, err := l.backend.Decode(ctx, []CachedBatch{*cached})
		l.healthy.Store(err == nil)
		if err != nil {
			logrus.Warnf("scheduler: decode failed for batch %d: %v", cached.ID, err)
			l.metrics.IncErrors("generation")
			sendErrors(entries, keepIDs(entries), &GenerationError{Reason: err.Error()})
			batchID := cached.ID
			if cerr := l.backend.ClearCache(ctx, &batchID); cerr != nil {
				logrus.Warnf("scheduler: clear_cache failed for batch %d: %v", batchID, cerr)
			}
			return false
		}
		l.metrics.ObserveInferenceDuration("decode", timings.Decode.Seconds())
		keep := filterSendGenerations(entries, dgens)
		l.pruneFinished(entries, keep)
		l.metrics.ObserveBatchSize(uint32(len(entries)))
		if next != nil {
			l.metrics.ObserveBatchWeight(next.MaxTokens)
		}
		cached = next
	}
	return true
}

// shouldExtend decides whether the loop should attempt to fold newly
// waiting entries into the running batch before the next decode step.
func (l *loop) shouldExtend(ctx context.Context, waitingTokens uint32, batchSize uint32) bool {
	if l.queue.len(ctx) == 0 {
		return false
	}
	if waitingTokens >= l.config.MaxWaitingTokens {
		return true
	}
	return batchSize < l.config.SizeLimit
}

// tryExtend attempts to admit more waiting entries into entries/cached. It
// returns the merged CachedBatch on success, or nil if nothing was added.
func (l *loop) tryExtend(ctx context.Context, entries map[uint64]*Entry, cached *CachedBatch, waitingTokens uint32) *CachedBatch {
	tokenBudget := saturatingSub(l.config.WeightLimit, cached.MaxTokens)
	if tokenBudget == 0 {
		return nil
	}

	var minSize *uint32
	if !l.queueHeadAgedPastMaxWait(ctx) {
		floor := uint32(0)
		if waitingTokens < l.config.MaxWaitingTokens {
			floor = uint32(float64(cached.Size) * l.config.WaitingServedRatio)
		}
		minSize = &floor
	}
	maxExtra := saturatingSubU32(l.config.SizeLimit, cached.Size)
	if maxExtra == 0 {
		return nil
	}
	// nextBatch counts Existing toward its size cap, so the cap it is given
	// is the running batch's size plus the room left in it.
	maxTotal := uint32(len(entries)) + maxExtra

	res, ok := l.queue.NextBatch(ctx, NextBatchRequest{
		Existing:           entries,
		MinSize:            minSize,
		MaxSize:            &maxTotal,
		PrefillWeightLimit: &l.config.PrefillWeightLimit,
		WeightLimit:        &tokenBudget,
	})
	if !ok || res.Batch == nil {
		return nil
	}

	gens, newCached, _, err := l.backend.Prefill(ctx, *res.Batch)
	l.healthy.Store(err == nil)
	if err != nil {
		logrus.Warnf("scheduler: extension prefill failed: %v", err)
		l.metrics.IncErrors("generation")
		// Only the newly selected entries were ever removed from the
		// waiting list for this attempt; the already-running batch in
		// entries/cached is untouched and keeps decoding normally.
		sendErrors(res.Existing, idsOf(res.Batch.Requests), &GenerationError{Reason: err.Error()})
		batchID := res.Batch.ID
		if cerr := l.backend.ClearCache(ctx, &batchID); cerr != nil {
			logrus.Warnf("scheduler: clear_cache failed for batch %d: %v", batchID, cerr)
		}
		return nil
	}
	for id, e := range res.Existing {
		entries[id] = e
	}
	keep := filterSendGenerations(entries, gens)
	l.pruneFinished(entries, keep)

	if newCached == nil {
		return cached
	}
	return &CachedBatch{
		ID:         cached.ID,
		RequestIDs: append(append([]uint64{}, cached.RequestIDs...), newCached.RequestIDs...),
		Size:       cached.Size + newCached.Size,
		MaxTokens:  cached.MaxTokens + newCached.MaxTokens,
	}
}

func (l *loop) queueHeadAgedPastMaxWait(ctx context.Context) bool {
	return l.queue.headAged(ctx, time.Now())
}

func (l *loop) pruneFinished(entries map[uint64]*Entry, keep []uint64) {
	keepSet := make(map[uint64]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	for id, e := range entries {
		if !keepSet[id] {
			e.Stream.Close()
			e.tempSpan.end()
			e.span.end()
			delete(entries, id)
			l.metrics.IncCompletedRequests()
		}
	}
}

// Healthy reports whether the most recent backend call succeeded. It is
// safe to read from any goroutine.
func (l *loop) Healthy() bool { return l.healthy.Load() }

func idsOf(reqs []BackendRequest) []uint64 {
	ids := make([]uint64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

func keepIDs(entries map[uint64]*Entry) []uint64 {
	ids := make([]uint64, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	return ids
}

// saturatingSub computes max(0, a-b) rather than wrapping, per the design
// decision to clamp a fully exhausted weight budget to zero instead of
// erroring; a zero budget naturally admits no further entries.
func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func saturatingSubU32(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
