// Defines Batch and CachedBatch, the wire shapes exchanged with the
// backend during a batching cycle.

package scheduler

import "time"

// BackendRequest is the per-entry payload sent to the backend as part of
// a Batch. It carries only what the backend needs to run a forward pass.
type BackendRequest struct {
	ID       uint64
	InputIDs []int32
	Truncate uint32
	Sampling SamplingParams
	Stopping StoppingParams
}

// Batch is a set of requests submitted together for a prefill pass.
type Batch struct {
	ID        uint64
	Requests  []BackendRequest
	Size      uint32
	MaxTokens uint64
}

// NewBatch builds a Batch from selected entries, assigning it id. maxTokens
// is the batch's own cost-model weight (not a configured limit); it flows
// through to the backend's CachedBatch so the loop can later compute a
// remaining token budget for extension.
func NewBatch(id uint64, entries []*Entry, maxTokens uint64) *Batch {
	reqs := make([]BackendRequest, len(entries))
	for i, e := range entries {
		reqs[i] = BackendRequest{
			ID:       e.ID,
			InputIDs: e.Request.InputIDs,
			Truncate: e.Request.Truncate,
			Sampling: e.Request.Sampling,
			Stopping: e.Request.Stopping,
		}
	}
	return &Batch{ID: id, Requests: reqs, Size: uint32(len(reqs)), MaxTokens: maxTokens}
}

// CachedBatch is what the backend hands back after a pass: a handle to the
// KV state it is holding plus the size/weight bookkeeping the queue state
// needs to decide on future extension.
type CachedBatch struct {
	ID         uint64
	RequestIDs []uint64
	Size       uint32
	MaxTokens  uint64
}

// Timings reports how long a backend call spent in each observable phase.
// Concat is zero when no concatenation with another cached batch occurred.
type Timings struct {
	Forward time.Duration
	Decode  time.Duration
	Concat  time.Duration
	Queue   time.Duration
}
