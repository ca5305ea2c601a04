// Backend is the scheduler's sole external collaborator: the model server
// that actually runs forward passes. This file defines its interface plus
// an in-memory reference implementation (used by tests and the bench CLI
// command) that allocates KV cache blocks with prefix-hash reuse, adapted
// from the teacher's block free-list allocator but restructured around an
// LRU eviction cache instead of a hand-rolled intrusive linked list.

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Backend is the interface the batching loop drives. A real implementation
// talks to a model server over gRPC or similar; the scheduler itself only
// depends on this interface.
type Backend interface {
	Prefill(ctx context.Context, batch Batch) ([]Generation, *CachedBatch, Timings, error)
	Decode(ctx context.Context, batches []CachedBatch) ([]Generation, *CachedBatch, Timings, error)
	FilterBatch(ctx context.Context, batchID uint64, keepIDs []uint64) (*CachedBatch, error)
	ClearCache(ctx context.Context, batchID *uint64) error
}

// kvBlock is one fixed-size unit of KV cache storage.
type kvBlock struct {
	id       int
	refCount int
	tokens   []int32
	hash     string
}

// kvAllocator tracks GPU KV cache occupancy and lets live requests that
// share a token prefix share its full blocks. A block returns to the free
// pool, and its prefix entry is dropped, as soon as no request references
// it; allocation fails once the free pool runs out. The prefix index is an
// LRU cache bounded at totalBlocks entries.
type kvAllocator struct {
	mu sync.Mutex

	blockSizeTokens int
	totalBlocks     int
	used            int

	blocks     []*kvBlock
	free       []int // stack of free block indices
	hashToID   *lru.Cache[string, int]
	requestMap map[uint64][]int
}

func newKVAllocator(totalBlocks, blockSizeTokens int) *kvAllocator {
	a := &kvAllocator{
		blockSizeTokens: blockSizeTokens,
		totalBlocks:     totalBlocks,
		blocks:          make([]*kvBlock, totalBlocks),
		requestMap:      make(map[uint64][]int),
	}
	for i := 0; i < totalBlocks; i++ {
		a.blocks[i] = &kvBlock{id: i}
		a.free = append(a.free, i)
	}
	cache, _ := lru.NewWithEvict[string, int](totalBlocks, func(hash string, id int) {
		// Eviction only drops the prefix-hash lookup entry; the block
		// itself is reclaimed through refcounting in release(), not here.
		_ = hash
		_ = id
	})
	a.hashToID = cache
	return a
}

func hashTokens(tokens []int32) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.FormatInt(int64(t), 10))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// allocate reserves blocks for a request's input tokens, reusing any
// cached prefix blocks. It returns false if there isn't enough free
// capacity.
func (a *kvAllocator) allocate(requestID uint64, tokens []int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	matched := 0
	var allocated []int
	for matched*a.blockSizeTokens < len(tokens) {
		end := (matched + 1) * a.blockSizeTokens
		if end > len(tokens) {
			break
		}
		h := hashTokens(tokens[:end])
		id, ok := a.hashToID.Get(h)
		if !ok {
			break
		}
		blk := a.blocks[id]
		blk.refCount++
		allocated = append(allocated, id)
		matched++
	}

	remaining := tokens[matched*a.blockSizeTokens:]
	needed := (len(remaining) + a.blockSizeTokens - 1) / a.blockSizeTokens
	if needed > len(a.free) {
		for _, id := range allocated {
			a.blocks[id].refCount--
		}
		return false
	}

	for i := 0; i < needed; i++ {
		id := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		blk := a.blocks[id]
		start := i * a.blockSizeTokens
		end := start + a.blockSizeTokens
		if end > len(remaining) {
			end = len(remaining)
		}
		blk.tokens = append([]int32{}, remaining[start:end]...)
		blk.refCount = 1
		if len(blk.tokens) == a.blockSizeTokens {
			h := hashTokens(tokens[:matched*a.blockSizeTokens+end])
			blk.hash = h
			a.hashToID.Add(h, id)
		}
		allocated = append(allocated, id)
	}
	a.used += needed
	a.requestMap[requestID] = allocated
	return true
}

// appendToken records one decoded token against a request's most recent
// block, allocating a new block once the current one fills.
func (a *kvAllocator) appendToken(requestID uint64, token int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.requestMap[requestID]
	if len(ids) == 0 {
		return false
	}
	latest := a.blocks[ids[len(ids)-1]]
	if len(latest.tokens) < a.blockSizeTokens {
		latest.tokens = append(latest.tokens, token)
		return true
	}
	if len(a.free) == 0 {
		return false
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	blk := a.blocks[id]
	blk.tokens = []int32{token}
	blk.refCount = 1
	a.used++
	a.requestMap[requestID] = append(a.requestMap[requestID], id)
	return true
}

// release returns a request's blocks to the free pool once nothing else
// references them, evicting in reverse order so the most prefix-specific
// (least reusable) blocks are reclaimed first.
func (a *kvAllocator) release(requestID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.requestMap[requestID]
	delete(a.requestMap, requestID)
	for i := len(ids) - 1; i >= 0; i-- {
		blk := a.blocks[ids[i]]
		blk.refCount--
		if blk.refCount == 0 {
			if id, ok := a.hashToID.Peek(blk.hash); ok && id == blk.id {
				a.hashToID.Remove(blk.hash)
			}
			blk.hash = ""
			a.used--
			a.free = append(a.free, blk.id)
		}
	}
}

// ReferenceBackend is a deterministic, in-memory Backend used by tests and
// the bench CLI command. It does not run a real model: it produces one
// deterministic token per step (its ID is the step index) and stops at
// MaxNewTokens.
type ReferenceBackend struct {
	alloc   *kvAllocator
	entries map[uint64]*BackendRequest
	emitted map[uint64]uint32
	mu      sync.Mutex
}

// NewReferenceBackend constructs a ReferenceBackend from backend config.
func NewReferenceBackend(cfg BackendConfig) *ReferenceBackend {
	return &ReferenceBackend{
		alloc:   newKVAllocator(int(cfg.TotalKVBlocks), int(cfg.BlockSizeTokens)),
		entries: make(map[uint64]*BackendRequest),
		emitted: make(map[uint64]uint32),
	}
}

func (b *ReferenceBackend) Prefill(_ context.Context, batch Batch) ([]Generation, *CachedBatch, Timings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gens := make([]Generation, 0, len(batch.Requests))
	ids := make([]uint64, 0, len(batch.Requests))
	for _, r := range batch.Requests {
		r := r
		if !b.alloc.allocate(r.ID, r.InputIDs) {
			return nil, nil, Timings{}, fmt.Errorf("scheduler: backend out of KV cache capacity for request %d", r.ID)
		}
		b.entries[r.ID] = &r
		b.emitted[r.ID] = 0
		tok := b.nextToken(r.ID)
		gens = append(gens, Generation{
			RequestID:     r.ID,
			PrefillTokens: prefillTokens(r.InputIDs),
			Token:         tok,
			GeneratedText: b.maybeFinish(r.ID, tok),
		})
		ids = append(ids, r.ID)
	}
	cb := &CachedBatch{ID: batch.ID, RequestIDs: ids, Size: uint32(len(ids)), MaxTokens: batch.MaxTokens}
	return gens, cb, Timings{}, nil
}

func (b *ReferenceBackend) Decode(_ context.Context, batches []CachedBatch) ([]Generation, *CachedBatch, Timings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []uint64
	var size uint32
	var maxTokens uint64
	for _, cb := range batches {
		ids = append(ids, cb.RequestIDs...)
		size += cb.Size
		if cb.MaxTokens > maxTokens {
			maxTokens = cb.MaxTokens
		}
	}

	gens := make([]Generation, 0, len(ids))
	var stillLive []uint64
	for _, id := range ids {
		tok := b.nextToken(id)
		done := b.maybeFinish(id, tok)
		gens = append(gens, Generation{RequestID: id, Token: tok, GeneratedText: done})
		if done == nil {
			stillLive = append(stillLive, id)
		}
	}
	if len(stillLive) == 0 {
		return gens, nil, Timings{}, nil
	}
	return gens, &CachedBatch{ID: batches[0].ID, RequestIDs: stillLive, Size: uint32(len(stillLive)), MaxTokens: maxTokens}, Timings{}, nil
}

func (b *ReferenceBackend) FilterBatch(_ context.Context, batchID uint64, keepIDs []uint64) (*CachedBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.entries {
		if !containsID(keepIDs, id) {
			b.alloc.release(id)
			delete(b.entries, id)
			delete(b.emitted, id)
		}
	}
	if len(keepIDs) == 0 {
		return nil, nil
	}
	return &CachedBatch{ID: batchID, RequestIDs: keepIDs, Size: uint32(len(keepIDs))}, nil
}

func (b *ReferenceBackend) ClearCache(_ context.Context, batchID *uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.entries {
		b.alloc.release(id)
	}
	b.entries = make(map[uint64]*BackendRequest)
	b.emitted = make(map[uint64]uint32)
	return nil
}

func (b *ReferenceBackend) nextToken(requestID uint64) Token {
	n := b.emitted[requestID]
	b.emitted[requestID] = n + 1
	b.alloc.appendToken(requestID, int32(n))
	return Token{ID: int32(n), Text: fmt.Sprintf("<tok-%d>", n), LogProb: -0.1 * float64(n+1)}
}

func (b *ReferenceBackend) maybeFinish(requestID uint64, tok Token) *GeneratedText {
	req := b.entries[requestID]
	if req == nil {
		return nil
	}
	emitted := b.emitted[requestID]
	if emitted < req.Stopping.MaxNewTokens {
		return nil
	}
	return &GeneratedText{
		Text:            strings.Repeat(tok.Text, int(emitted)),
		GeneratedTokens: emitted,
		FinishReason:    "length",
	}
}

func prefillTokens(inputIDs []int32) []Token {
	toks := make([]Token, len(inputIDs))
	for i, id := range inputIDs {
		toks[i] = Token{ID: id}
	}
	return toks
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
