package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SamplingParams controls how the backend samples the next token.
type SamplingParams struct {
	Temperature float64
	TopK        int32
	TopP        float64
	DoSample    bool
	Seed        uint64
}

// StoppingParams bounds how long generation for a request may run.
type StoppingParams struct {
	MaxNewTokens   uint32
	IgnoreEOSToken bool
	StopSequences  []string
}

// Request is the admitted, validated unit of work a caller submits.
// Validation and tokenization happen upstream; by the time a Request
// reaches the queue its InputIDs are final.
type Request struct {
	// ClientID is the externally visible identifier handed back to the
	// caller before the queue assigns its own internal id.
	ClientID uuid.UUID
	InputIDs []int32
	// Truncate is the input length the backend should use for cost
	// accounting; it may be shorter than len(InputIDs) when the caller
	// requested left-truncation.
	Truncate  uint32
	Sampling  SamplingParams
	Stopping  StoppingParams
	NumBestOf uint32
	AdapterID string
}

// InputLength returns the effective input length used by cost models.
func (r Request) InputLength() uint32 {
	if r.Truncate > 0 && int(r.Truncate) < len(r.InputIDs) {
		return r.Truncate
	}
	return uint32(len(r.InputIDs))
}

// Entry is the queue's bookkeeping record for one in-flight request. Apart
// from GeneratedTokens, which the batching loop advances as it delivers
// tokens, it is only ever mutated by the queue actor goroutine.
type Entry struct {
	ID       uint64
	Request  Request
	Stream   *ResponseStream

	// GeneratedTokens counts tokens produced so far, used by cost models
	// when the entry is part of an existing batch.
	GeneratedTokens uint32

	QueueTime time.Time
	BatchTime time.Time

	// span is the entry's root span, ended once it reaches a terminal
	// state. tempSpan is whichever child span (queued, then infer)
	// currently covers the entry's phase; spanCtx carries it so the next
	// phase's span is created as its child.
	span     traceSpan
	tempSpan traceSpan
	spanCtx  context.Context
}

// waitingDuration reports how long this entry has sat since being queued.
func (e *Entry) waitingDuration(now time.Time) time.Duration {
	return now.Sub(e.QueueTime)
}

// ResponseStream is the per-entry delivery channel for generation results.
//
// Go has no native unbounded channel and no way to ask "has the receiver
// gone away" the way the original's flume channel exposes is_disconnected.
// The idiomatic substitute used here: cancellation is explicit via a
// context, and the delivery channel is generously buffered; a full channel
// is treated identically to a cancelled one, matching the design note that
// a bounded implementation must collapse "full" and "closed" into one
// signal.
type ResponseStream struct {
	ch     chan Message
	ctx    context.Context
	cancel context.CancelFunc
}

const responseStreamBuffer = 256

func newResponseStream() *ResponseStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &ResponseStream{
		ch:     make(chan Message, responseStreamBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Closed reports whether the caller has stopped listening.
func (s *ResponseStream) Closed() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// send is a best-effort, non-blocking delivery. It returns false if the
// message was dropped because the stream is closed or its buffer is full;
// a full buffer also cancels the stream.
func (s *ResponseStream) send(msg Message) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.cancel()
		return false
	}
}

// Recv returns the channel callers should range/select over.
func (s *ResponseStream) Recv() <-chan Message { return s.ch }

// Done returns a channel closed when the stream is cancelled.
func (s *ResponseStream) Done() <-chan struct{} { return s.ctx.Done() }

// Close cancels the stream. Callers must call this once they stop reading
// so the batching loop can prune the entry on its next scan.
func (s *ResponseStream) Close() { s.cancel() }
