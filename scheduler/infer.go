// Infer is the public facade: admission, concurrency limiting, and
// aggregation for callers that don't want to handle a raw stream
// themselves.

package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/stat"
)

// Infer ties together the queue, the batching loop, and a concurrency
// limiter in front of them both.
type Infer struct {
	queue    *Queue
	loop     *loop
	notifier *notifier
	sem      *semaphore.Weighted
	limit    int64
	metrics  Metrics
	template *ChatTemplate
}

// NewInfer wires a Queue, a Backend-driven loop, and a concurrency limiter
// together and starts the batching loop in the background.
func NewInfer(ctx context.Context, cfg Config, backend Backend, metrics Metrics) *Infer {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	model := NewCostModel(cfg.Batching.CostModel)
	n := newNotifier()
	q := newQueue(ctx, cfg.Batching, model)
	l := newLoop(q, backend, model, cfg.Batching, metrics, n)
	go l.run(ctx)

	return &Infer{
		queue:    q,
		loop:     l,
		notifier: n,
		sem:      semaphore.NewWeighted(cfg.Server.MaxConcurrentRequests),
		limit:    cfg.Server.MaxConcurrentRequests,
		metrics:  metrics,
	}
}

// Healthy reports whether the backend responded successfully to the most
// recent prefill/decode/filter_batch call. Readable lock-free from any
// goroutine, per spec.md §5's health flag.
func (in *Infer) Healthy() bool { return in.loop.Healthy() }

// SetChatTemplate installs the chat template used by ApplyChatTemplate.
func (in *Infer) SetChatTemplate(t *ChatTemplate) { in.template = t }

// GenerateStream admits req and returns a stream of incremental results.
// The caller MUST call the returned release function once it stops
// reading, whether or not it consumed a terminal message, to release the
// concurrency slot and let the loop prune the entry promptly.
func (in *Infer) GenerateStream(ctx context.Context, req Request) (*ResponseStream, func(), error) {
	if !in.sem.TryAcquire(1) {
		in.metrics.IncErrors("overloaded")
		return nil, nil, &Overloaded{Limit: in.limit}
	}

	rootCtx, rootSpan := beginRequestSpan(context.Background(), req.ClientID.String())
	queuedCtx, queuedSpan := beginQueuedSpan(rootCtx)

	e := &Entry{
		Request:  req,
		Stream:   newResponseStream(),
		span:     rootSpan,
		tempSpan: queuedSpan,
		spanCtx:  queuedCtx,
	}
	release := func() {
		e.Stream.Close()
		in.sem.Release(1)
	}

	in.queue.Append(ctx, e)
	in.notifier.Notify()
	in.metrics.ObserveQueueSize(in.queue.len(ctx))

	return e.Stream, release, nil
}

// Generate aggregates a stream into a single response. It returns the error
// carried by an Err message (e.g. a backend GenerationError), ctx's error if
// ctx ends first, and IncompleteGeneration if the stream's channel closes
// without an End message.
func (in *Infer) Generate(ctx context.Context, req Request) (*GeneratedText, error) {
	stream, release, err := in.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	for {
		select {
		case msg, ok := <-stream.Recv():
			if !ok {
				return nil, &IncompleteGeneration{}
			}
			switch msg.Kind {
			case MsgEnd:
				return msg.GeneratedText, nil
			case MsgErr:
				return nil, msg.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// bestOfResult pairs a generated text with the per-token log-probabilities
// used to rank it.
type bestOfResult struct {
	text     *GeneratedText
	logProbs []float64
}

// GenerateBestOf runs req.NumBestOf independent generations and returns the
// one with the highest mean per-token log-probability, exactly as the
// original router's generate_best_of ranks candidates, alongside the
// remaining (non-winning) generations in no particular order.
func (in *Infer) GenerateBestOf(ctx context.Context, req Request) (*GeneratedText, []*GeneratedText, error) {
	n := req.NumBestOf
	if n == 0 {
		n = 1
	}

	results := make([]bestOfResult, 0, n)
	for i := uint32(0); i < n; i++ {
		single := req
		single.NumBestOf = 0
		single.Sampling.Seed = req.Sampling.Seed + uint64(i)

		stream, release, err := in.GenerateStream(ctx, single)
		if err != nil {
			return nil, nil, err
		}
		var logProbs []float64
	drain:
		for {
			select {
			case msg, ok := <-stream.Recv():
				if !ok {
					break drain
				}
				switch msg.Kind {
				case MsgIntermediate:
					logProbs = append(logProbs, msg.Token.LogProb)
				case MsgEnd:
					logProbs = append(logProbs, msg.Token.LogProb)
					results = append(results, bestOfResult{text: msg.GeneratedText, logProbs: logProbs})
					release()
					break drain
				case MsgErr:
					release()
					return nil, nil, msg.Err
				}
			case <-ctx.Done():
				release()
				return nil, nil, ctx.Err()
			}
		}
	}

	if len(results) == 0 {
		return nil, nil, &IncompleteGeneration{}
	}

	bestIdx := 0
	bestMean := meanLogProb(results[0].logProbs)
	for i, r := range results[1:] {
		m := meanLogProb(r.logProbs)
		if m > bestMean {
			bestIdx, bestMean = i+1, m
		}
	}

	others := make([]*GeneratedText, 0, len(results)-1)
	for i, r := range results {
		if i != bestIdx {
			others = append(others, r.text)
		}
	}
	return results[bestIdx].text, others, nil
}

// meanLogProb is the sequence_logprob ranking metric: the mean of the
// per-token log-probabilities, computed unweighted.
func meanLogProb(logProbs []float64) float64 {
	if len(logProbs) == 0 {
		return 0
	}
	return stat.Mean(logProbs, nil)
}

// Tokenize is a stand-in for the external tokenizer collaborator: given
// already-tokenized input (spec.md treats tokenization as out of scope),
// this simply validates and echoes it back with a fresh client id.
func (in *Infer) Tokenize(inputIDs []int32) (Request, error) {
	if len(inputIDs) == 0 {
		return Request{}, &ValidationError{Reason: "empty input"}
	}
	return Request{ClientID: uuid.New(), InputIDs: inputIDs}, nil
}

// ApplyChatTemplate renders messages through the configured template,
// returning a TemplateError (including one raised deliberately by the
// template itself) on any failure.
func (in *Infer) ApplyChatTemplate(messages []ChatMessage) (string, error) {
	if in.template == nil {
		return "", &TemplateError{Err: fmt.Errorf("no chat template configured")}
	}
	return in.template.Render(messages)
}

// Len reports the number of entries currently waiting for admission.
func (in *Infer) Len(ctx context.Context) int { return in.queue.len(ctx) }
