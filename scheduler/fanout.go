// Routes backend generation output to the per-entry ResponseStream that
// requested it, and handles the bookkeeping around cancelled streams.

package scheduler

import "time"

// Token is a single produced token plus its sampling metadata.
type Token struct {
	ID      int32
	Text    string
	LogProb float64
	Special bool
}

// GeneratedText is the terminal payload delivered with an End message.
type GeneratedText struct {
	Text            string
	GeneratedTokens uint32
	FinishReason    string
	Seed            *uint64
}

// Generation is what the backend reports for one entry after a prefill or
// decode pass: the new token(s), optionally a completion.
type Generation struct {
	RequestID     uint64
	PrefillTokens []Token
	Token         Token
	TopTokens     []Token
	GeneratedText *GeneratedText
}

// MessageKind distinguishes the phases of a streamed response.
type MessageKind int

const (
	MsgPrefill MessageKind = iota
	MsgIntermediate
	MsgEnd
	MsgErr
)

// Message is a single item delivered on a ResponseStream. Every stream
// receives at most one MsgPrefill (first), any number of MsgIntermediate,
// and exactly one terminal MsgEnd or MsgErr, in that order.
type Message struct {
	Kind          MessageKind
	PrefillTokens []Token
	Token         Token
	TopTokens     []Token
	GeneratedText *GeneratedText
	Queued        time.Time
	Started       time.Time
	Err           error
}

// filterSendGenerations delivers each backend Generation to the entry it
// belongs to and returns the ids of the entries that should stay in the
// active batch (those whose stream is still open and that did not just
// complete).
func filterSendGenerations(entries map[uint64]*Entry, gens []Generation) []uint64 {
	keep := make([]uint64, 0, len(entries))
	delivered := make(map[uint64]bool, len(gens))
	for _, g := range gens {
		delivered[g.RequestID] = true
		e, ok := entries[g.RequestID]
		if !ok {
			continue
		}
		if e.Stream.Closed() {
			continue
		}
		sendGeneration(e, g)
		e.GeneratedTokens++
		if g.GeneratedText == nil {
			keep = append(keep, g.RequestID)
		}
	}
	return keep
}

func sendGeneration(e *Entry, g Generation) {
	if len(g.PrefillTokens) > 0 {
		e.Stream.send(Message{
			Kind:          MsgPrefill,
			PrefillTokens: g.PrefillTokens,
			Queued:        e.QueueTime,
			Started:       e.BatchTime,
		})
	}
	if g.GeneratedText != nil {
		e.Stream.send(Message{
			Kind:          MsgEnd,
			Token:         g.Token,
			TopTokens:     g.TopTokens,
			GeneratedText: g.GeneratedText,
			Queued:        e.QueueTime,
			Started:       e.BatchTime,
		})
		return
	}
	e.Stream.send(Message{
		Kind:      MsgIntermediate,
		Token:     g.Token,
		TopTokens: g.TopTokens,
		Queued:    e.QueueTime,
		Started:   e.BatchTime,
	})
}

// sendErrors terminates every listed entry's stream with err and removes
// it from the caller's bookkeeping map.
func sendErrors(entries map[uint64]*Entry, ids []uint64, err error) {
	for _, id := range ids {
		e, ok := entries[id]
		if !ok {
			continue
		}
		e.Stream.send(Message{Kind: MsgErr, Err: err})
		delete(entries, id)
	}
}

// pruneClosed removes and returns the ids of entries whose stream has been
// cancelled by the caller, so the loop can ask the backend to drop them
// from its cache on the next filter_batch call.
func pruneClosed(entries map[uint64]*Entry) []uint64 {
	var dropped []uint64
	for id, e := range entries {
		if e.Stream.Closed() {
			dropped = append(dropped, id)
			delete(entries, id)
		}
	}
	return dropped
}
