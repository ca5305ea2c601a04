// Package scheduler implements a dynamic continuous-batching scheduler for
// text-generation requests.
//
// # Reading Guide
//
// Start with these files to understand the scheduling kernel:
//   - entry.go: Entry/Request lifecycle and the per-entry response stream
//   - costmodel.go: pluggable batch weight accounting (flash vs padded)
//   - queue.go + state.go: the queue actor and its batch-selection algorithm
//   - loop.go: the batching loop driving prefill/decode/extend/retire
//   - fanout.go: routing backend generations to per-entry response streams
//   - infer.go: the public facade (GenerateStream, Generate, GenerateBestOf)
//
// # Architecture
//
// A single background batching loop (loop.go) is the sole caller of the
// Backend interface (backend.go). The queue's state (state.go) is owned
// exclusively by a single-consumer actor goroutine (queue.go); all mutation
// is serialized through a command channel. No mutable state crosses
// goroutine boundaries except via channels, a notifier, an atomic health
// flag, and a semaphore (infer.go).
package scheduler
