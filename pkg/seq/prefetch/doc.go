// Package prefetch evaluates a sequence ahead of its consumer using a pool
// of parallel workers while preserving delivery order.
//
// A bounded lookahead window caps the number of items in flight; a reorder
// buffer turns out-of-order worker completions back into strictly ascending
// index order; failures are reported at the position of the item that failed
// instead of being swallowed by the deferred execution point.
//
// Two interchangeable execution models are available:
//   - Threads: goroutines sharing the process memory, used through Prefetch.
//     Results are owned values; nothing is copied or serialized.
//   - Processes: isolated worker processes spawned by re-executing the host
//     binary, used through LoadSlots (zero-copy transfer through a fixed set
//     of shared-memory slots) and LoadItems (serialized transfer for small
//     values). The host's main function must call WorkerMain first thing so
//     the re-executed binary enters the worker protocol.
package prefetch
