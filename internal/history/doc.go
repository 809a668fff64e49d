// Package history implements the historian's write pipeline and query engine.
//
// State changes from the automation platform enter a single-owner Pipeline.
// Each change is run through the logging policy of its datapoint (debounce,
// change-only filtering, minimum delta, periodic relog) and accepted points
// are either written straight to the time-series backend or collected in a
// per-series buffer that is flushed on a timer or when it grows too large.
//
// Failed writes are retried at finer granularity: a combined bulk write
// falls back to one write per series, which falls back to one write per
// point. Per-point failures are classified by the backend adapter into
// transient outages (point re-queued), type conflicts (one coercion retry,
// then the series is isolated) and opaque errors (bounded retries).
//
// Buffered points and the conflict set survive restarts through a JSON
// snapshot written at shutdown and consumed once at startup.
//
// The QueryEngine turns generic getHistory requests into windowed backend
// queries and performs client-side min/max down-sampling when the backend
// cannot.
//
// # Concurrency
//
// All pipeline state is owned by the goroutine running Pipeline.Run. Other
// goroutines (MQTT handlers, HTTP handlers, timers) post work into it, so
// flushes never overlap and the buffer counter is never raced.
package history
