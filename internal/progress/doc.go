// Package progress carries job lifecycle events from workers to pluggable
// sinks. Workers emit without blocking; a background goroutine batches events
// and fans them out to sinks such as structured logs, Prometheus collectors or
// the event publisher.
package progress
