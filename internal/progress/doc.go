// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the update checker uses to report run progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such as
// Prometheus metrics, run history storage, live streams and notifiers.
package progress
