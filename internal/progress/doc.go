// Package progress provides the immutable task events emitted by the pipeline
// and collector, the Recorder that applies them to the task store, and a
// non-blocking hub that batches them out to pluggable sinks such as
// Prometheus metrics, structured logs or Pub/Sub.
package progress
