// Package metrics defines the Prometheus collectors for the service: job
// lifecycle gauges and counters, disassembly and translation timings, LLM
// provider call and token counters, API request instrumentation, and blob
// tier usage. All collectors register with the default registry at init,
// and Handler exposes them in the Prometheus text format.
package metrics
