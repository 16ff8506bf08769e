// Package events carries archive lifecycle notifications. Emitters hand events
// to a non-blocking Hub, which batches them on a background goroutine and fans
// them out to sinks: structured logs, Prometheus counters, an external
// publisher and the per-owner stream behind the SSE endpoint.
package events
