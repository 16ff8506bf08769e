// Package sinks implements concrete lifecycle event consumers: structured
// logging, Prometheus counters, an external publisher and an in-process
// stream for live subscribers. Each sink satisfies events.Sink.
package sinks
