// Package sinks implements concrete cycle-event consumers: Prometheus
// collectors, structured logging, job history persistence, and completion
// notifications. Each sink satisfies progress.Sink.
package sinks
