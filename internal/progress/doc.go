// Package progress carries crawl-cycle events from the executor and poller to
// pluggable sinks. Emit never blocks the scheduling path; a background
// goroutine batches events and fans them out to metrics, logs, job history,
// notifications, and the status summary trigger.
package progress
