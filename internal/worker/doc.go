// Package worker runs crawl cycles for (tenant, website) pairs.
//
// A cycle is split in two units. The Executor adopts an upstream crawl, skips
// a cycle that is still active, or triggers a new run; it holds a dispatcher
// worker only for those calls. The Poller then owns one timer loop per active
// run and submits each status check to the dispatcher as a short task until
// the run reaches a terminal status or the loop is abandoned.
package worker
