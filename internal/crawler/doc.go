// Package crawler defines the domain model of the crawl scheduler: tenants,
// websites, per-website job status, trigger results, and the interfaces the
// scheduling, polling, and reporting subsystems depend on.
package crawler
