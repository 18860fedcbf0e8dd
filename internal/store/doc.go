// Package store declares the job-history repository that records the outcome
// of every crawl cycle, plus the record types shared by its implementations.
package store
