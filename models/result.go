package models

import "time"

// TaskStatus is the lifecycle state of one adapter crawl.
type TaskStatus string

const (
	StatusPending            TaskStatus = "pending"
	StatusRunning            TaskStatus = "running"
	StatusCompleted          TaskStatus = "completed"
	StatusPartiallyCompleted TaskStatus = "partially_completed"
	StatusFailed             TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed:
		return true
	}
	return false
}

// CrawlResult is the outcome of a single adapter crawl.
type CrawlResult struct {
	Adapter        string
	Status         TaskStatus
	RecordsWritten int
	PagesFetched   int
	Retries        int
	Dropped        int
	Err            error
	StartedAt      time.Time
	Elapsed        time.Duration
}
