package storage

import "time"

// FeedStatus is the persisted current state of one feed. Rows are overwritten on every audit; no history is kept.
type FeedStatus struct {
	Source     string
	Status     string
	Attempts   int
	Healthy    bool
	Exhausted  bool
	Session    string
	LastSignal *time.Time
	UpdatedAt  time.Time
}
