package domain

import "time"

// RawItem is a candidate produced by a fetch adapter before persistence.
type RawItem struct {
	SourceID    string
	ExternalID  string
	URL         string
	Title       string
	Body        string
	PublishedAt time.Time
}

// ItemStatus enumerates NewsItem pipeline milestones.
type ItemStatus string

const (
	ItemNew        ItemStatus = "new"
	ItemAccepted   ItemStatus = "accepted"
	ItemRejected   ItemStatus = "rejected"
	ItemDuplicate  ItemStatus = "duplicate"
	ItemGenerating ItemStatus = "generating"
	ItemGenerated  ItemStatus = "generated"
	ItemFailed     ItemStatus = "failed"
)

// Terminal reports whether no automatic transition leaves the status.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemRejected, ItemDuplicate, ItemGenerated, ItemFailed:
		return true
	}
	return false
}

// NewsItem is a persisted candidate tracked through the pipeline.
type NewsItem struct {
	ID          string
	SourceID    string
	ExternalID  string
	URL         string
	Title       string
	Body        string
	PublishedAt time.Time
	FetchedAt   time.Time
	Fingerprint string
	Status      ItemStatus
	Retry       RetryState
	UpdatedAt   time.Time
}

// Text joins title and body the way generation input expects it.
func (n NewsItem) Text() string {
	if n.Body == "" {
		return n.Title
	}
	return n.Title + "\n\n" + n.Body
}

// RetryState is the inspectable retry bookkeeping carried by items and posts.
type RetryState struct {
	Attempts      int
	NextAttemptAt time.Time
	LastErrorKind ErrorKind
	LastError     string
}

// Eligible reports whether the next attempt may run at now.
func (r RetryState) Eligible(now time.Time) bool {
	return r.NextAttemptAt.IsZero() || !now.Before(r.NextAttemptAt)
}

// ItemChange describes a guarded status transition and the fields written with it.
type ItemChange struct {
	Status ItemStatus
	Retry  *RetryState
}
