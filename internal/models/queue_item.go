package models

import "time"

// QueueItem is one persisted unit of exchange work.
type QueueItem struct {
	ID           string     `json:"id"`
	TaskName     string     `json:"task_name"`
	Status       string     `json:"status"`
	ConfigID     int64      `json:"config_id"`
	EndpointID   int64      `json:"endpoint_id"`
	SubjectType  string     `json:"subject_type"`
	SubjectID    int64      `json:"subject_id"`
	Payload      string     `json:"payload,omitempty"`
	PayloadHash  string     `json:"payload_hash"`
	RetryCount   int        `json:"retry_count"`
	MaxAttempts  int        `json:"max_attempts"`
	RunAt        time.Time  `json:"run_at"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	LockedBy     *string    `json:"locked_by,omitempty"`
	LastHTTPCode *int       `json:"last_http_code,omitempty"`
	LastMessage  *string    `json:"last_message,omitempty"`
	ExternalRef  *string    `json:"external_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Hydrated by the claim engine, never persisted on the row.
	Config   *ExchangeConfig `json:"-"`
	Endpoint *Endpoint       `json:"-"`
	Link     *Link           `json:"-"`
	Mapping  *RoomMapping    `json:"-"`
}

// Exhausted reports whether the item has used all of its attempts.
func (q *QueueItem) Exhausted() bool {
	return q.RetryCount >= q.MaxAttempts
}

// Claimable mirrors the claim engine predicate for a single row.
func (q *QueueItem) Claimable(now time.Time) bool {
	if q.Status != QueueStatusPending && q.Status != QueueStatusFailed {
		return false
	}
	if q.Exhausted() {
		return false
	}
	return !q.RunAt.After(now)
}

// GroupKey is the homogeneity key of a batch.
type GroupKey struct {
	ConfigID   int64
	EndpointID int64
}

// Group returns the batch grouping key of the item.
func (q *QueueItem) Group() GroupKey {
	return GroupKey{ConfigID: q.ConfigID, EndpointID: q.EndpointID}
}
