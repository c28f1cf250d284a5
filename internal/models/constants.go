package models

import "time"

// Queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusSuccess    = "success"
	QueueStatusFailed     = "failed"
	QueueStatusCancelled  = "cancelled"
)

// Task names known to the exchange registry.
const (
	TaskPushBookings   = "push_bookings"
	TaskDeleteBookings = "delete_bookings"
	TaskPullBookings   = "pull_bookings"
	TaskPushRates      = "push_rates"
)

// Subject types a queue item can be correlated with.
const (
	SubjectLink    = "link"
	SubjectMapping = "mapping"
	SubjectConfig  = "config"
)

// Link statuses.
const (
	LinkStatusActive        = "active"
	LinkStatusPendingDelete = "pending_delete"
	LinkStatusSyncedDeleted = "synced_deleted"
)

// Reservation statuses.
const (
	ReservationConfirmed = "confirmed"
	ReservationCancelled = "cancelled"
)

// Calendar event kinds.
const (
	EventKindBooking = "booking"
	EventKindBlock   = "block"
)

const (
	// DefaultMaxAttempts is used when an enqueued item does not set its own limit.
	DefaultMaxAttempts = 5

	// DefaultLockTTL is the watchdog threshold for regular claims.
	DefaultLockTTL = 10 * time.Minute

	// DefaultSpecificLockTTL is the watchdog threshold for targeted claims.
	DefaultSpecificLockTTL = 2 * time.Minute

	// DefaultBatchSize caps a batch when the task does not define its own cap.
	DefaultBatchSize = 20

	// DateLayout is the wire and query format for calendar dates.
	DateLayout = "2006-01-02"
)
