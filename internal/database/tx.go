package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"channelsync/internal/models"
)

// Origin tells interceptors who produced a unit of work.
type Origin string

const (
	OriginAdmin Origin = "admin"
	OriginPull  Origin = "pull"
	OriginPush  Origin = "push"
)

// Changes lists entities scheduled for insertion, update and deletion.
type Changes[T any] struct {
	Inserted []T
	Updated  []T
	Deleted  []T
}

// Empty reports whether nothing was scheduled.
func (c *Changes[T]) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// ChangeSet is what a transaction changed, exposed as plain collections.
type ChangeSet struct {
	Origin       Origin
	Events       Changes[*models.CalendarEvent]
	Reservations Changes[*models.Reservation]
	Links        Changes[*models.Link]

	// ReservationFields holds the changed column names per updated reservation id.
	ReservationFields map[int64][]string
}

// Empty reports whether no tracked entity was touched.
func (c *ChangeSet) Empty() bool {
	return c.Events.Empty() && c.Reservations.Empty() && c.Links.Empty()
}

// AfterCommit runs once the transaction has been committed.
type AfterCommit func(ctx context.Context)

// Interceptor observes a transaction right before it commits. It may write
// through tx; the returned callback only runs if the commit succeeds.
type Interceptor interface {
	BeforeCommit(ctx context.Context, tx *Tx, changes *ChangeSet) (AfterCommit, error)
}

// Tx is a unit of work over one sql transaction.
type Tx struct {
	*sql.Tx
	db      *DB
	changes *ChangeSet
}

// Use registers interceptors run by every WithinTx call.
func (db *DB) Use(interceptors ...Interceptor) {
	db.interceptors = append(db.interceptors, interceptors...)
}

// WithinTx runs fn in a transaction, then the interceptors, then commits.
func (db *DB) WithinTx(ctx context.Context, origin Origin, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{
		Tx: sqlTx,
		db: db,
		changes: &ChangeSet{
			Origin:            origin,
			ReservationFields: make(map[int64][]string),
		},
	}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	var after []AfterCommit
	for _, interceptor := range db.interceptors {
		cb, err := interceptor.BeforeCommit(ctx, tx, tx.changes)
		if err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("before commit: %w", err)
		}
		if cb != nil {
			after = append(after, cb)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, cb := range after {
		cb(ctx)
	}
	return nil
}

// Origin returns the origin the transaction was opened with.
func (tx *Tx) Origin() Origin {
	return tx.changes.Origin
}

func (tx *Tx) now() time.Time {
	return tx.db.now()
}
