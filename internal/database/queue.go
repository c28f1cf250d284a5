package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/models"

	"github.com/google/uuid"
)

// ErrLostLock is returned when an outcome is written for an item that is no longer processing.
var ErrLostLock = errors.New("queue item is no longer held")

const queueColumns = `id, task_name, status, config_id, endpoint_id, subject_type, subject_id, payload, payload_hash,
	retry_count, max_attempts, run_at, locked_at, locked_by, last_http_code, last_message, external_ref, created_at, updated_at`

const openPredicate = `status IN ('pending', 'failed') AND locked_at IS NULL AND retry_count < max_attempts`

// Outcome describes a successful exchange for one item.
type Outcome struct {
	HTTPCode    int
	Message     string
	ExternalRef string
}

// Failure describes a failed attempt. Terminal failures exhaust the item.
type Failure struct {
	Message  string
	HTTPCode int
	RunAt    time.Time
	Terminal bool
}

// QueueFilter narrows ListQueueItems.
type QueueFilter struct {
	Status   string
	TaskName string
	Limit    int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(s rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload sql.NullString
	err := s.Scan(
		&item.ID, &item.TaskName, &item.Status, &item.ConfigID, &item.EndpointID, &item.SubjectType, &item.SubjectID,
		&payload, &item.PayloadHash, &item.RetryCount, &item.MaxAttempts, &item.RunAt, &item.LockedAt, &item.LockedBy,
		&item.LastHTTPCode, &item.LastMessage, &item.ExternalRef, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = payload.String
	return &item, nil
}

func queryQueueItems(ctx context.Context, q querier, query string, args ...any) ([]*models.QueueItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func insertQueueItem(ctx context.Context, q querier, now time.Time, item *models.QueueItem) error {
	if item.TaskName == "" {
		return errors.New("task name is required")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}
	if item.RunAt.IsZero() {
		item.RunAt = now
	}
	item.RunAt = item.RunAt.UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	query := `INSERT INTO exchange_queue (` + queueColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		item.ID, item.TaskName, item.Status, item.ConfigID, item.EndpointID, item.SubjectType, item.SubjectID,
		item.Payload, item.PayloadHash, item.RetryCount, item.MaxAttempts, item.RunAt, item.LockedAt, item.LockedBy,
		item.LastHTTPCode, item.LastMessage, item.ExternalRef, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue item: %w", err)
	}
	return nil
}

// EnqueueItem inserts a work item outside of any unit of work.
func (db *DB) EnqueueItem(ctx context.Context, item *models.QueueItem) error {
	return insertQueueItem(ctx, db, db.now(), item)
}

// EnqueueItem inserts a work item as part of the transaction.
func (tx *Tx) EnqueueItem(ctx context.Context, item *models.QueueItem) error {
	return insertQueueItem(ctx, tx, tx.now(), item)
}

// FindOpenItem returns the newest unlocked, claimable-in-principle item for a subject.
func (tx *Tx) FindOpenItem(ctx context.Context, task, subjectType string, subjectID int64) (*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM exchange_queue
              WHERE task_name = ? AND subject_type = ? AND subject_id = ? AND ` + openPredicate + `
              ORDER BY created_at DESC LIMIT 1`
	item, err := scanQueueItem(tx.QueryRowContext(ctx, query, task, subjectType, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open queue item: %w", err)
	}
	return item, nil
}

// LastSuccessfulHash returns the payload hash of the latest successful item, or "".
func (tx *Tx) LastSuccessfulHash(ctx context.Context, task, subjectType string, subjectID int64) (string, error) {
	query := `SELECT payload_hash FROM exchange_queue
              WHERE task_name = ? AND subject_type = ? AND subject_id = ? AND status = 'success'
              ORDER BY updated_at DESC, created_at DESC LIMIT 1`
	var hash string
	err := tx.QueryRowContext(ctx, query, task, subjectType, subjectID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last successful hash: %w", err)
	}
	return hash, nil
}

// RefreshItem replaces the content of an open item and makes it runnable at runAt.
// A zero runAt means now.
func (tx *Tx) RefreshItem(ctx context.Context, id, payload, hash string, runAt time.Time) error {
	if runAt.IsZero() {
		runAt = tx.now()
	}
	query := `UPDATE exchange_queue
              SET payload = ?, payload_hash = ?, run_at = ?, status = 'pending', retry_count = 0, updated_at = ?
              WHERE id = ? AND locked_at IS NULL AND status IN ('pending', 'failed')`
	res, err := tx.ExecContext(ctx, query, payload, hash, runAt.UTC(), tx.now(), id)
	if err != nil {
		return fmt.Errorf("failed to refresh queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLocked
	}
	return nil
}

// CancelOpenItems cancels unlocked items of a subject. Items held by a worker are left alone.
func (tx *Tx) CancelOpenItems(ctx context.Context, subjectType string, subjectID int64, reason string, tasks ...string) (int64, error) {
	query := `UPDATE exchange_queue SET status = 'cancelled', last_message = ?, updated_at = ?
              WHERE subject_type = ? AND subject_id = ? AND status IN ('pending', 'failed') AND locked_at IS NULL`
	args := []any{reason, tx.now(), subjectType, subjectID}
	if len(tasks) > 0 {
		query += ` AND task_name IN (` + placeholders(len(tasks)) + `)`
		args = append(args, stringArgs(tasks)...)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queue items: %w", err)
	}
	return res.RowsAffected()
}

// RecoverExternalRef returns the latest external id any item of the subject recorded, or "".
func (tx *Tx) RecoverExternalRef(ctx context.Context, subjectType string, subjectID int64) (string, error) {
	query := `SELECT external_ref FROM exchange_queue
              WHERE subject_type = ? AND subject_id = ? AND external_ref IS NOT NULL AND external_ref <> ''
              ORDER BY updated_at DESC, created_at DESC LIMIT 1`
	var ref string
	err := tx.QueryRowContext(ctx, query, subjectType, subjectID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to recover external ref: %w", err)
	}
	return ref, nil
}

// CancelItems cancels the given items unless a worker currently holds them.
func (db *DB) CancelItems(ctx context.Context, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE exchange_queue SET status = 'cancelled', last_message = ?, updated_at = ?
              WHERE id IN (` + placeholders(len(ids)) + `) AND status IN ('pending', 'failed') AND locked_at IS NULL`
	args := append([]any{reason, db.now()}, stringArgs(ids)...)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queue items: %w", err)
	}
	return res.RowsAffected()
}

// RequeueItems makes failed or pending items runnable at runAt with a fresh attempt budget.
// Items held by a worker are skipped.
func (db *DB) RequeueItems(ctx context.Context, ids []string, runAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE exchange_queue SET status = 'pending', retry_count = 0, run_at = ?, updated_at = ?
              WHERE id IN (` + placeholders(len(ids)) + `) AND status IN ('pending', 'failed') AND locked_at IS NULL`
	args := append([]any{runAt.UTC(), db.now()}, stringArgs(ids)...)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue items: %w", err)
	}
	return res.RowsAffected()
}

// MarkSuccess records a successful exchange and releases the lock.
func (db *DB) MarkSuccess(ctx context.Context, id string, out Outcome) error {
	query := `UPDATE exchange_queue
              SET status = 'success', locked_at = NULL, locked_by = NULL, last_http_code = ?, last_message = ?,
                  external_ref = COALESCE(?, external_ref), updated_at = ?
              WHERE id = ? AND status = 'processing'`
	res, err := db.ExecContext(ctx, query, nullInt(out.HTTPCode), nullString(out.Message), nullString(out.ExternalRef), db.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLostLock
	}
	return nil
}

// MarkFailure records a failed attempt and schedules the next run.
func (db *DB) MarkFailure(ctx context.Context, id string, f Failure) error {
	runAt := f.RunAt
	if runAt.IsZero() {
		runAt = db.now()
	}
	query := `UPDATE exchange_queue
              SET status = 'failed', locked_at = NULL, locked_by = NULL, last_http_code = ?, last_message = ?, run_at = ?,
                  retry_count = CASE WHEN ? THEN max_attempts ELSE retry_count END, updated_at = ?
              WHERE id = ? AND status = 'processing'`
	res, err := db.ExecContext(ctx, query, nullInt(f.HTTPCode), nullString(f.Message), runAt.UTC(), f.Terminal, db.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLostLock
	}
	return nil
}

// GetQueueItem loads one item by id.
func (db *DB) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM exchange_queue WHERE id = ?`
	item, err := scanQueueItem(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// ListQueueItems returns items newest first.
func (db *DB) ListQueueItems(ctx context.Context, f QueueFilter) ([]*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM exchange_queue WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TaskName != "" {
		query += ` AND task_name = ?`
		args = append(args, f.TaskName)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, limit)

	items, err := queryQueueItems(ctx, db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	return items, nil
}

// QueueStats counts items per status.
func (db *DB) QueueStats(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM exchange_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
