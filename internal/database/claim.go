package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/metrics"
	"channelsync/internal/models"
)

const claimablePredicate = `status IN ('pending', 'failed') AND run_at <= ? AND retry_count < max_attempts`

const watchdogMessage = "watchdog_timeout"

// ClaimRunnable locks up to limit runnable items of one (config, endpoint) group.
//
// The sequence is watchdog, probe, fetch, lock, hydrate, all inside a single
// transaction. On MySQL the probe and fetch skip rows locked by concurrent
// claimers; on SQLite the transaction holds the database write lock.
func (db *DB) ClaimRunnable(ctx context.Context, task string, limit int, workerID string, now time.Time, ttl time.Duration) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = models.DefaultBatchSize
	}
	if ttl <= 0 {
		ttl = models.DefaultLockTTL
	}
	now = now.UTC()

	var items []*models.QueueItem
	err := db.claimTx(ctx, func(tx *sql.Tx) error {
		if err := db.watchdog(ctx, tx, task, now, ttl, nil); err != nil {
			return err
		}

		var configID, endpointID int64
		probe := `SELECT config_id, endpoint_id FROM exchange_queue
                  WHERE task_name = ? AND ` + claimablePredicate + `
                  ORDER BY run_at, id LIMIT 1` + db.lockClause()
		err := tx.QueryRowContext(ctx, probe, task, now).Scan(&configID, &endpointID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}

		fetch := `SELECT id FROM exchange_queue
                  WHERE task_name = ? AND config_id = ? AND endpoint_id = ? AND ` + claimablePredicate + `
                  ORDER BY run_at, id LIMIT ?` + db.lockClause()
		ids, err := queryIDs(ctx, tx, fetch, task, configID, endpointID, now, limit)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}

		items, err = db.lockAndHydrate(ctx, tx, ids, workerID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s: %w", task, err)
	}

	metrics.AddClaimed(task, len(items))
	return items, nil
}

// ClaimSpecific locks the claimable subset of ids, skipping the group probe.
// The result may span several groups; callers split it.
func (db *DB) ClaimSpecific(ctx context.Context, task string, ids []string, workerID string, now time.Time, ttl time.Duration) ([]*models.QueueItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = models.DefaultSpecificLockTTL
	}
	now = now.UTC()

	var items []*models.QueueItem
	err := db.claimTx(ctx, func(tx *sql.Tx) error {
		if err := db.watchdog(ctx, tx, task, now, ttl, ids); err != nil {
			return err
		}

		fetch := `SELECT id FROM exchange_queue
                  WHERE task_name = ? AND id IN (` + placeholders(len(ids)) + `) AND ` + claimablePredicate + `
                  ORDER BY run_at, id` + db.lockClause()
		args := append([]any{task}, stringArgs(ids)...)
		args = append(args, now)
		claimable, err := queryIDs(ctx, tx, fetch, args...)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}

		items, err = db.lockAndHydrate(ctx, tx, claimable, workerID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim specific %s: %w", task, err)
	}

	metrics.AddClaimed(task, len(items))
	return items, nil
}

func (db *DB) claimTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// watchdog fails processing rows locked at or before now-ttl so they become claimable again.
func (db *DB) watchdog(ctx context.Context, tx *sql.Tx, task string, now time.Time, ttl time.Duration, ids []string) error {
	query := `UPDATE exchange_queue
              SET status = 'failed', locked_at = NULL, locked_by = NULL, run_at = ?, last_message = ?, updated_at = ?
              WHERE task_name = ? AND status = 'processing' AND locked_at <= ?`
	args := []any{now, watchdogMessage, now, task, now.Add(-ttl)}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		args = append(args, stringArgs(ids)...)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.logger.Warn().Str("task", task).Int64("recovered", n).Dur("ttl", ttl).Msg("watchdog released stale locks")
		metrics.AddWatchdogRecovered(task, n)
	}
	return nil
}

func (db *DB) lockAndHydrate(ctx context.Context, tx *sql.Tx, ids []string, workerID string, now time.Time) ([]*models.QueueItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	lock := `UPDATE exchange_queue
             SET status = 'processing', locked_at = ?, locked_by = ?, retry_count = retry_count + 1, updated_at = ?
             WHERE id IN (` + placeholders(len(ids)) + `) AND status IN ('pending', 'failed')`
	args := append([]any{now, workerID, now}, stringArgs(ids)...)
	if _, err := tx.ExecContext(ctx, lock, args...); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	query := `SELECT ` + queueColumns + ` FROM exchange_queue
              WHERE id IN (` + placeholders(len(ids)) + `) AND status = 'processing' AND locked_by = ?
              ORDER BY run_at, id`
	items, err := queryQueueItems(ctx, tx, query, append(stringArgs(ids), workerID)...)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	if err := hydrate(ctx, tx, items); err != nil {
		return nil, fmt.Errorf("hydrate: %w", err)
	}
	return items, nil
}

// hydrate attaches config, endpoint and subject. Missing references stay nil.
func hydrate(ctx context.Context, q querier, items []*models.QueueItem) error {
	configs := make(map[int64]*models.ExchangeConfig)
	endpoints := make(map[int64]*models.Endpoint)

	for _, item := range items {
		if _, ok := configs[item.ConfigID]; !ok {
			cfg, err := getConfig(ctx, q, item.ConfigID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			configs[item.ConfigID] = cfg
		}
		item.Config = configs[item.ConfigID]

		if _, ok := endpoints[item.EndpointID]; !ok {
			ep, err := getEndpoint(ctx, q, item.EndpointID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			endpoints[item.EndpointID] = ep
		}
		item.Endpoint = endpoints[item.EndpointID]

		switch item.SubjectType {
		case models.SubjectLink:
			link, err := getLink(ctx, q, item.SubjectID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			item.Link = link
			if link != nil && link.MappingID != nil {
				mapping, err := getMapping(ctx, q, *link.MappingID)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				item.Mapping = mapping
			}
		case models.SubjectMapping:
			mapping, err := getMapping(ctx, q, item.SubjectID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			item.Mapping = mapping
		}
	}
	return nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
