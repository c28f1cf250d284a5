package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/metrics"
	"channelsync/internal/models"
)

// Enqueue outcomes, also used as metric labels.
const (
	Inserted  = "insert"
	Refreshed = "refresh"
	Unchanged = "noop"
)

// Work is one unit of exchange work to schedule for a subject.
type Work struct {
	TaskName    string
	ConfigID    int64
	EndpointID  int64
	SubjectType string
	SubjectID   int64
	Payload     any
	MaxAttempts int
	RunAt       time.Time
}

// Result tells what Enqueue did. ID is set whenever an item is left pending.
type Result struct {
	ID     string
	Action string
}

// Pending reports whether an item is waiting to run.
func (r Result) Pending() bool {
	return r.ID != ""
}

// Hash is the content hash of a payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Enqueue schedules w idempotently:
//   - an open item with the same hash is kept as is;
//   - an open item with another hash is refreshed;
//   - without open item, a last success with the same hash means nothing to do;
//   - otherwise a new item is inserted.
func Enqueue(ctx context.Context, tx *database.Tx, w Work) (Result, error) {
	data, err := json.Marshal(w.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s payload: %w", w.TaskName, err)
	}
	payload, hash := string(data), Hash(data)

	res, err := enqueue(ctx, tx, w, payload, hash)
	if err != nil {
		return Result{}, err
	}
	metrics.IncEnqueue(w.TaskName, res.Action)
	return res, nil
}

func enqueue(ctx context.Context, tx *database.Tx, w Work, payload, hash string) (Result, error) {
	open, err := tx.FindOpenItem(ctx, w.TaskName, w.SubjectType, w.SubjectID)
	switch {
	case err == nil:
		if open.PayloadHash == hash {
			return Result{ID: open.ID, Action: Unchanged}, nil
		}
		err = tx.RefreshItem(ctx, open.ID, payload, hash, w.RunAt)
		if err == nil {
			return Result{ID: open.ID, Action: Refreshed}, nil
		}
		// Claimed in between: the new content goes into a fresh item.
		if !errors.Is(err, database.ErrLocked) {
			return Result{}, err
		}
	case errors.Is(err, database.ErrNotFound):
		last, err := tx.LastSuccessfulHash(ctx, w.TaskName, w.SubjectType, w.SubjectID)
		if err != nil {
			return Result{}, err
		}
		if last == hash {
			return Result{Action: Unchanged}, nil
		}
	default:
		return Result{}, err
	}

	item := &models.QueueItem{
		TaskName:    w.TaskName,
		ConfigID:    w.ConfigID,
		EndpointID:  w.EndpointID,
		SubjectType: w.SubjectType,
		SubjectID:   w.SubjectID,
		Payload:     payload,
		PayloadHash: hash,
		MaxAttempts: w.MaxAttempts,
		RunAt:       w.RunAt,
	}
	if err := tx.EnqueueItem(ctx, item); err != nil {
		return Result{}, err
	}
	return Result{ID: item.ID, Action: Inserted}, nil
}
