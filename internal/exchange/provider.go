package exchange

import (
	"context"
	"time"

	"channelsync/internal/models"
)

// Claimer is the claim engine as seen by providers.
type Claimer interface {
	ClaimRunnable(ctx context.Context, task string, limit int, workerID string, now time.Time, ttl time.Duration) ([]*models.QueueItem, error)
	ClaimSpecific(ctx context.Context, task string, ids []string, workerID string, now time.Time, ttl time.Duration) ([]*models.QueueItem, error)
}

// QueueProvider claims items of one task from the queue store.
type QueueProvider struct {
	task        string
	claimer     Claimer
	lockTTL     time.Duration
	specificTTL time.Duration
	clock       func() time.Time
}

// NewQueueProvider builds a provider; zero TTLs fall back to the store defaults.
func NewQueueProvider(task string, claimer Claimer, lockTTL, specificTTL time.Duration) *QueueProvider {
	return &QueueProvider{
		task:        task,
		claimer:     claimer,
		lockTTL:     lockTTL,
		specificTTL: specificTTL,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time used for claims.
func (p *QueueProvider) WithClock(clock func() time.Time) *QueueProvider {
	p.clock = clock
	return p
}

func (p *QueueProvider) ClaimBatch(ctx context.Context, limit int, workerID string) (*Batch, error) {
	items, err := p.claimer.ClaimRunnable(ctx, p.task, limit, workerID, p.clock(), p.lockTTL)
	if err != nil {
		return nil, err
	}
	batch, err := NewBatch(p.task, items)
	if err != nil {
		return nil, &MixedBatchError{Items: items, Err: err}
	}
	return batch, nil
}

// ClaimSpecific claims the given ids and splits them into homogeneous batches of at most limit items.
func (p *QueueProvider) ClaimSpecific(ctx context.Context, ids []string, limit int, workerID string) ([]*Batch, error) {
	items, err := p.claimer.ClaimSpecific(ctx, p.task, ids, workerID, p.clock(), p.specificTTL)
	if err != nil {
		return nil, err
	}
	return Partition(p.task, items, limit), nil
}
