package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverQueue uses primary until it fails, then fallback. The primary is
// retried once recoveryInterval has passed since the last failure.
type FailoverQueue struct {
	primary   Queue
	fallback  Queue
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverQueue(primary, fallback Queue, logger *zerolog.Logger) *FailoverQueue {
	return &FailoverQueue{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (q *FailoverQueue) markDown(err error) {
	if !q.isDown.Swap(true) {
		q.logger.Error().Err(err).Msg("primary dispatch queue failed, falling back to memory")
	}
	q.lastCheck.Store(q.now().UnixNano())
}

// usePrimary reports whether the primary should be tried now.
func (q *FailoverQueue) usePrimary() bool {
	if !q.isDown.Load() {
		return true
	}
	return q.now().Sub(time.Unix(0, q.lastCheck.Load())) > recoveryInterval
}

func (q *FailoverQueue) recovered() {
	if q.isDown.Swap(false) {
		q.logger.Info().Msg("primary dispatch queue recovered")
	}
}

func (q *FailoverQueue) Publish(ctx context.Context, msg Message) error {
	if q.usePrimary() {
		err := q.primary.Publish(ctx, msg)
		if err == nil {
			q.recovered()
			return nil
		}
		q.markDown(err)
	}
	return q.fallback.Publish(ctx, msg)
}

// Receive drains the fallback first so nothing published during an outage is stranded.
func (q *FailoverQueue) Receive(ctx context.Context, wait time.Duration) (Message, bool, error) {
	if msg, ok, err := q.fallback.Receive(ctx, 0); err != nil || ok {
		return msg, ok, err
	}

	if q.usePrimary() {
		msg, ok, err := q.primary.Receive(ctx, wait)
		if err == nil {
			q.recovered()
			return msg, ok, nil
		}
		if ctx.Err() != nil {
			return Message{}, false, ctx.Err()
		}
		q.markDown(err)
	}
	return q.fallback.Receive(ctx, wait)
}
