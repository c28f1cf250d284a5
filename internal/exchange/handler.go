package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/events"
	"channelsync/internal/metrics"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
)

// OutcomeStore records item outcomes.
type OutcomeStore interface {
	MarkSuccess(ctx context.Context, id string, out database.Outcome) error
	MarkFailure(ctx context.Context, id string, f database.Failure) error
}

// Publisher receives item_dead_lettered events.
type Publisher interface {
	PublishJSON(eventType string, payload any) error
}

// QueueHandler is the base handler: it writes outcomes to the queue and
// derives the next run from the failure kind. Task handlers embed it.
type QueueHandler struct {
	Store          OutcomeStore
	Policy         RetryPolicy
	RejectionDelay time.Duration
	DeadLetter     DeadLetter
	Bus            Publisher
	Logger         *zerolog.Logger
	Clock          func() time.Time
}

func (h *QueueHandler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

func (h *QueueHandler) HandleSuccess(ctx context.Context, item *models.QueueItem, result ItemResult) error {
	code := result.HTTPCode
	if code == 0 {
		code = 200
	}
	if err := h.Store.MarkSuccess(ctx, item.ID, database.Outcome{
		HTTPCode:    code,
		Message:     result.Message,
		ExternalRef: result.ExternalID,
	}); err != nil {
		return fmt.Errorf("mark success %s: %w", item.ID, err)
	}
	metrics.IncOutcome(item.TaskName, "success")
	return nil
}

func (h *QueueHandler) HandleFailure(ctx context.Context, item *models.QueueItem, cause error) error {
	failure, kind := h.Classify(item, cause)
	if err := h.Store.MarkFailure(ctx, item.ID, failure); err != nil {
		return fmt.Errorf("mark failure %s: %w", item.ID, err)
	}
	metrics.IncOutcome(item.TaskName, kind)

	if failure.Terminal || item.RetryCount >= item.MaxAttempts {
		if h.Logger != nil {
			h.Logger.Warn().Str("item_id", item.ID).Str("task", item.TaskName).Str("kind", kind).
				Int("retry_count", item.RetryCount).Msg(failure.Message)
		}
		if h.DeadLetter != nil {
			if err := h.DeadLetter.Push(ctx, item, failure.Message); err != nil && h.Logger != nil {
				h.Logger.Error().Err(err).Str("item_id", item.ID).Msg("dead letter push failed")
			}
		}
		if h.Bus != nil {
			payload := events.DeadLetterPayload{ItemID: item.ID, TaskName: item.TaskName, Reason: failure.Message}
			if err := h.Bus.PublishJSON(events.EventItemDeadLettered, payload); err != nil && h.Logger != nil {
				h.Logger.Error().Err(err).Str("item_id", item.ID).Msg("publish dead letter event failed")
			}
		}
	}
	return nil
}

// Classify maps a cause to the failure written to the store and a metric label.
// item.RetryCount is the attempt that just ran.
func (h *QueueHandler) Classify(item *models.QueueItem, cause error) (database.Failure, string) {
	now := h.now()
	failure := database.Failure{Message: cause.Error()}

	var transport *TransportError
	var rejection *RejectionError
	switch {
	case errors.Is(cause, ErrIntegrity):
		failure.Terminal = true
		failure.RunAt = now
		return failure, "integrity"
	case errors.As(cause, &rejection):
		failure.HTTPCode = rejection.HTTPCode
		delay := h.RejectionDelay
		if delay <= 0 {
			delay = time.Minute
		}
		failure.RunAt = now.Add(delay)
		return failure, "rejected"
	case errors.As(cause, &transport):
		failure.HTTPCode = transport.StatusCode
	}
	failure.RunAt = now.Add(h.Policy.NextDelay(item.RetryCount))
	return failure, "transport"
}
