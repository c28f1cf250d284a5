// Package dispatch carries the ids of freshly enqueued items to workers so
// they run without waiting for the next poll. Losing a message only delays
// work: the queue store stays the source of truth.
package dispatch

import (
	"context"
	"errors"
	"time"

	"channelsync/internal/events"
	"channelsync/internal/logging"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when a bounded queue cannot take a message.
var ErrQueueFull = errors.New("dispatch queue is full")

// Message names pending items of one task.
type Message struct {
	TaskName string   `json:"task_name"`
	IDs      []string `json:"ids"`
}

// Queue moves messages from producers to workers.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	// Receive waits up to wait for a message. ok is false when none arrived.
	Receive(ctx context.Context, wait time.Duration) (msg Message, ok bool, err error)
}

// Forward publishes every tasks_enqueued event of bus to q.
func Forward(bus *events.EventBus, q Queue, timeout time.Duration, logger *zerolog.Logger) {
	log := logging.Component(logger, "dispatch")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	bus.Subscribe(events.EventTasksEnqueued, func(e *events.Event) error {
		var payload events.TasksEnqueuedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := q.Publish(ctx, Message{TaskName: payload.TaskName, IDs: payload.IDs}); err != nil {
			log.Warn().Err(err).Str("task", payload.TaskName).Int("items", len(payload.IDs)).Msg("dispatch failed, items wait for polling")
			return err
		}
		return nil
	})
}
