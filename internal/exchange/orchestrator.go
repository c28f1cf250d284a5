package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/logging"
	"channelsync/internal/metrics"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ItemReport is the outcome of one item in a run.
type ItemReport struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Report summarizes a run.
type Report struct {
	Task      string       `json:"task"`
	Batches   int          `json:"batches"`
	Claimed   int          `json:"claimed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Items     []ItemReport `json:"items,omitempty"`
}

func (r *Report) add(id string, ok bool, msg string) {
	r.Items = append(r.Items, ItemReport{ID: id, OK: ok, Message: msg})
	if ok {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

// Orchestrator drives claim, map, send, parse and handle for registered tasks.
type Orchestrator struct {
	registry  *Registry
	transport Transport
	workerID  string
	logger    *zerolog.Logger
	tracer    trace.Tracer
}

func NewOrchestrator(registry *Registry, transport Transport, workerID string, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		transport: transport,
		workerID:  workerID,
		logger:    logging.Component(logger, "orchestrator"),
		tracer:    otel.Tracer("channelsync/exchange"),
	}
}

// Registry returns the tasks the orchestrator runs.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// WorkerID is the lock owner written on claimed items.
func (o *Orchestrator) WorkerID() string {
	return o.workerID
}

// RunOnce claims and processes one batch of task. An empty queue yields an empty report.
func (o *Orchestrator) RunOnce(ctx context.Context, taskName string) (*Report, error) {
	task, err := o.registry.Get(taskName)
	if err != nil {
		return nil, err
	}

	report := &Report{Task: taskName}
	batch, err := task.Provider.ClaimBatch(ctx, task.BatchSize, o.workerID)
	var mixed *MixedBatchError
	if errors.As(err, &mixed) {
		o.logger.Error().Err(err).Str("worker_id", o.workerID).Str("task", taskName).Int("batch_size", len(mixed.Items)).
			Msg("claimed items span several groups")
		report.Batches++
		report.Claimed += len(mixed.Items)
		o.failAll(ctx, task, mixed.Items, mixed.Err, report)
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", taskName, err)
	}
	if batch == nil {
		return report, nil
	}

	o.process(ctx, task, batch, report)
	return report, nil
}

// RunSpecific claims the given ids and processes them synchronously.
// Ids that are not claimable are left untouched and do not appear in the report.
func (o *Orchestrator) RunSpecific(ctx context.Context, taskName string, ids []string) (*Report, error) {
	task, err := o.registry.Get(taskName)
	if err != nil {
		return nil, err
	}

	report := &Report{Task: taskName}
	batches, err := task.Provider.ClaimSpecific(ctx, ids, task.BatchSize, o.workerID)
	if err != nil {
		return nil, fmt.Errorf("claim specific %s: %w", taskName, err)
	}
	for _, batch := range batches {
		o.process(ctx, task, batch, report)
	}
	return report, nil
}

func (o *Orchestrator) process(ctx context.Context, task *Task, batch *Batch, report *Report) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "exchange.batch", trace.WithAttributes(
		attribute.String("exchange.task", task.Name),
		attribute.Int("exchange.batch_size", len(batch.Items)),
	))
	defer span.End()
	defer func() {
		metrics.ObserveBatch(task.Name, time.Since(start).Seconds())
		if r, ok := task.Handler.(Resetter); ok {
			r.Reset()
		}
	}()

	report.Batches++
	report.Claimed += len(batch.Items)
	log := o.logger.With().Str("worker_id", o.workerID).Str("task", task.Name).Int("batch_size", len(batch.Items)).Logger()

	pending := o.rejectInvalid(ctx, task, batch, report)
	if len(pending) == 0 {
		return
	}
	batch.Items = pending

	req, err := task.Strategy.Map(ctx, batch)
	if err != nil {
		log.Error().Err(err).Msg("map batch failed")
		o.failAll(ctx, task, batch.Items, err, report)
		return
	}
	for id, cause := range req.Skipped {
		if item := batch.Item(id); item != nil {
			o.fail(ctx, task, item, cause, report)
		}
	}
	if req.Empty() {
		return
	}

	sent := make([]*models.QueueItem, 0, len(req.Correlation))
	for _, id := range req.Correlation {
		if item := batch.Item(id); item != nil {
			sent = append(sent, item)
		}
	}

	raw, err := o.transport.Do(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("batch call failed")
		o.failAll(ctx, task, sent, err, report)
		return
	}

	results, err := task.Strategy.ParseResponse(raw, req)
	if err != nil {
		log.Warn().Err(err).Int("status", raw.StatusCode).Msg("parse response failed")
		var transportErr *TransportError
		if !errors.As(err, &transportErr) && !errors.Is(err, ErrIntegrity) {
			err = &TransportError{StatusCode: raw.StatusCode, Err: err}
		}
		o.failAll(ctx, task, sent, err, report)
		return
	}

	for _, item := range sent {
		result, ok := results[item.ID]
		switch {
		case !ok:
			o.fail(ctx, task, item, &RejectionError{Message: "no result for item", HTTPCode: raw.StatusCode}, report)
		case !result.OK:
			msg := result.Message
			if msg == "" {
				msg = "rejected by platform"
			}
			o.fail(ctx, task, item, &RejectionError{Message: msg, HTTPCode: result.HTTPCode}, report)
		default:
			if err := task.Handler.HandleSuccess(ctx, item, result); err != nil {
				log.Error().Err(err).Str("item_id", item.ID).Msg("handle success failed")
				report.add(item.ID, false, err.Error())
				continue
			}
			report.add(item.ID, true, result.Message)
		}
	}
	log.Info().Int("succeeded", report.Succeeded).Int("failed", report.Failed).Dur("duration", time.Since(start)).Msg("batch processed")
}

// rejectInvalid fails items whose config or endpoint is missing and returns the rest.
func (o *Orchestrator) rejectInvalid(ctx context.Context, task *Task, batch *Batch, report *Report) []*models.QueueItem {
	valid := make([]*models.QueueItem, 0, len(batch.Items))
	for _, item := range batch.Items {
		switch {
		case item.Config == nil:
			o.fail(ctx, task, item, Integrity("config %d not found", item.ConfigID), report)
		case item.Endpoint == nil:
			o.fail(ctx, task, item, Integrity("endpoint %d not found for %s", item.EndpointID, task.Name), report)
		default:
			valid = append(valid, item)
		}
	}
	return valid
}

func (o *Orchestrator) failAll(ctx context.Context, task *Task, items []*models.QueueItem, cause error, report *Report) {
	for _, item := range items {
		o.fail(ctx, task, item, cause, report)
	}
}

func (o *Orchestrator) fail(ctx context.Context, task *Task, item *models.QueueItem, cause error, report *Report) {
	if err := task.Handler.HandleFailure(ctx, item, cause); err != nil {
		o.logger.Error().Err(err).Str("task", task.Name).Str("item_id", item.ID).Msg("handle failure failed")
	}
	report.add(item.ID, false, cause.Error())
}
