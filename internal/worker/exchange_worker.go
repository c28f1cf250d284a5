package worker

import (
	"context"
	"time"

	"channelsync/internal/dispatch"
	"channelsync/internal/exchange"
	"channelsync/internal/logging"

	"github.com/rs/zerolog"
)

// Runner processes queued items of one task.
type Runner interface {
	RunOnce(ctx context.Context, taskName string) (*exchange.Report, error)
	RunSpecific(ctx context.Context, taskName string, ids []string) (*exchange.Report, error)
}

// ExchangeWorker runs dispatched items first and polls every task when the
// dispatch queue is idle.
type ExchangeWorker struct {
	runner       Runner
	queue        dispatch.Queue
	tasks        []string
	pollInterval time.Duration
	receiveWait  time.Duration
	logger       *zerolog.Logger
}

// NewExchangeWorker builds a worker. queue may be nil, in which case the
// worker only polls.
func NewExchangeWorker(runner Runner, queue dispatch.Queue, tasks []string, pollInterval time.Duration, logger *zerolog.Logger) *ExchangeWorker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ExchangeWorker{
		runner:       runner,
		queue:        queue,
		tasks:        tasks,
		pollInterval: pollInterval,
		receiveWait:  time.Second,
		logger:       logging.Component(logger, "exchange_worker"),
	}
}

// Start launches the main loop; it returns when ctx is done.
func (w *ExchangeWorker) Start(ctx context.Context) {
	w.logger.Info().Strs("tasks", w.tasks).Dur("poll_interval", w.pollInterval).Msg("exchange worker started")
	defer w.logger.Info().Msg("exchange worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.tryDispatch(ctx) {
			continue
		}
		if w.poll(ctx) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// Drain polls every task until nothing is claimable and returns the reports.
func (w *ExchangeWorker) Drain(ctx context.Context) ([]*exchange.Report, error) {
	var reports []*exchange.Report
	for {
		claimed := 0
		for _, task := range w.tasks {
			report, err := w.runner.RunOnce(ctx, task)
			if err != nil {
				return reports, err
			}
			if report.Claimed > 0 {
				reports = append(reports, report)
			}
			claimed += report.Claimed
		}
		if claimed == 0 || ctx.Err() != nil {
			return reports, ctx.Err()
		}
	}
}

func (w *ExchangeWorker) tryDispatch(ctx context.Context) bool {
	if w.queue == nil {
		return false
	}
	msg, ok, err := w.queue.Receive(ctx, w.receiveWait)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("dispatch receive failed")
		}
		return false
	}
	if !ok || len(msg.IDs) == 0 {
		return false
	}

	report, err := w.runner.RunSpecific(ctx, msg.TaskName, msg.IDs)
	if err != nil {
		w.logger.Error().Err(err).Str("task", msg.TaskName).Int("items", len(msg.IDs)).Msg("run dispatched items failed")
		return true
	}
	w.logReport(report)
	return true
}

// poll runs one batch of every task and returns how many items were claimed.
func (w *ExchangeWorker) poll(ctx context.Context) int {
	claimed := 0
	for _, task := range w.tasks {
		if ctx.Err() != nil {
			return claimed
		}
		report, err := w.runner.RunOnce(ctx, task)
		if err != nil {
			w.logger.Error().Err(err).Str("task", task).Msg("poll failed")
			continue
		}
		claimed += report.Claimed
		w.logReport(report)
	}
	return claimed
}

func (w *ExchangeWorker) logReport(r *exchange.Report) {
	if r == nil || r.Claimed == 0 {
		return
	}
	w.logger.Debug().Str("task", r.Task).Int("claimed", r.Claimed).
		Int("succeeded", r.Succeeded).Int("failed", r.Failed).Msg("run finished")
}
