package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"channelsync/internal/app"
	"channelsync/internal/database"
	"channelsync/internal/scheduler"
	"channelsync/internal/worker"

	"github.com/bsm/redislock"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := app.LoadConfig("worker-main")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	queue, err := rt.DispatchQueue(ctx, true)
	if err != nil {
		logger.Error().Err(err).Msg("init dispatch queue")
		return err
	}

	app.StartMetrics(ctx, cfg, logger)

	var locker *redislock.Client
	if rt.Redis != nil {
		locker = redislock.New(rt.Redis)
	} else {
		logger.Warn().Msg("redis unavailable, scheduled jobs run without a distributed lock")
	}

	sched := scheduler.New(rt.DB, locker, rt.Bus, cfg, logger)
	backup := database.NewBackupService(rt.DB, cfg.Backup, logger)
	if err := sched.Register(backup, cfg.Backup.Schedule); err != nil {
		logger.Error().Err(err).Msg("register scheduled jobs")
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	taskNames := rt.EnabledTasks()
	w := worker.NewExchangeWorker(rt.Orchestrator, queue, taskNames, cfg.Exchange.PollInterval, logger)
	logger.Info().Strs("tasks", taskNames).Msg("exchange worker started")

	w.Start(ctx)

	logger.Info().Msg("exchange worker stopped")
	return nil
}
