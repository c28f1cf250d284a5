// Package scheduler enqueues periodic exchange work: tariff pushes and
// booking pulls. Jobs run under a redis lock so only one instance of a
// cluster enqueues per tick.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/config"
	"channelsync/internal/database"
	"channelsync/internal/events"
	"channelsync/internal/logging"
	"channelsync/internal/models"
	"channelsync/internal/reconcile"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const lockPrefix = "channelsync:schedule:"

// Scheduler owns the cron runner and the periodic jobs.
type Scheduler struct {
	cron        *cron.Cron
	db          *database.DB
	locker      *redislock.Client
	bus         *events.EventBus
	cfg         config.ScheduleConfig
	maxAttempts int
	logger      *zerolog.Logger
	clock       func() time.Time
	baseCtx     context.Context
}

// New builds a scheduler. locker and bus may be nil.
func New(db *database.DB, locker *redislock.Client, bus *events.EventBus, cfg *config.Config, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		db:          db,
		locker:      locker,
		bus:         bus,
		cfg:         cfg.Schedule,
		maxAttempts: cfg.Exchange.MaxAttempts,
		logger:      logging.Component(logger, "scheduler"),
		clock:       func() time.Time { return time.Now().UTC() },
		baseCtx:     context.Background(),
	}
}

// SetClock overrides the time used to compute windows.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

// Register adds the rates, pull and, when enabled, backup jobs.
func (s *Scheduler) Register(backup *database.BackupService, backupSpec string) error {
	jobs := []job{
		{"rates", s.cfg.RatesSpec, func(ctx context.Context) error { _, err := s.EnqueueRates(ctx); return err }},
		{"pull", s.cfg.PullSpec, func(ctx context.Context) error { _, err := s.EnqueuePulls(ctx); return err }},
	}
	if backup != nil && backup.Enabled() {
		jobs = append(jobs, job{"backup", backupSpec, func(ctx context.Context) error { backup.Run(ctx); return nil }})
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name, run := j.name, j.run
		if _, err := s.cron.AddFunc(j.spec, func() { s.RunLocked(s.baseCtx, name, run) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, j.spec, err)
		}
		s.logger.Info().Str("job", name).Str("spec", j.spec).Msg("job scheduled")
	}
	return nil
}

// Start runs the cron loop in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.logger.Info().Msg("cron started")
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("cron stopped")
}

// RunLocked runs the job when the lock for name is free. It reports whether the
// job ran.
func (s *Scheduler) RunLocked(ctx context.Context, name string, run func(context.Context) error) bool {
	log := s.logger.With().Str("job", name).Logger()
	if s.locker != nil {
		ttl := s.cfg.LockTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		lock, err := s.locker.Obtain(ctx, lockPrefix+name, ttl, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			log.Debug().Msg("job locked by another instance")
			return false
		}
		if err != nil {
			log.Error().Err(err).Msg("obtain job lock failed")
			return false
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn().Err(err).Msg("release job lock failed")
			}
		}()
	}

	start := time.Now()
	if err := run(ctx); err != nil {
		log.Error().Err(err).Msg("job failed")
		return true
	}
	log.Info().Dur("duration", time.Since(start)).Msg("job finished")
	return true
}

// EnqueueRates schedules a push_rates item per active mapping covering today
// up to the configured horizon. The payload carries a digest of the tariffs so
// unchanged windows are not sent twice.
func (s *Scheduler) EnqueueRates(ctx context.Context) (int, error) {
	endpoint, err := s.db.EndpointByAction(ctx, models.TaskPushRates)
	if err != nil {
		return 0, fmt.Errorf("push_rates endpoint: %w", err)
	}
	mappings, err := s.db.ListActiveMappings(ctx)
	if err != nil {
		return 0, err
	}

	horizon := s.cfg.RatesHorizonDays
	if horizon <= 0 {
		horizon = 365
	}
	from := dayOf(s.clock())
	to := from.AddDate(0, 0, horizon)

	work := make([]reconcile.Work, 0, len(mappings))
	digests := make(map[int64]string)
	for _, m := range mappings {
		digest, ok := digests[m.UnitID]
		if !ok {
			ranges, err := s.db.TariffRanges(ctx, m.UnitID, from, to)
			if err != nil {
				return 0, err
			}
			if digest, err = tariffDigest(ranges); err != nil {
				return 0, err
			}
			digests[m.UnitID] = digest
		}
		work = append(work, reconcile.Work{
			TaskName:    models.TaskPushRates,
			ConfigID:    m.ConfigID,
			EndpointID:  endpoint.ID,
			SubjectType: models.SubjectMapping,
			SubjectID:   m.ID,
			Payload: models.RatesPayload{
				From:   from.Format(models.DateLayout),
				To:     to.Format(models.DateLayout),
				Digest: digest,
			},
			MaxAttempts: s.maxAttempts,
		})
	}
	return s.enqueue(ctx, models.TaskPushRates, work)
}

// EnqueuePulls schedules one pull_bookings item per active config. Each tick
// yields a new payload so a pull is never deduplicated against the last one.
func (s *Scheduler) EnqueuePulls(ctx context.Context) (int, error) {
	endpoint, err := s.db.EndpointByAction(ctx, models.TaskPullBookings)
	if err != nil {
		return 0, fmt.Errorf("pull_bookings endpoint: %w", err)
	}
	configs, err := s.db.ListConfigs(ctx, true)
	if err != nil {
		return 0, err
	}

	now := s.clock()
	var since string
	if s.cfg.PullLookback > 0 {
		since = now.Add(-s.cfg.PullLookback).Format(time.RFC3339)
	}
	work := make([]reconcile.Work, 0, len(configs))
	for _, c := range configs {
		work = append(work, reconcile.Work{
			TaskName:    models.TaskPullBookings,
			ConfigID:    c.ID,
			EndpointID:  endpoint.ID,
			SubjectType: models.SubjectConfig,
			SubjectID:   c.ID,
			Payload:     models.PullPayload{Since: since, RequestedAt: now.Format(time.RFC3339)},
			MaxAttempts: s.maxAttempts,
		})
	}
	return s.enqueue(ctx, models.TaskPullBookings, work)
}

// enqueue stores work in one unit of work and announces pending ids after
// commit. It returns how many items are pending.
func (s *Scheduler) enqueue(ctx context.Context, task string, work []reconcile.Work) (int, error) {
	if len(work) == 0 {
		return 0, nil
	}
	var ids []string
	err := s.db.WithinTx(ctx, database.OriginAdmin, func(tx *database.Tx) error {
		ids = ids[:0]
		for _, w := range work {
			res, err := reconcile.Enqueue(ctx, tx, w)
			if err != nil {
				return err
			}
			if res.Pending() {
				ids = append(ids, res.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := s.bus.PublishJSON(events.EventTasksEnqueued, events.TasksEnqueuedPayload{TaskName: task, IDs: ids}); err != nil {
			s.logger.Warn().Err(err).Str("task", task).Msg("publish enqueued items failed")
		}
	}
	s.logger.Debug().Str("task", task).Int("subjects", len(work)).Int("pending", len(ids)).Msg("work enqueued")
	return len(ids), nil
}

func tariffDigest(ranges []*models.TariffRange) (string, error) {
	type entry struct {
		ID    int64  `json:"id"`
		Start string `json:"start"`
		End   string `json:"end"`
		Price string `json:"price"`
		Cur   string `json:"currency"`
		Min   int    `json:"min_stay"`
		Imp   bool   `json:"important"`
		W     int    `json:"weight"`
	}
	entries := make([]entry, len(ranges))
	for i, r := range ranges {
		entries[i] = entry{
			ID:    r.ID,
			Start: r.StartDate.Format(models.DateLayout),
			End:   r.EndDate.Format(models.DateLayout),
			Price: r.Price.String(),
			Cur:   r.Currency,
			Min:   r.MinStay,
			Imp:   r.Important,
			W:     r.Weight,
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return reconcile.Hash(data)[:16], nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
