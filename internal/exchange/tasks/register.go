package tasks

import (
	"fmt"

	"channelsync/internal/config"
	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/models"
)

var defaultBatchSizes = map[string]int{
	models.TaskPushBookings:   20,
	models.TaskDeleteBookings: 20,
	models.TaskPullBookings:   1,
	models.TaskPushRates:      10,
}

// Names lists the tasks Register binds.
func Names() []string {
	return []string{models.TaskPushBookings, models.TaskDeleteBookings, models.TaskPullBookings, models.TaskPushRates}
}

type binding struct {
	strategy exchange.MappingStrategy
	handler  exchange.Handler
}

// Deps are the collaborators shared by the tasks.
type Deps struct {
	DB      *database.DB
	Applier BookingApplier
	Config  *config.Config
	// Base is copied into every task handler.
	Base exchange.QueueHandler
}

// Register binds every task to the queue store.
func Register(reg *exchange.Registry, d Deps) error {
	if d.DB == nil || d.Config == nil {
		return fmt.Errorf("tasks: db and config are required")
	}
	if d.Base.Store == nil {
		d.Base.Store = d.DB
	}

	base := func() *exchange.QueueHandler {
		h := d.Base
		return &h
	}

	handlers := map[string]binding{
		models.TaskPushBookings:   {PushBookingsStrategy{}, &PushBookingsHandler{QueueHandler: base(), UoW: d.DB}},
		models.TaskDeleteBookings: {DeleteBookingsStrategy{}, &DeleteBookingsHandler{QueueHandler: base(), UoW: d.DB}},
		models.TaskPushRates:      {PushRatesStrategy{Tariffs: d.DB}, base()},
	}
	if d.Applier != nil {
		handlers[models.TaskPullBookings] = binding{PullBookingsStrategy{}, &PullBookingsHandler{QueueHandler: base(), Applier: d.Applier, Cache: exchange.NewPullCache()}}
	}

	ex := d.Config.Exchange
	for _, name := range Names() {
		h, ok := handlers[name]
		if !ok {
			continue
		}
		err := reg.Register(&exchange.Task{
			Name:      name,
			Provider:  exchange.NewQueueProvider(name, d.DB, ex.LockTTL, ex.SpecificLockTTL),
			Strategy:  h.strategy,
			Handler:   h.handler,
			BatchSize: d.Config.BatchSize(name, defaultBatchSizes[name]),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
