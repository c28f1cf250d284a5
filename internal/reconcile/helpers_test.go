package reconcile

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/events"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type published struct {
	mu       sync.Mutex
	payloads []events.TasksEnqueuedPayload
}

func (p *published) all() []events.TasksEnqueuedPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.TasksEnqueuedPayload(nil), p.payloads...)
}

type env struct {
	db        *database.DB
	published *published
	cfg       *models.ExchangeConfig
	unit      *models.Unit
	principal *models.RoomMapping
	mirror    *models.RoomMapping
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "reconcile.db"), &logger)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewEventBus()
	p := &published{}
	bus.Subscribe(events.EventTasksEnqueued, func(e *events.Event) error {
		var payload events.TasksEnqueuedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.mu.Lock()
		p.payloads = append(p.payloads, payload)
		p.mu.Unlock()
		return nil
	})
	db.Use(New(Options{IgnoredFields: []string{"notes", "color"}, MaxAttempts: 3, Bus: bus, Logger: &logger}))

	e := &env{db: db, published: p}
	e.cfg = &models.ExchangeConfig{Name: "alpha", BaseURL: "https://alpha.example.com", Active: true}
	require.NoError(t, db.CreateConfig(ctx, e.cfg))
	for _, action := range []string{models.TaskPushBookings, models.TaskDeleteBookings} {
		require.NoError(t, db.CreateEndpoint(ctx, &models.Endpoint{Action: action, Method: "POST", Path: "/" + action}))
	}
	e.unit = &models.Unit{Name: "Loft", Active: true}
	require.NoError(t, db.CreateUnit(ctx, e.unit))
	e.principal = &models.RoomMapping{UnitID: e.unit.ID, ConfigID: e.cfg.ID, ExternalRoomID: "R1", Code: "A", IsPrincipal: true, Active: true}
	require.NoError(t, db.CreateMapping(ctx, e.principal))
	e.mirror = &models.RoomMapping{UnitID: e.unit.ID, ConfigID: e.cfg.ID, ExternalRoomID: "R2", Code: "B", Active: true}
	require.NoError(t, db.CreateMapping(ctx, e.mirror))
	return e
}

type booking struct {
	reservation *models.Reservation
	event       *models.CalendarEvent
	principal   *models.Link
	mirror      *models.Link
}

func (e *env) createBooking(t *testing.T, origin database.Origin, locked bool) *booking {
	t.Helper()
	ctx := context.Background()
	b := &booking{}
	err := e.db.WithinTx(ctx, origin, func(tx *database.Tx) error {
		b.reservation = &models.Reservation{GuestName: "Ann Lee", GuestEmail: "ann@example.com", ExternallyLocked: locked}
		if err := tx.InsertReservation(ctx, b.reservation); err != nil {
			return err
		}
		b.event = &models.CalendarEvent{
			UnitID:        e.unit.ID,
			ReservationID: &b.reservation.ID,
			StartDate:     time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			EndDate:       time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC),
			Guests:        2,
		}
		if err := tx.InsertEvent(ctx, b.event); err != nil {
			return err
		}
		b.principal = &models.Link{EventID: &b.event.ID, MappingID: &e.principal.ID, IsPrincipal: true}
		if err := tx.InsertLink(ctx, b.principal); err != nil {
			return err
		}
		b.mirror = &models.Link{EventID: &b.event.ID, MappingID: &e.mirror.ID, IsMirror: true}
		return tx.InsertLink(ctx, b.mirror)
	})
	require.NoError(t, err)
	return b
}

func (e *env) items(t *testing.T, task string) []*models.QueueItem {
	t.Helper()
	items, err := e.db.ListQueueItems(context.Background(), database.QueueFilter{TaskName: task, Limit: 1000})
	require.NoError(t, err)
	return items
}

func (e *env) subjectItems(t *testing.T, task string, linkID int64) []*models.QueueItem {
	t.Helper()
	var out []*models.QueueItem
	for _, item := range e.items(t, task) {
		if item.SubjectType == models.SubjectLink && item.SubjectID == linkID {
			out = append(out, item)
		}
	}
	return out
}

// succeed claims item and records a success with ref as external id.
func (e *env) succeed(t *testing.T, item *models.QueueItem, ref string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := e.db.ClaimSpecific(ctx, item.TaskName, []string{item.ID}, "test", testNow, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, e.db.MarkSuccess(ctx, item.ID, database.Outcome{HTTPCode: 200, ExternalRef: ref}))
}

func (e *env) tx(t *testing.T, origin database.Origin, fn func(ctx context.Context, tx *database.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.WithinTx(ctx, origin, func(tx *database.Tx) error { return fn(ctx, tx) }))
}
