package service

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/models"
	"channelsync/internal/reconcile"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2025, 7, d, 0, 0, 0, 0, time.UTC)
}

type env struct {
	db        *database.DB
	svc       *CalendarService
	cfg       *models.ExchangeConfig
	unit      *models.Unit
	principal *models.RoomMapping
	mirror    *models.RoomMapping
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = db.Close() })
	db.Use(reconcile.New(reconcile.Options{IgnoredFields: []string{"notes", "color"}, MaxAttempts: 3, Logger: &logger}))

	e := &env{db: db, svc: NewCalendarService(db, &logger)}
	e.svc.SetClock(func() time.Time { return testNow })

	e.cfg = &models.ExchangeConfig{Name: "alpha", BaseURL: "https://alpha.example.com", Active: true}
	require.NoError(t, db.CreateConfig(ctx, e.cfg))
	for _, action := range []string{models.TaskPushBookings, models.TaskDeleteBookings} {
		require.NoError(t, db.CreateEndpoint(ctx, &models.Endpoint{Action: action, Method: "POST", Path: "/" + action}))
	}
	e.unit, e.principal, e.mirror = e.addUnit(t, "Loft", "R1", "R2")
	return e
}

// addUnit creates a unit with a principal mapping (code A) and a mirror (code B).
func (e *env) addUnit(t *testing.T, name, principalRoom, mirrorRoom string) (*models.Unit, *models.RoomMapping, *models.RoomMapping) {
	t.Helper()
	ctx := context.Background()
	unit := &models.Unit{Name: name, Active: true}
	require.NoError(t, e.db.CreateUnit(ctx, unit))
	p := &models.RoomMapping{UnitID: unit.ID, ConfigID: e.cfg.ID, ExternalRoomID: principalRoom, Code: "A", IsPrincipal: true, Active: true}
	require.NoError(t, e.db.CreateMapping(ctx, p))
	m := &models.RoomMapping{UnitID: unit.ID, ConfigID: e.cfg.ID, ExternalRoomID: mirrorRoom, Code: "B", Active: true}
	require.NoError(t, e.db.CreateMapping(ctx, m))
	return unit, p, m
}

func (e *env) links(t *testing.T, eventID int64) (principal, mirror *models.Link, all []*models.Link) {
	t.Helper()
	all, err := e.db.LinksByEvent(context.Background(), eventID)
	require.NoError(t, err)
	for _, l := range all {
		if l.Status != models.LinkStatusActive {
			continue
		}
		if l.IsPrincipal {
			principal = l
		} else {
			mirror = l
		}
	}
	return principal, mirror, all
}

func (e *env) items(t *testing.T, task string, linkID int64) []*models.QueueItem {
	t.Helper()
	items, err := e.db.ListQueueItems(context.Background(), database.QueueFilter{TaskName: task, Limit: 1000})
	require.NoError(t, err)
	var out []*models.QueueItem
	for _, item := range items {
		if item.SubjectType == models.SubjectLink && item.SubjectID == linkID {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) succeed(t *testing.T, item *models.QueueItem, ref string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := e.db.ClaimSpecific(ctx, item.TaskName, []string{item.ID}, "test", testNow, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, e.db.MarkSuccess(ctx, item.ID, database.Outcome{HTTPCode: 200, ExternalRef: ref}))
}

func (e *env) createEvent(t *testing.T) *models.CalendarEvent {
	t.Helper()
	event, err := e.svc.CreateEvent(context.Background(), EventInput{
		UnitID:      e.unit.ID,
		StartDate:   day(1),
		EndDate:     day(4),
		Guests:      2,
		Reservation: &models.Reservation{GuestName: "Ann Lee", GuestEmail: "ann@example.com"},
	})
	require.NoError(t, err)
	return event
}
