package service

import (
	"context"
	"testing"

	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pulled(id, room, arrival, departure string) models.ExternalBooking {
	return models.ExternalBooking{
		ID:        id,
		RoomID:    room,
		Status:    models.ReservationConfirmed,
		Arrival:   arrival,
		Departure: departure,
		Guests:    2,
		Amount:    "240.50",
		Currency:  "EUR",
		GuestName: "Bo Chen",
		Email:     "bo@example.com",
	}
}

func (e *env) pulledLink(t *testing.T, externalID string) *models.Link {
	t.Helper()
	ctx := context.Background()
	var link *models.Link
	require.NoError(t, e.db.WithinTx(ctx, database.OriginPush, func(tx *database.Tx) error {
		var err error
		link, err = tx.LinkByExternalID(ctx, e.cfg.ID, externalID)
		return err
	}))
	return link
}

func TestApplyPulledCreatesLockedBooking(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cache := exchange.NewPullCache()

	n, err := e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{
		pulled("EXT-1", "R1", "2025-07-10", "2025-07-12"),
		pulled("EXT-2", "R404", "2025-07-10", "2025-07-12"),
		pulled("", "R1", "2025-07-10", "2025-07-12"),
		pulled("EXT-3", "R1", "2025-07-12", "2025-07-10"),
	}, cache)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	link := e.pulledLink(t, "EXT-1")
	assert.True(t, link.IsPrincipal)
	assert.Equal(t, e.principal.ID, *link.MappingID)
	require.NotNil(t, link.LastSeenAt)

	cached, ok := cache.Link(e.cfg.ID, "EXT-1")
	require.True(t, ok)
	assert.Equal(t, link.ID, cached.ID)

	event, err := e.db.GetEvent(ctx, *link.EventID)
	require.NoError(t, err)
	assert.Equal(t, "240.5", event.Amount.String())
	res, err := e.db.GetReservation(ctx, *event.ReservationID)
	require.NoError(t, err)
	assert.True(t, res.ExternallyLocked)
	assert.Equal(t, SourceChannel, res.Source)
	assert.Equal(t, "Bo Chen", res.GuestName)

	// the platform already has the principal; only the mirror is blocked
	assert.Empty(t, e.items(t, models.TaskPushBookings, link.ID))
	_, mirror, _ := e.links(t, event.ID)
	require.NotNil(t, mirror)
	assert.Len(t, e.items(t, models.TaskPushBookings, mirror.ID), 1)
}

func TestApplyPulledUpdatesExisting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{pulled("EXT-1", "R1", "2025-07-10", "2025-07-12")}, nil)
	require.NoError(t, err)
	link := e.pulledLink(t, "EXT-1")

	n, err := e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{pulled("EXT-1", "R1", "2025-07-11", "2025-07-14")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	event, err := e.db.GetEvent(ctx, *link.EventID)
	require.NoError(t, err)
	assert.Equal(t, day(11), event.StartDate.UTC())
	assert.Equal(t, day(14), event.EndDate.UTC())
	assert.Empty(t, e.items(t, models.TaskPushBookings, link.ID))
}

func TestApplyPulledRoomChangeMovesPrincipal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{pulled("EXT-1", "R1", "2025-07-10", "2025-07-12")}, nil)
	require.NoError(t, err)
	before := e.pulledLink(t, "EXT-1")

	_, err = e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{pulled("EXT-1", "R2", "2025-07-10", "2025-07-12")}, nil)
	require.NoError(t, err)

	after := e.pulledLink(t, "EXT-1")
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, after.IsPrincipal)
	assert.Equal(t, e.mirror.ID, *after.MappingID)
}

func TestApplyPulledCancellation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{pulled("EXT-1", "R1", "2025-07-10", "2025-07-12")}, nil)
	require.NoError(t, err)
	link := e.pulledLink(t, "EXT-1")
	_, mirror, _ := e.links(t, *link.EventID)
	require.NotNil(t, mirror)

	cancelled := pulled("EXT-1", "R1", "2025-07-10", "2025-07-12")
	cancelled.Status = models.ReservationCancelled
	n, err := e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{cancelled}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.db.GetLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusSyncedDeleted, got.Status)

	_, err = e.db.GetEvent(ctx, *link.EventID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = e.db.GetLink(ctx, mirror.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	pushes := e.items(t, models.TaskPushBookings, mirror.ID)
	require.Len(t, pushes, 1)
	assert.Equal(t, models.QueueStatusCancelled, pushes[0].Status)

	// a cancellation for a booking never seen is ignored
	n, err = e.svc.ApplyPulled(ctx, e.cfg.ID, []models.ExternalBooking{func() models.ExternalBooking {
		b := pulled("EXT-9", "R1", "2025-07-10", "2025-07-12")
		b.Status = models.ReservationCancelled
		return b
	}()}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
