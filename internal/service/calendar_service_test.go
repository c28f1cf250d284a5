package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"channelsync/internal/database"
	"channelsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEventLinksEveryMapping(t *testing.T) {
	e := newEnv(t)
	event := e.createEvent(t)

	assert.Equal(t, models.EventKindBooking, event.Kind)
	require.NotNil(t, event.ReservationID)

	principal, mirror, all := e.links(t, event.ID)
	require.Len(t, all, 2)
	require.NotNil(t, principal)
	require.NotNil(t, mirror)
	assert.Equal(t, e.principal.ID, *principal.MappingID)
	assert.Equal(t, e.mirror.ID, *mirror.MappingID)
	assert.True(t, mirror.IsMirror)

	assert.Len(t, e.items(t, models.TaskPushBookings, principal.ID), 1)
	assert.Len(t, e.items(t, models.TaskPushBookings, mirror.ID), 1)
}

func TestCreateEventValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateEvent(ctx, EventInput{UnitID: e.unit.ID, StartDate: day(4), EndDate: day(4)})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = e.svc.CreateEvent(ctx, EventInput{StartDate: day(1), EndDate: day(4)})
	assert.Error(t, err)

	_, err = e.svc.CreateEvent(ctx, EventInput{UnitID: e.unit.ID, Kind: "party", StartDate: day(1), EndDate: day(4)})
	assert.Error(t, err)
}

func TestUpdateEventRefreshesPush(t *testing.T) {
	e := newEnv(t)
	event := e.createEvent(t)
	principal, _, _ := e.links(t, event.ID)

	updated, err := e.svc.UpdateEvent(context.Background(), event.ID, EventInput{StartDate: day(2), EndDate: day(5), Guests: 3})
	require.NoError(t, err)
	assert.Equal(t, e.unit.ID, updated.UnitID)

	items := e.items(t, models.TaskPushBookings, principal.ID)
	require.Len(t, items, 1)
	var p models.BookingPayload
	require.NoError(t, json.Unmarshal([]byte(items[0].Payload), &p))
	assert.Equal(t, "2025-07-02", p.Arrival)
	assert.Equal(t, 3, p.Guests)
}

func TestDeleteEventRecoversBookingID(t *testing.T) {
	e := newEnv(t)
	event := e.createEvent(t)
	principal, mirror, _ := e.links(t, event.ID)
	e.succeed(t, e.items(t, models.TaskPushBookings, principal.ID)[0], "BK-1")

	require.NoError(t, e.svc.DeleteEvent(context.Background(), event.ID))

	_, err := e.db.GetEvent(context.Background(), event.ID)
	assert.True(t, errors.Is(err, database.ErrNotFound))

	deletes := e.items(t, models.TaskDeleteBookings, principal.ID)
	require.Len(t, deletes, 1)
	var p models.DeletePayload
	require.NoError(t, json.Unmarshal([]byte(deletes[0].Payload), &p))
	assert.Equal(t, "BK-1", p.ExternalBookID)

	// the mirror never reached the platform: its push is cancelled, nothing to delete
	assert.Empty(t, e.items(t, models.TaskDeleteBookings, mirror.ID))
	pushes := e.items(t, models.TaskPushBookings, mirror.ID)
	require.Len(t, pushes, 1)
	assert.Equal(t, models.QueueStatusCancelled, pushes[0].Status)
}

func TestMoveEventReusesLinks(t *testing.T) {
	e := newEnv(t)
	event := e.createEvent(t)
	oldPrincipal, oldMirror, _ := e.links(t, event.ID)
	_, target, targetMirror := e.addUnit(t, "Suite", "R3", "R4")

	plan, err := e.svc.MoveEvent(context.Background(), event.ID, target.UnitID)
	require.NoError(t, err)
	assert.Empty(t, plan.Created())
	assert.Empty(t, plan.Removed)

	principal, mirror, all := e.links(t, event.ID)
	require.Len(t, all, 2)
	assert.Equal(t, oldPrincipal.ID, principal.ID)
	assert.Equal(t, target.ID, *principal.MappingID)
	assert.Equal(t, oldMirror.ID, mirror.ID)
	assert.Equal(t, targetMirror.ID, *mirror.MappingID)

	moved, err := e.db.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, target.UnitID, moved.UnitID)
}

func TestMoveEventDropsUnmappedMirror(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := e.createEvent(t)
	oldPrincipal, oldMirror, _ := e.links(t, event.ID)
	e.succeed(t, e.items(t, models.TaskPushBookings, oldPrincipal.ID)[0], "BK-1")
	e.succeed(t, e.items(t, models.TaskPushBookings, oldMirror.ID)[0], "M-9")

	studio := &models.Unit{Name: "Studio", Active: true}
	require.NoError(t, e.db.CreateUnit(ctx, studio))
	target := &models.RoomMapping{UnitID: studio.ID, ConfigID: e.cfg.ID, ExternalRoomID: "R5", Code: "A", IsPrincipal: true, Active: true}
	require.NoError(t, e.db.CreateMapping(ctx, target))

	plan, err := e.svc.MoveEvent(ctx, event.ID, studio.ID)
	require.NoError(t, err)
	require.Len(t, plan.Removed, 1)
	assert.Equal(t, oldMirror.ID, plan.Removed[0].ID)

	principal, mirror, _ := e.links(t, event.ID)
	assert.Nil(t, mirror)
	assert.Equal(t, oldPrincipal.ID, principal.ID)
	assert.Equal(t, target.ID, *principal.MappingID)

	deletes := e.items(t, models.TaskDeleteBookings, oldMirror.ID)
	require.Len(t, deletes, 1)
	assert.Equal(t, models.QueueStatusPending, deletes[0].Status)
	var p models.DeletePayload
	require.NoError(t, json.Unmarshal([]byte(deletes[0].Payload), &p))
	assert.Equal(t, "M-9", p.ExternalBookID)

	assert.Empty(t, e.items(t, models.TaskDeleteBookings, oldPrincipal.ID))
}

func TestUpdateReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := e.createEvent(t)
	principal, mirror, _ := e.links(t, event.ID)
	before := e.items(t, models.TaskPushBookings, principal.ID)[0]

	notes := "late arrival"
	_, err := e.svc.UpdateReservation(ctx, *event.ReservationID, ReservationPatch{Notes: &notes})
	require.NoError(t, err)
	after := e.items(t, models.TaskPushBookings, principal.ID)[0]
	assert.Equal(t, before.PayloadHash, after.PayloadHash)

	bad := "nope"
	_, err = e.svc.UpdateReservation(ctx, *event.ReservationID, ReservationPatch{GuestEmail: &bad})
	assert.Error(t, err)

	cancelled := models.ReservationCancelled
	res, err := e.svc.UpdateReservation(ctx, *event.ReservationID, ReservationPatch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, res.Status)

	l, err := e.db.GetLink(ctx, mirror.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusPendingDelete, l.Status)

	var p models.BookingPayload
	require.NoError(t, json.Unmarshal([]byte(e.items(t, models.TaskPushBookings, principal.ID)[0].Payload), &p))
	assert.Equal(t, models.ReservationCancelled, p.Status)
}

func TestApplyExternalMove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := e.createEvent(t)
	principal, _, _ := e.links(t, event.ID)

	require.NoError(t, e.db.WithinTx(ctx, database.OriginPush, func(tx *database.Tx) error {
		id := "BK-9"
		principal.ExternalBookID = &id
		return tx.UpdateLink(ctx, principal)
	}))

	plan, err := e.svc.ApplyExternalMove(ctx, e.cfg.ID, "BK-9", "R2")
	require.NoError(t, err)
	require.NotNil(t, plan.Principal)
	assert.Equal(t, principal.ID, plan.Principal.ID)
	assert.Equal(t, e.mirror.ID, *plan.Principal.MappingID)
	require.NotNil(t, plan.Principal.ExternalBookID)
	assert.Equal(t, "BK-9", *plan.Principal.ExternalBookID)

	_, err = e.svc.ApplyExternalMove(ctx, e.cfg.ID, "BK-9", "R404")
	assert.ErrorIs(t, err, ErrUnknownRoom)

	_, err = e.svc.ApplyExternalMove(ctx, e.cfg.ID, "BK-404", "R1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
