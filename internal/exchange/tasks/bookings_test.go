package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"channelsync/internal/database"
	"channelsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushBookingsStoresPrincipalID(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	event, principal, mirror := e.seedBooking(t)
	e.platform.reply = keyedEcho("bookings", "EXT-")

	pItem := e.enqueue(t, models.TaskPushBookings, models.SubjectLink, principal.ID, models.BookingPayload{
		LinkID: principal.ID, EventID: event.ID, ExternalRoomID: "R1", Status: models.ReservationConfirmed,
		Arrival: "2025-07-01", Departure: "2025-07-04", Guests: 2, GuestName: "Ann Lee",
	})
	mItem := e.enqueue(t, models.TaskPushBookings, models.SubjectLink, mirror.ID, models.BookingPayload{
		LinkID: mirror.ID, EventID: event.ID, ExternalRoomID: "R2", Block: true, Status: models.ReservationConfirmed,
		Arrival: "2025-07-01", Departure: "2025-07-04", GuestName: "leaked",
	})

	report, err := e.orch.RunOnce(ctx, models.TaskPushBookings)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, e.platform.count())

	call := e.platform.last(t)
	assert.Equal(t, http.MethodPost, call.Method)
	var sent struct {
		Bookings []bookingEntry `json:"bookings"`
	}
	require.NoError(t, json.Unmarshal(call.Body, &sent))
	require.Len(t, sent.Bookings, 2)
	for _, b := range sent.Bookings {
		assert.Empty(t, b.ID)
		if b.Block {
			assert.Equal(t, "R2", b.RoomID)
			assert.Empty(t, b.GuestName)
		} else {
			assert.Equal(t, "R1", b.RoomID)
			assert.Equal(t, "Ann Lee", b.GuestName)
		}
	}

	stored, err := e.db.GetLink(ctx, principal.ID)
	require.NoError(t, err)
	require.True(t, stored.HasExternalID())
	assert.Equal(t, "EXT-"+pItem.ID, *stored.ExternalBookID)

	storedMirror, err := e.db.GetLink(ctx, mirror.ID)
	require.NoError(t, err)
	assert.False(t, storedMirror.HasExternalID())

	done := e.item(t, mItem.ID)
	assert.Equal(t, models.QueueStatusSuccess, done.Status)
	require.NotNil(t, done.ExternalRef)
	assert.Equal(t, "EXT-"+mItem.ID, *done.ExternalRef)
}

func TestPushBookingsUpdatesKnownBooking(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	event, principal, _ := e.seedBooking(t)
	require.NoError(t, e.db.WithinTx(ctx, database.OriginPush, func(tx *database.Tx) error {
		ext := "B-77"
		principal.ExternalBookID = &ext
		return tx.UpdateLink(ctx, principal)
	}))
	e.platform.reply = keyedEcho("bookings", "")

	e.enqueue(t, models.TaskPushBookings, models.SubjectLink, principal.ID, models.BookingPayload{
		LinkID: principal.ID, EventID: event.ID, Arrival: "2025-07-01", Departure: "2025-07-05",
	})
	report, err := e.orch.RunOnce(ctx, models.TaskPushBookings)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	var sent struct {
		Bookings []bookingEntry `json:"bookings"`
	}
	require.NoError(t, json.Unmarshal(e.platform.last(t).Body, &sent))
	require.Len(t, sent.Bookings, 1)
	assert.Equal(t, "B-77", sent.Bookings[0].ID)
	assert.Equal(t, "2025-07-05", sent.Bookings[0].Departure)
}

func TestPushBookingsMissingLinkIsTerminal(t *testing.T) {
	e := newEnv(t, nil)
	item := e.enqueue(t, models.TaskPushBookings, models.SubjectLink, 999, models.BookingPayload{LinkID: 999})

	report, err := e.orch.RunOnce(context.Background(), models.TaskPushBookings)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, e.platform.count())

	failed := e.item(t, item.ID)
	assert.Equal(t, models.QueueStatusFailed, failed.Status)
	assert.Equal(t, failed.MaxAttempts, failed.RetryCount)
}

func TestDeleteBookings(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, principal, _ := e.seedBooking(t)
	require.NoError(t, e.db.WithinTx(ctx, database.OriginPush, func(tx *database.Tx) error {
		ext := "B-9"
		principal.ExternalBookID = &ext
		principal.Status = models.LinkStatusPendingDelete
		return tx.UpdateLink(ctx, principal)
	}))
	e.platform.reply = keyedEcho("bookings", "")

	ok := e.enqueue(t, models.TaskDeleteBookings, models.SubjectLink, principal.ID,
		models.DeletePayload{LinkID: principal.ID, ExternalBookID: "B-9", ExternalRoomID: "R1"})
	orphan := e.enqueue(t, models.TaskDeleteBookings, models.SubjectLink, 4242,
		models.DeletePayload{LinkID: 4242})

	report, err := e.orch.RunOnce(ctx, models.TaskDeleteBookings)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	call := e.platform.last(t)
	assert.Equal(t, http.MethodDelete, call.Method)
	var sent struct {
		Bookings []deleteEntry `json:"bookings"`
	}
	require.NoError(t, json.Unmarshal(call.Body, &sent))
	require.Len(t, sent.Bookings, 1)
	assert.Equal(t, deleteEntry{Key: ok.ID, ID: "B-9", RoomID: "R1"}, sent.Bookings[0])

	link, err := e.db.GetLink(ctx, principal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusSyncedDeleted, link.Status)
	assert.False(t, link.HasExternalID())

	assert.Equal(t, models.QueueStatusSuccess, e.item(t, ok.ID).Status)
	failed := e.item(t, orphan.ID)
	assert.Equal(t, models.QueueStatusFailed, failed.Status)
	assert.Equal(t, failed.MaxAttempts, failed.RetryCount)
}

func TestDeleteBookingsLinkAlreadyGone(t *testing.T) {
	e := newEnv(t, nil)
	e.platform.reply = keyedEcho("bookings", "")
	item := e.enqueue(t, models.TaskDeleteBookings, models.SubjectLink, 77,
		models.DeletePayload{LinkID: 77, ExternalBookID: "B-1", ExternalRoomID: "R2"})

	report, err := e.orch.RunOnce(context.Background(), models.TaskDeleteBookings)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, models.QueueStatusSuccess, e.item(t, item.ID).Status)
}
