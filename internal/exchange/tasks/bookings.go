// Package tasks binds the concrete exchange tasks to the queue store.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/models"
)

// UnitOfWork opens domain transactions.
type UnitOfWork interface {
	WithinTx(ctx context.Context, origin database.Origin, fn func(tx *database.Tx) error) error
}

type bookingEntry struct {
	Key        string `json:"key"`
	ID         string `json:"id,omitempty"`
	RoomID     string `json:"room_id"`
	Block      bool   `json:"block"`
	Status     string `json:"status"`
	Arrival    string `json:"arrival"`
	Departure  string `json:"departure"`
	Guests     int    `json:"guests,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
	GuestName  string `json:"guest_name,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
	GuestPhone string `json:"guest_phone,omitempty"`
}

// PushBookingsStrategy upserts one booking per link.
type PushBookingsStrategy struct{}

func (PushBookingsStrategy) Map(_ context.Context, batch *exchange.Batch) (*exchange.Request, error) {
	req, err := exchange.NewJSONRequest(batch, "", nil)
	if err != nil {
		return nil, err
	}

	entries := make([]bookingEntry, 0, len(batch.Items))
	for _, item := range batch.Items {
		if item.Link == nil {
			req.Skip(item.ID, exchange.Integrity("link %d not found", item.SubjectID))
			continue
		}
		if item.Mapping == nil {
			req.Skip(item.ID, exchange.Integrity("link %d has no mapping", item.SubjectID))
			continue
		}
		var p models.BookingPayload
		if err := json.Unmarshal([]byte(item.Payload), &p); err != nil {
			req.Skip(item.ID, exchange.Integrity("decode payload: %v", err))
			continue
		}

		entry := bookingEntry{
			Key:       item.ID,
			RoomID:    item.Mapping.ExternalRoomID,
			Block:     p.Block,
			Status:    p.Status,
			Arrival:   p.Arrival,
			Departure: p.Departure,
		}
		if item.Link.HasExternalID() {
			entry.ID = *item.Link.ExternalBookID
		}
		if !p.Block {
			entry.Guests = p.Guests
			entry.Amount = p.Amount
			entry.Currency = p.Currency
			entry.GuestName = p.GuestName
			entry.GuestEmail = p.GuestEmail
			entry.GuestPhone = p.GuestPhone
		}
		entries = append(entries, entry)
		req.Correlation = append(req.Correlation, item.ID)
		req.Keys[item.ID] = item.ID
	}
	if len(entries) == 0 {
		return req, nil
	}
	return withBody(req, map[string]any{"bookings": entries})
}

func (PushBookingsStrategy) ParseResponse(raw *exchange.RawResponse, req *exchange.Request) (map[string]exchange.ItemResult, error) {
	return exchange.ParseResults(raw, req)
}

// PushBookingsHandler stores the external id returned for a principal link.
type PushBookingsHandler struct {
	*exchange.QueueHandler
	UoW UnitOfWork
}

func (h *PushBookingsHandler) HandleSuccess(ctx context.Context, item *models.QueueItem, result exchange.ItemResult) error {
	if item.Link != nil && item.Link.IsPrincipal && result.ExternalID != "" {
		err := h.UoW.WithinTx(ctx, database.OriginPush, func(tx *database.Tx) error {
			link, err := tx.GetLink(ctx, item.Link.ID)
			if err != nil {
				return err
			}
			ext := result.ExternalID
			now := time.Now().UTC()
			link.ExternalBookID = &ext
			link.LastSeenAt = &now
			return tx.UpdateLink(ctx, link)
		})
		if err != nil {
			return fmt.Errorf("store external id for link %d: %w", item.Link.ID, err)
		}
	}
	return h.QueueHandler.HandleSuccess(ctx, item, result)
}

type deleteEntry struct {
	Key    string `json:"key"`
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
}

// DeleteBookingsStrategy deletes bookings by the external id of the payload snapshot.
type DeleteBookingsStrategy struct{}

func (DeleteBookingsStrategy) Map(_ context.Context, batch *exchange.Batch) (*exchange.Request, error) {
	req, err := exchange.NewJSONRequest(batch, "", nil)
	if err != nil {
		return nil, err
	}

	entries := make([]deleteEntry, 0, len(batch.Items))
	for _, item := range batch.Items {
		var p models.DeletePayload
		if err := json.Unmarshal([]byte(item.Payload), &p); err != nil {
			req.Skip(item.ID, exchange.Integrity("decode payload: %v", err))
			continue
		}
		if p.ExternalBookID == "" {
			req.Skip(item.ID, exchange.Integrity("link %d has no external id to delete", item.SubjectID))
			continue
		}
		entries = append(entries, deleteEntry{Key: item.ID, ID: p.ExternalBookID, RoomID: p.ExternalRoomID})
		req.Correlation = append(req.Correlation, item.ID)
		req.Keys[item.ID] = item.ID
	}
	if len(entries) == 0 {
		return req, nil
	}
	return withBody(req, map[string]any{"bookings": entries})
}

func (DeleteBookingsStrategy) ParseResponse(raw *exchange.RawResponse, req *exchange.Request) (map[string]exchange.ItemResult, error) {
	return exchange.ParseResults(raw, req)
}

// DeleteBookingsHandler marks a surviving link as synced_deleted.
type DeleteBookingsHandler struct {
	*exchange.QueueHandler
	UoW UnitOfWork
}

func (h *DeleteBookingsHandler) HandleSuccess(ctx context.Context, item *models.QueueItem, result exchange.ItemResult) error {
	if item.Link != nil {
		err := h.UoW.WithinTx(ctx, database.OriginPush, func(tx *database.Tx) error {
			link, err := tx.GetLink(ctx, item.Link.ID)
			if err != nil {
				return err
			}
			link.Status = models.LinkStatusSyncedDeleted
			link.ExternalBookID = nil
			return tx.UpdateLink(ctx, link)
		})
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("mark link %d deleted: %w", item.Link.ID, err)
		}
	}
	return h.QueueHandler.HandleSuccess(ctx, item, result)
}

func withBody(req *exchange.Request, body any) (*exchange.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req.Body = data
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
