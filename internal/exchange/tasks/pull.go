package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"channelsync/internal/exchange"
	"channelsync/internal/models"
)

// BookingApplier writes pulled bookings to the calendar.
type BookingApplier interface {
	ApplyPulled(ctx context.Context, configID int64, bookings []models.ExternalBooking, cache *exchange.PullCache) (int, error)
}

// PullBookingsStrategy fetches the changes of one account since the payload instant.
type PullBookingsStrategy struct{}

func (PullBookingsStrategy) Map(_ context.Context, batch *exchange.Batch) (*exchange.Request, error) {
	var since string
	full := false
	for _, item := range batch.Items {
		var p models.PullPayload
		if item.Payload != "" {
			if err := json.Unmarshal([]byte(item.Payload), &p); err != nil {
				return nil, exchange.Integrity("decode payload of %s: %v", item.ID, err)
			}
		}
		// The oldest instant of the batch covers every item.
		switch {
		case p.Since == "":
			full = true
		case since == "" || p.Since < since:
			since = p.Since
		}
	}

	query := ""
	if !full && since != "" {
		query = url.Values{"since": {since}}.Encode()
	}
	req, err := exchange.NewJSONRequest(batch, query, nil)
	if err != nil {
		return nil, err
	}
	req.Correlation = batch.IDs()
	return req, nil
}

// ParseResponse applies the reply to every item and keeps the body for the handler.
func (PullBookingsStrategy) ParseResponse(raw *exchange.RawResponse, req *exchange.Request) (map[string]exchange.ItemResult, error) {
	results, err := exchange.ParseResults(raw, req)
	if err != nil {
		return nil, err
	}
	for id, r := range results {
		if r.OK {
			r.Data = raw.Body
			results[id] = r
		}
	}
	return results, nil
}

type pullReply struct {
	Bookings []models.ExternalBooking `json:"bookings"`
}

// PullBookingsHandler applies pulled bookings through the applier. The cache
// lives for one batch.
type PullBookingsHandler struct {
	*exchange.QueueHandler
	Applier BookingApplier
	Cache   *exchange.PullCache
}

func (h *PullBookingsHandler) HandleSuccess(ctx context.Context, item *models.QueueItem, result exchange.ItemResult) error {
	var reply pullReply
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &reply); err != nil {
			return h.fail(ctx, item, &exchange.TransportError{StatusCode: result.HTTPCode, Err: fmt.Errorf("decode bookings: %w", err)})
		}
	}

	applied, err := h.Applier.ApplyPulled(ctx, item.ConfigID, reply.Bookings, h.Cache)
	if err != nil {
		return h.fail(ctx, item, fmt.Errorf("apply pulled bookings: %w", err))
	}
	result.Message = fmt.Sprintf("applied %d of %d bookings", applied, len(reply.Bookings))
	result.Data = nil
	return h.QueueHandler.HandleSuccess(ctx, item, result)
}

// fail records cause on the item and reports it to the orchestrator.
func (h *PullBookingsHandler) fail(ctx context.Context, item *models.QueueItem, cause error) error {
	if err := h.QueueHandler.HandleFailure(ctx, item, cause); err != nil {
		return err
	}
	return cause
}

func (h *PullBookingsHandler) Reset() {
	h.Cache.Reset()
}
