package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"channelsync/internal/exchange"
	"channelsync/internal/models"
	"channelsync/internal/tariff"
)

// TariffSource loads the tariff ranges of a unit overlapping [from, to).
type TariffSource interface {
	TariffRanges(ctx context.Context, unitID int64, from, to time.Time) ([]*models.TariffRange, error)
}

type rateEntry struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	MinStay  int    `json:"min_stay"`
}

type roomRates struct {
	Key    string      `json:"key"`
	RoomID string      `json:"room_id"`
	Rates  []rateEntry `json:"rates"`
}

// PushRatesStrategy sends the compressed daily prices of each mapping.
type PushRatesStrategy struct {
	Tariffs TariffSource
}

func (s PushRatesStrategy) Map(ctx context.Context, batch *exchange.Batch) (*exchange.Request, error) {
	req, err := exchange.NewJSONRequest(batch, "", nil)
	if err != nil {
		return nil, err
	}

	rooms := make([]roomRates, 0, len(batch.Items))
	for _, item := range batch.Items {
		if item.Mapping == nil {
			req.Skip(item.ID, exchange.Integrity("mapping %d not found", item.SubjectID))
			continue
		}
		from, to, err := ratesWindow(item.Payload)
		if err != nil {
			req.Skip(item.ID, exchange.Integrity("%v", err))
			continue
		}

		ranges, err := s.Tariffs.TariffRanges(ctx, item.Mapping.UnitID, from, to)
		if err != nil {
			return nil, fmt.Errorf("load tariffs of unit %d: %w", item.Mapping.UnitID, err)
		}
		blocks := tariff.Compress(tariff.Flatten(ranges, from, to, tariff.ModelRange))

		room := roomRates{Key: item.ID, RoomID: item.Mapping.ExternalRoomID, Rates: make([]rateEntry, 0, len(blocks))}
		for _, b := range blocks {
			room.Rates = append(room.Rates, rateEntry{
				From:     b.Start.Format(models.DateLayout),
				To:       b.End.Format(models.DateLayout),
				Price:    b.Price.StringFixed(2),
				Currency: b.Currency,
				MinStay:  b.MinStay,
			})
		}
		rooms = append(rooms, room)
		req.Correlation = append(req.Correlation, item.ID)
		req.Keys[item.ID] = item.ID
	}
	if len(rooms) == 0 {
		return req, nil
	}
	return withBody(req, map[string]any{"rooms": rooms})
}

func (PushRatesStrategy) ParseResponse(raw *exchange.RawResponse, req *exchange.Request) (map[string]exchange.ItemResult, error) {
	return exchange.ParseResults(raw, req)
}

func ratesWindow(payload string) (time.Time, time.Time, error) {
	var p models.RatesPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("decode payload: %w", err)
	}
	from, err := time.Parse(models.DateLayout, p.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q", p.From)
	}
	to, err := time.Parse(models.DateLayout, p.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q", p.To)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty rates window %s..%s", p.From, p.To)
	}
	return from, to, nil
}
