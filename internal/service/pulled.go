package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/models"
	"channelsync/internal/relink"

	"github.com/shopspring/decimal"
)

// SourceChannel marks reservations created from a platform pull.
const SourceChannel = "channel"

// ApplyPulled stores bookings fetched from the platform of configID in one
// unit of work and returns how many were applied. Bookings on unknown rooms
// or with unreadable dates are skipped.
func (s *CalendarService) ApplyPulled(ctx context.Context, configID int64, bookings []models.ExternalBooking, cache *exchange.PullCache) (int, error) {
	if cache == nil {
		cache = exchange.NewPullCache()
	}

	applied := 0
	err := s.db.WithinTx(ctx, database.OriginPull, func(tx *database.Tx) error {
		applied = 0
		for _, b := range bookings {
			ok, err := s.applyBooking(ctx, tx, configID, b, cache)
			if err != nil {
				return fmt.Errorf("booking %s: %w", b.ID, err)
			}
			if ok {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		cache.Reset()
		return 0, err
	}
	return applied, nil
}

func (s *CalendarService) applyBooking(ctx context.Context, tx *database.Tx, configID int64, b models.ExternalBooking, cache *exchange.PullCache) (bool, error) {
	log := s.logger.With().Int64("config_id", configID).Str("external_id", b.ID).Str("room_id", b.RoomID).Logger()
	if b.ID == "" {
		log.Warn().Msg("pulled booking without id skipped")
		return false, nil
	}

	link, err := s.cachedLink(ctx, tx, configID, b.ID, cache)
	if err != nil {
		return false, err
	}
	mapping, err := s.cachedMapping(ctx, tx, configID, b.RoomID, cache)
	if err != nil {
		return false, err
	}

	if b.Cancelled() {
		if link == nil {
			return false, nil
		}
		return true, s.cancelPulled(ctx, tx, link)
	}

	start, end, err := bookingDates(b)
	if err != nil {
		log.Warn().Err(err).Msg("pulled booking has invalid dates")
		return false, nil
	}

	if link == nil {
		if mapping == nil {
			log.Warn().Msg("pulled booking on unknown room skipped")
			return false, nil
		}
		principal, err := s.createPulled(ctx, tx, mapping, b, start, end)
		if err != nil {
			return false, err
		}
		cache.PutLink(configID, b.ID, principal)
		return true, nil
	}

	if link.EventID == nil {
		log.Warn().Int64("link_id", link.ID).Msg("pulled booking link has no event")
		return false, nil
	}
	event, err := tx.GetEvent(ctx, *link.EventID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	fillEvent(event, b, start, end)
	if err := tx.UpdateEvent(ctx, event); err != nil {
		return false, err
	}

	if mapping != nil && (link.MappingID == nil || *link.MappingID != mapping.ID) {
		plan, err := s.moveExternal(ctx, tx, event, mapping, b.ID)
		if err != nil {
			return false, err
		}
		if plan.Principal != nil {
			link = plan.Principal
		}
	}

	now := s.clock()
	link.LastSeenAt = &now
	if err := tx.UpdateLink(ctx, link); err != nil {
		return false, err
	}
	cache.PutLink(configID, b.ID, link)
	return true, nil
}

func (s *CalendarService) cachedLink(ctx context.Context, tx *database.Tx, configID int64, externalID string, cache *exchange.PullCache) (*models.Link, error) {
	if l, ok := cache.Link(configID, externalID); ok {
		return l, nil
	}
	l, err := tx.LinkByExternalID(ctx, configID, externalID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.Status == models.LinkStatusSyncedDeleted {
		return nil, nil
	}
	cache.PutLink(configID, externalID, l)
	return l, nil
}

func (s *CalendarService) cachedMapping(ctx context.Context, tx *database.Tx, configID int64, roomID string, cache *exchange.PullCache) (*models.RoomMapping, error) {
	if roomID == "" {
		return nil, nil
	}
	if m, ok := cache.Mapping(configID, roomID); ok {
		return m, nil
	}
	m, err := tx.MappingByExternalRoom(ctx, configID, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cache.PutMapping(configID, roomID, m)
	return m, nil
}

// createPulled stores a new reservation and event for b and links it to
// every mapping of the unit, with the principal carrying the booking id.
func (s *CalendarService) createPulled(ctx context.Context, tx *database.Tx, mapping *models.RoomMapping, b models.ExternalBooking, start, end time.Time) (*models.Link, error) {
	res := &models.Reservation{
		Status:           models.ReservationConfirmed,
		GuestName:        b.GuestName,
		GuestEmail:       b.Email,
		GuestPhone:       b.Phone,
		Source:           SourceChannel,
		ExternallyLocked: true,
	}
	if err := tx.InsertReservation(ctx, res); err != nil {
		return nil, err
	}

	event := &models.CalendarEvent{UnitID: mapping.UnitID, ReservationID: &res.ID, Kind: models.EventKindBooking}
	fillEvent(event, b, start, end)
	if err := tx.InsertEvent(ctx, event); err != nil {
		return nil, err
	}

	mappings, err := tx.MappingsByUnit(ctx, mapping.UnitID)
	if err != nil {
		return nil, err
	}
	plan := relink.Rebuild(relink.Input{
		EventID:        event.ID,
		Source:         relink.SourceExternal,
		ExternalRoomID: mapping.ExternalRoomID,
		Mappings:       mappings,
	})
	if plan.Principal != nil {
		id := b.ID
		now := s.clock()
		plan.Principal.ExternalBookID = &id
		plan.Principal.LastSeenAt = &now
	}
	if err := ApplyPlan(ctx, tx, plan); err != nil {
		return nil, err
	}
	return plan.Principal, nil
}

// cancelPulled drops the event behind link. The principal is kept as
// synced_deleted since the platform already removed the booking.
func (s *CalendarService) cancelPulled(ctx context.Context, tx *database.Tx, link *models.Link) error {
	if link.EventID == nil {
		link.Status = models.LinkStatusSyncedDeleted
		return tx.UpdateLink(ctx, link)
	}
	event, err := tx.GetEvent(ctx, *link.EventID)
	if errors.Is(err, database.ErrNotFound) {
		link.Status = models.LinkStatusSyncedDeleted
		return tx.UpdateLink(ctx, link)
	}
	if err != nil {
		return err
	}

	links, err := tx.LinksByEvent(ctx, event.ID)
	if err != nil {
		return err
	}
	for _, l := range links {
		switch {
		case l.Status == models.LinkStatusSyncedDeleted:
		case l.ID == link.ID || l.IsPrincipal:
			l.Status = models.LinkStatusSyncedDeleted
			now := s.clock()
			l.LastSeenAt = &now
			if err := tx.UpdateLink(ctx, l); err != nil {
				return err
			}
		default:
			if err := tx.DeleteLink(ctx, l); err != nil {
				return err
			}
		}
	}

	if event.ReservationID != nil {
		res, err := tx.GetReservation(ctx, *event.ReservationID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if res != nil && res.Status != models.ReservationCancelled {
			res.Status = models.ReservationCancelled
			if err := tx.UpdateReservation(ctx, res, "status"); err != nil {
				return err
			}
		}
	}
	return tx.DeleteEvent(ctx, event)
}

func bookingDates(b models.ExternalBooking) (time.Time, time.Time, error) {
	start, err := time.Parse(models.DateLayout, b.Arrival)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("arrival: %w", err)
	}
	end, err := time.Parse(models.DateLayout, b.Departure)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("departure: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

func fillEvent(e *models.CalendarEvent, b models.ExternalBooking, start, end time.Time) {
	e.StartDate = start
	e.EndDate = end
	e.Guests = b.Guests
	e.Currency = b.Currency
	if amount, err := decimal.NewFromString(b.Amount); err == nil {
		e.Amount = amount
	}
}
