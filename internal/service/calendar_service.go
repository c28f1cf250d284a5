package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/logging"
	"channelsync/internal/models"
	"channelsync/internal/relink"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRange = errors.New("end date must be after start date")
	ErrUnknownRoom  = errors.New("no active mapping for room")
	ErrNoEvent      = errors.New("link has no calendar event")
)

// EventInput describes a calendar event to create or update.
type EventInput struct {
	UnitID    int64           `json:"unit_id" validate:"required"`
	Kind      string          `json:"kind" validate:"omitempty,oneof=booking block"`
	StartDate time.Time       `json:"start_date" validate:"required"`
	EndDate   time.Time       `json:"end_date" validate:"required"`
	Guests    int             `json:"guests" validate:"gte=0"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"omitempty,len=3"`

	// Reservation is created alongside the event when set.
	Reservation *models.Reservation `json:"reservation,omitempty"`
}

// ReservationPatch lists the reservation fields to change. Nil fields are kept.
type ReservationPatch struct {
	Status     *string `json:"status" validate:"omitempty,oneof=confirmed cancelled"`
	GuestName  *string `json:"guest_name"`
	GuestEmail *string `json:"guest_email" validate:"omitempty,email"`
	GuestPhone *string `json:"guest_phone"`
	Notes      *string `json:"notes"`
	Color      *string `json:"color"`
}

// CalendarService applies calendar mutations inside units of work so the
// interceptors registered on the database observe them.
type CalendarService struct {
	db       *database.DB
	validate *validator.Validate
	logger   *zerolog.Logger
	clock    func() time.Time
}

func NewCalendarService(db *database.DB, logger *zerolog.Logger) *CalendarService {
	return &CalendarService{
		db:       db,
		validate: validator.New(),
		logger:   logging.Component(logger, "calendar"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time used for link bookkeeping.
func (s *CalendarService) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *CalendarService) checkEvent(in EventInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if !in.EndDate.After(in.StartDate) {
		return ErrInvalidRange
	}
	return nil
}

// CreateEvent stores the event and one link per active mapping of its unit.
func (s *CalendarService) CreateEvent(ctx context.Context, in EventInput) (*models.CalendarEvent, error) {
	if err := s.checkEvent(in); err != nil {
		return nil, err
	}

	var event *models.CalendarEvent
	err := s.db.WithinTx(ctx, database.OriginAdmin, func(tx *database.Tx) error {
		event = &models.CalendarEvent{
			UnitID:    in.UnitID,
			Kind:      in.Kind,
			StartDate: in.StartDate,
			EndDate:   in.EndDate,
			Guests:    in.Guests,
			Amount:    in.Amount,
			Currency:  in.Currency,
		}
		if in.Reservation != nil {
			if err := tx.InsertReservation(ctx, in.Reservation); err != nil {
				return err
			}
			event.ReservationID = &in.Reservation.ID
		}
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		return s.relinkEvent(ctx, tx, event, relink.Input{EventID: event.ID, Source: relink.SourceInternal})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("event_id", event.ID).Int64("unit_id", event.UnitID).Msg("event created")
	return event, nil
}

// UpdateEvent changes dates, guests and price of an event on the same unit.
func (s *CalendarService) UpdateEvent(ctx context.Context, eventID int64, in EventInput) (*models.CalendarEvent, error) {
	var event *models.CalendarEvent
	err := s.db.WithinTx(ctx, database.OriginAdmin, func(tx *database.Tx) error {
		var err error
		if event, err = tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		in.UnitID = event.UnitID
		if in.Kind == "" {
			in.Kind = event.Kind
		}
		if err := s.checkEvent(in); err != nil {
			return err
		}
		event.Kind = in.Kind
		event.StartDate = in.StartDate
		event.EndDate = in.EndDate
		event.Guests = in.Guests
		event.Amount = in.Amount
		event.Currency = in.Currency
		return tx.UpdateEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// DeleteEvent removes the event and its links. Remote bookings are deleted by
// the reconciler.
func (s *CalendarService) DeleteEvent(ctx context.Context, eventID int64) error {
	return s.db.WithinTx(ctx, database.OriginAdmin, func(tx *database.Tx) error {
		event, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if err := s.dropLinks(ctx, tx, event.ID); err != nil {
			return err
		}
		return tx.DeleteEvent(ctx, event)
	})
}

func (s *CalendarService) dropLinks(ctx context.Context, tx *database.Tx, eventID int64) error {
	links, err := tx.LinksByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Status == models.LinkStatusSyncedDeleted {
			continue
		}
		if err := tx.DeleteLink(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// MoveEvent gives the event to another unit and rebuilds its links.
func (s *CalendarService) MoveEvent(ctx context.Context, eventID, unitID int64) (*relink.Plan, error) {
	var plan *relink.Plan
	err := s.db.WithinTx(ctx, database.OriginAdmin, func(tx *database.Tx) error {
		event, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		event.UnitID = unitID
		if err := tx.UpdateEvent(ctx, event); err != nil {
			return err
		}
		plan, err = s.rebuild(ctx, tx, event, relink.Input{EventID: event.ID, Source: relink.SourceInternal})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("event_id", eventID).Int64("unit_id", unitID).
		Int("created", len(plan.Created())).Int("removed", len(plan.Removed)).Msg("event moved")
	return plan, nil
}

// UpdateReservation applies patch and records the changed fields. Cancelling
// a reservation retracts the availability blocks of its events.
func (s *CalendarService) UpdateReservation(ctx context.Context, id int64, patch ReservationPatch) (*models.Reservation, error) {
	if err := s.validate.Struct(patch); err != nil {
		return nil, fmt.Errorf("invalid reservation: %w", err)
	}

	var res *models.Reservation
	err := s.db.WithinTx(ctx, database.OriginAdmin, func(tx *database.Tx) error {
		var err error
		if res, err = tx.GetReservation(ctx, id); err != nil {
			return err
		}
		fields := patchReservation(res, patch)
		if len(fields) == 0 {
			return nil
		}
		if err := tx.UpdateReservation(ctx, res, fields...); err != nil {
			return err
		}
		if patch.Status != nil && *patch.Status == models.ReservationCancelled && contains(fields, "status") {
			return s.retractMirrors(ctx, tx, res.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *CalendarService) retractMirrors(ctx context.Context, tx *database.Tx, reservationID int64) error {
	events, err := tx.EventsByReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, e := range events {
		links, err := tx.LinksByEvent(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, l := range links {
			if l.IsPrincipal || l.Status != models.LinkStatusActive {
				continue
			}
			l.Status = models.LinkStatusPendingDelete
			if err := tx.UpdateLink(ctx, l); err != nil {
				return err
			}
		}
	}
	return nil
}

func patchReservation(r *models.Reservation, p ReservationPatch) []string {
	var fields []string
	set := func(name string, dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			fields = append(fields, name)
		}
	}
	set("status", &r.Status, p.Status)
	set("guest_name", &r.GuestName, p.GuestName)
	set("guest_email", &r.GuestEmail, p.GuestEmail)
	set("guest_phone", &r.GuestPhone, p.GuestPhone)
	set("notes", &r.Notes, p.Notes)
	set("color", &r.Color, p.Color)
	return fields
}

// ApplyExternalMove handles a platform notification that a booking now sits
// in another room. The principal keeps the booking id.
func (s *CalendarService) ApplyExternalMove(ctx context.Context, configID int64, externalID, roomID string) (*relink.Plan, error) {
	var plan *relink.Plan
	err := s.db.WithinTx(ctx, database.OriginPull, func(tx *database.Tx) error {
		link, err := tx.LinkByExternalID(ctx, configID, externalID)
		if err != nil {
			return fmt.Errorf("booking %s: %w", externalID, err)
		}
		mapping, err := tx.MappingByExternalRoom(ctx, configID, roomID)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
		}
		if err != nil {
			return err
		}
		if link.EventID == nil {
			return ErrNoEvent
		}
		event, err := tx.GetEvent(ctx, *link.EventID)
		if err != nil {
			return err
		}
		plan, err = s.moveExternal(ctx, tx, event, mapping, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *CalendarService) moveExternal(ctx context.Context, tx *database.Tx, event *models.CalendarEvent, mapping *models.RoomMapping, externalID string) (*relink.Plan, error) {
	if event.UnitID != mapping.UnitID {
		event.UnitID = mapping.UnitID
		if err := tx.UpdateEvent(ctx, event); err != nil {
			return nil, err
		}
	}
	return s.rebuild(ctx, tx, event, relink.Input{
		EventID:           event.ID,
		Source:            relink.SourceExternal,
		ExternalRoomID:    mapping.ExternalRoomID,
		TrackedExternalID: externalID,
	})
}

// rebuild recomputes the links of event against the mappings of its unit.
func (s *CalendarService) rebuild(ctx context.Context, tx *database.Tx, event *models.CalendarEvent, in relink.Input) (*relink.Plan, error) {
	links, err := tx.LinksByEvent(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	in.Links = links
	mappings, err := tx.MappingsByUnit(ctx, event.UnitID)
	if err != nil {
		return nil, err
	}
	in.Mappings = mappings

	plan := relink.Rebuild(in)
	if err := ApplyPlan(ctx, tx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *CalendarService) relinkEvent(ctx context.Context, tx *database.Tx, event *models.CalendarEvent, in relink.Input) error {
	_, err := s.rebuild(ctx, tx, event, in)
	return err
}

// ApplyPlan writes a rebuild plan: reused links are updated, new ones
// inserted and leftovers deleted.
func ApplyPlan(ctx context.Context, tx *database.Tx, plan *relink.Plan) error {
	for _, l := range plan.Assigned {
		var err error
		if l.ID == 0 {
			err = tx.InsertLink(ctx, l)
		} else {
			err = tx.UpdateLink(ctx, l)
		}
		if err != nil {
			return err
		}
	}
	for _, l := range plan.Removed {
		if err := tx.DeleteLink(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
