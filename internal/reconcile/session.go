package reconcile

import (
	"context"
	"errors"

	"channelsync/internal/database"
	"channelsync/internal/models"
)

// session memoizes lookups made during one BeforeCommit. Missing rows are
// cached as nil.
type session struct {
	tx           *database.Tx
	events       map[int64]*models.CalendarEvent
	mappings     map[int64]*models.RoomMapping
	reservations map[int64]*models.Reservation
	endpoints    map[string]int64
}

func newSession(tx *database.Tx) *session {
	return &session{
		tx:           tx,
		events:       make(map[int64]*models.CalendarEvent),
		mappings:     make(map[int64]*models.RoomMapping),
		reservations: make(map[int64]*models.Reservation),
		endpoints:    make(map[string]int64),
	}
}

func (s *session) event(ctx context.Context, id int64) (*models.CalendarEvent, error) {
	if e, ok := s.events[id]; ok {
		return e, nil
	}
	e, err := s.tx.GetEvent(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	s.events[id] = e
	return e, nil
}

func (s *session) mapping(ctx context.Context, id int64) (*models.RoomMapping, error) {
	if m, ok := s.mappings[id]; ok {
		return m, nil
	}
	m, err := s.tx.GetMapping(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	s.mappings[id] = m
	return m, nil
}

func (s *session) reservation(ctx context.Context, id int64) (*models.Reservation, error) {
	if r, ok := s.reservations[id]; ok {
		return r, nil
	}
	r, err := s.tx.GetReservation(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	s.reservations[id] = r
	return r, nil
}

// endpoint returns the endpoint id bound to a task, or 0 when none is
// configured. Such items fail as integrity violations when processed.
func (s *session) endpoint(ctx context.Context, task string) (int64, error) {
	if id, ok := s.endpoints[task]; ok {
		return id, nil
	}
	ep, err := s.tx.EndpointByAction(ctx, task)
	if errors.Is(err, database.ErrNotFound) {
		s.endpoints[task] = 0
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.endpoints[task] = ep.ID
	return ep.ID, nil
}
