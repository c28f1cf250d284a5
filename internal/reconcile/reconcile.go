// Package reconcile turns committed calendar changes into exchange work.
//
// The Reconciler is a database.Interceptor. Before a unit of work commits it
// expands the touched events, reservations and links to the links that must
// be pushed, cancelled or deleted, and enqueues idempotent queue items in the
// same transaction. Once the commit succeeds the pending ids are published on
// the event bus.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"channelsync/internal/database"
	"channelsync/internal/events"
	"channelsync/internal/logging"
	"channelsync/internal/metrics"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
)

// Action is the decision taken for one link.
type Action int

const (
	ActionPush Action = iota + 1
	ActionCancel
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionCancel:
		return "cancel"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// Publisher is the post-commit event sink.
type Publisher interface {
	PublishJSON(eventType string, payload any) error
}

// Options configure a Reconciler.
type Options struct {
	// IgnoredFields are reservation fields whose change alone never reaches
	// an externally locked reservation's platform.
	IgnoredFields []string
	MaxAttempts   int
	Bus           Publisher
	Logger        *zerolog.Logger
}

type Reconciler struct {
	ignored     map[string]bool
	maxAttempts int
	bus         Publisher
	logger      *zerolog.Logger
}

func New(opts Options) *Reconciler {
	ignored := make(map[string]bool, len(opts.IgnoredFields))
	for _, f := range opts.IgnoredFields {
		ignored[f] = true
	}
	return &Reconciler{
		ignored:     ignored,
		maxAttempts: opts.MaxAttempts,
		bus:         opts.Bus,
		logger:      logging.Component(opts.Logger, "reconciler"),
	}
}

// candidate is a link seen by the transaction. Deleted links are no longer in
// the database and carry the state they had when removed.
type candidate struct {
	link    *models.Link
	deleted bool
}

// Decision is the outcome for one link.
type Decision struct {
	Link   *models.Link
	Action Action
}

type groupKey struct {
	eventID   int64
	mappingID int64
}

// BeforeCommit implements database.Interceptor.
func (r *Reconciler) BeforeCommit(ctx context.Context, tx *database.Tx, changes *database.ChangeSet) (database.AfterCommit, error) {
	if changes.Origin == database.OriginPush || changes.Empty() {
		return nil, nil
	}

	s := newSession(tx)
	candidates, err := r.collect(ctx, s, changes)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	decisions, err := r.decide(ctx, s, candidates)
	if err != nil {
		return nil, err
	}

	pending := make(map[string][]string)
	var order []string
	for _, d := range decisions {
		if changes.Origin == database.OriginPull && d.Link.IsPrincipal && d.Action != ActionCancel {
			continue
		}
		res, err := r.apply(ctx, s, d)
		if err != nil {
			return nil, fmt.Errorf("reconcile link %d: %w", d.Link.ID, err)
		}
		if res.task == "" || !res.Pending() {
			continue
		}
		if _, ok := pending[res.task]; !ok {
			order = append(order, res.task)
		}
		pending[res.task] = append(pending[res.task], res.ID)
	}

	if len(order) == 0 || r.bus == nil {
		return nil, nil
	}
	return func(ctx context.Context) {
		for _, task := range order {
			payload := events.TasksEnqueuedPayload{TaskName: task, IDs: pending[task]}
			if err := r.bus.PublishJSON(events.EventTasksEnqueued, payload); err != nil {
				r.logger.Warn().Err(err).Str("task", task).Int("items", len(payload.IDs)).Msg("dispatch after commit failed")
			}
		}
	}, nil
}

// collect expands the change set to every link whose state may have changed.
func (r *Reconciler) collect(ctx context.Context, s *session, changes *database.ChangeSet) (map[int64]*candidate, error) {
	eventIDs := make(map[int64]bool)
	for _, list := range [][]*models.CalendarEvent{changes.Events.Inserted, changes.Events.Updated, changes.Events.Deleted} {
		for _, e := range list {
			eventIDs[e.ID] = true
		}
	}
	for _, e := range changes.Events.Deleted {
		s.events[e.ID] = nil
	}

	seen := make(map[int64]bool)
	for _, list := range [][]*models.Reservation{changes.Reservations.Inserted, changes.Reservations.Updated} {
		for _, res := range list {
			if seen[res.ID] {
				continue
			}
			seen[res.ID] = true
			if r.cosmetic(res, changes.ReservationFields[res.ID]) {
				continue
			}
			evs, err := s.tx.EventsByReservation(ctx, res.ID)
			if err != nil {
				return nil, err
			}
			for _, e := range evs {
				eventIDs[e.ID] = true
				s.events[e.ID] = e
			}
		}
	}

	out := make(map[int64]*candidate)
	for _, l := range changes.Links.Deleted {
		out[l.ID] = &candidate{link: l, deleted: true}
		if l.EventID != nil {
			eventIDs[*l.EventID] = true
		}
	}
	var loose []int64
	for _, list := range [][]*models.Link{changes.Links.Inserted, changes.Links.Updated} {
		for _, l := range list {
			if _, gone := out[l.ID]; gone {
				continue
			}
			if l.EventID != nil {
				eventIDs[*l.EventID] = true
			} else {
				loose = append(loose, l.ID)
			}
		}
	}

	ids := make([]int64, 0, len(eventIDs))
	for id := range eventIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		links, err := s.tx.LinksByEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if _, gone := out[l.ID]; !gone {
				out[l.ID] = &candidate{link: l}
			}
		}
	}
	for _, id := range loose {
		if _, ok := out[id]; ok {
			continue
		}
		l, err := s.tx.GetLink(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = &candidate{link: l}
	}

	for id, c := range out {
		if c.link.Status == models.LinkStatusSyncedDeleted {
			delete(out, id)
		}
	}
	return out, nil
}

// cosmetic reports whether a reservation update only touched ignored fields
// of an externally locked reservation.
func (r *Reconciler) cosmetic(res *models.Reservation, fields []string) bool {
	if !res.ExternallyLocked || len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if !r.ignored[f] {
			return false
		}
	}
	return true
}

// decide classifies candidates and runs the tournament of each active group.
// Decisions are ordered by link id.
func (r *Reconciler) decide(ctx context.Context, s *session, candidates map[int64]*candidate) ([]Decision, error) {
	var decisions []Decision
	groups := make(map[groupKey][]*models.Link)

	for _, c := range candidates {
		l := c.link
		if c.deleted || l.Status == models.LinkStatusPendingDelete {
			decisions = append(decisions, Decision{Link: l, Action: ActionDelete})
			continue
		}
		if l.EventID == nil || l.MappingID == nil {
			decisions = append(decisions, Decision{Link: l, Action: ActionCancel})
			continue
		}
		event, err := s.event(ctx, *l.EventID)
		if err != nil {
			return nil, err
		}
		mapping, err := s.mapping(ctx, *l.MappingID)
		if err != nil {
			return nil, err
		}
		if event == nil || mapping == nil || !mapping.Active {
			decisions = append(decisions, Decision{Link: l, Action: ActionCancel})
			continue
		}
		key := groupKey{eventID: *l.EventID, mappingID: *l.MappingID}
		groups[key] = append(groups[key], l)
	}

	for _, links := range groups {
		winner := Tournament(links)
		for _, l := range links {
			action := ActionCancel
			if l == winner {
				action = ActionPush
			}
			decisions = append(decisions, Decision{Link: l, Action: action})
		}
	}

	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Link.ID < decisions[j].Link.ID })
	return decisions, nil
}

// Tournament picks the link that represents its (event, mapping) group:
// a principal beats a non principal, then holding an external id wins, then
// the lower id.
func Tournament(links []*models.Link) *models.Link {
	var winner *models.Link
	for _, l := range links {
		if winner == nil || beats(l, winner) {
			winner = l
		}
	}
	return winner
}

func beats(a, b *models.Link) bool {
	if a.IsPrincipal != b.IsPrincipal {
		return a.IsPrincipal
	}
	if a.HasExternalID() != b.HasExternalID() {
		return a.HasExternalID()
	}
	return a.ID < b.ID
}

type applied struct {
	Result
	task string
}

func (r *Reconciler) apply(ctx context.Context, s *session, d Decision) (applied, error) {
	switch d.Action {
	case ActionPush:
		return r.push(ctx, s, d.Link)
	case ActionDelete:
		return r.remove(ctx, s, d.Link)
	default:
		n, err := s.tx.CancelOpenItems(ctx, models.SubjectLink, d.Link.ID, "link no longer synchronized", models.TaskPushBookings)
		if err != nil {
			return applied{}, err
		}
		if n > 0 {
			metrics.IncEnqueue(models.TaskPushBookings, "cancel")
			r.logger.Debug().Int64("link_id", d.Link.ID).Int64("items", n).Msg("open work cancelled")
		}
		return applied{}, nil
	}
}

func (r *Reconciler) push(ctx context.Context, s *session, l *models.Link) (applied, error) {
	event, err := s.event(ctx, *l.EventID)
	if err != nil {
		return applied{}, err
	}
	mapping, err := s.mapping(ctx, *l.MappingID)
	if err != nil {
		return applied{}, err
	}
	var res *models.Reservation
	if event.ReservationID != nil {
		if res, err = s.reservation(ctx, *event.ReservationID); err != nil {
			return applied{}, err
		}
	}
	endpointID, err := s.endpoint(ctx, models.TaskPushBookings)
	if err != nil {
		return applied{}, err
	}

	if _, err := s.tx.CancelOpenItems(ctx, models.SubjectLink, l.ID, "superseded by push", models.TaskDeleteBookings); err != nil {
		return applied{}, err
	}

	out, err := Enqueue(ctx, s.tx, Work{
		TaskName:    models.TaskPushBookings,
		ConfigID:    mapping.ConfigID,
		EndpointID:  endpointID,
		SubjectType: models.SubjectLink,
		SubjectID:   l.ID,
		Payload:     BookingPayload(l, event, res, mapping),
		MaxAttempts: r.maxAttempts,
	})
	if err != nil {
		return applied{}, err
	}
	r.logger.Debug().Int64("link_id", l.ID).Str("action", out.Action).Msg("push reconciled")
	return applied{Result: out, task: models.TaskPushBookings}, nil
}

func (r *Reconciler) remove(ctx context.Context, s *session, l *models.Link) (applied, error) {
	if _, err := s.tx.CancelOpenItems(ctx, models.SubjectLink, l.ID, "link deleted", models.TaskPushBookings); err != nil {
		return applied{}, err
	}

	ext := ""
	if l.HasExternalID() {
		ext = *l.ExternalBookID
	} else {
		recovered, err := s.tx.RecoverExternalRef(ctx, models.SubjectLink, l.ID)
		if err != nil {
			return applied{}, err
		}
		ext = recovered
	}
	if ext == "" {
		r.logger.Debug().Int64("link_id", l.ID).Msg("nothing to delete remotely")
		return applied{}, nil
	}

	var mapping *models.RoomMapping
	if l.MappingID != nil {
		m, err := s.mapping(ctx, *l.MappingID)
		if err != nil {
			return applied{}, err
		}
		mapping = m
	}
	if mapping == nil {
		r.logger.Warn().Int64("link_id", l.ID).Str("external_book_id", ext).Msg("cannot route delete without mapping")
		return applied{}, nil
	}
	endpointID, err := s.endpoint(ctx, models.TaskDeleteBookings)
	if err != nil {
		return applied{}, err
	}

	out, err := Enqueue(ctx, s.tx, Work{
		TaskName:    models.TaskDeleteBookings,
		ConfigID:    mapping.ConfigID,
		EndpointID:  endpointID,
		SubjectType: models.SubjectLink,
		SubjectID:   l.ID,
		Payload:     models.DeletePayload{LinkID: l.ID, ExternalBookID: ext, ExternalRoomID: mapping.ExternalRoomID},
		MaxAttempts: r.maxAttempts,
	})
	if err != nil {
		return applied{}, err
	}
	return applied{Result: out, task: models.TaskDeleteBookings}, nil
}

// BookingPayload is the content pushed for a link. Mirrors and owner blocks
// only carry availability.
func BookingPayload(l *models.Link, e *models.CalendarEvent, res *models.Reservation, m *models.RoomMapping) models.BookingPayload {
	p := models.BookingPayload{
		LinkID:         l.ID,
		EventID:        e.ID,
		ExternalRoomID: m.ExternalRoomID,
		Block:          !l.IsPrincipal || e.Kind == models.EventKindBlock,
		Status:         models.ReservationConfirmed,
		Arrival:        e.StartDate.Format(models.DateLayout),
		Departure:      e.EndDate.Format(models.DateLayout),
	}
	if res != nil {
		p.Status = res.Status
	}
	if p.Block {
		return p
	}
	p.Guests = e.Guests
	if !e.Amount.IsZero() {
		p.Amount = e.Amount.StringFixed(2)
		p.Currency = e.Currency
	}
	if res != nil {
		p.GuestName = res.GuestName
		p.GuestEmail = res.GuestEmail
		p.GuestPhone = res.GuestPhone
	}
	return p
}
