package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/models"
)

// --- exchange configs and endpoints

func (db *DB) CreateConfig(ctx context.Context, cfg *models.ExchangeConfig) error {
	now := db.now()
	query := `INSERT INTO exchange_configs (name, base_url, api_key, api_key_header, active, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query, cfg.Name, cfg.BaseURL, cfg.APIKey, cfg.APIKeyHeader, cfg.Active, now, now)
	if err != nil {
		return fmt.Errorf("failed to create exchange config: %w", err)
	}
	cfg.ID, err = res.LastInsertId()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	return err
}

func getConfig(ctx context.Context, q querier, id int64) (*models.ExchangeConfig, error) {
	query := `SELECT id, name, base_url, api_key, api_key_header, active, created_at, updated_at
              FROM exchange_configs WHERE id = ?`
	var c models.ExchangeConfig
	err := q.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.BaseURL, &c.APIKey, &c.APIKeyHeader, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange config %d: %w", id, err)
	}
	return &c, nil
}

func (db *DB) GetConfig(ctx context.Context, id int64) (*models.ExchangeConfig, error) {
	return getConfig(ctx, db, id)
}

// ListConfigs returns all configs, or only active ones.
func (db *DB) ListConfigs(ctx context.Context, activeOnly bool) ([]*models.ExchangeConfig, error) {
	query := `SELECT id, name, base_url, api_key, api_key_header, active, created_at, updated_at FROM exchange_configs`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchange configs: %w", err)
	}
	defer rows.Close()

	var out []*models.ExchangeConfig
	for rows.Next() {
		var c models.ExchangeConfig
		if err := rows.Scan(&c.ID, &c.Name, &c.BaseURL, &c.APIKey, &c.APIKeyHeader, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (db *DB) CreateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	res, err := db.ExecContext(ctx, `INSERT INTO exchange_endpoints (action, method, path) VALUES (?, ?, ?)`, ep.Action, ep.Method, ep.Path)
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	ep.ID, err = res.LastInsertId()
	return err
}

func scanEndpoint(row *sql.Row) (*models.Endpoint, error) {
	var ep models.Endpoint
	err := row.Scan(&ep.ID, &ep.Action, &ep.Method, &ep.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return &ep, nil
}

func getEndpoint(ctx context.Context, q querier, id int64) (*models.Endpoint, error) {
	return scanEndpoint(q.QueryRowContext(ctx, `SELECT id, action, method, path FROM exchange_endpoints WHERE id = ?`, id))
}

func getEndpointByAction(ctx context.Context, q querier, action string) (*models.Endpoint, error) {
	return scanEndpoint(q.QueryRowContext(ctx, `SELECT id, action, method, path FROM exchange_endpoints WHERE action = ?`, action))
}

func (db *DB) GetEndpoint(ctx context.Context, id int64) (*models.Endpoint, error) {
	return getEndpoint(ctx, db, id)
}

func (db *DB) EndpointByAction(ctx context.Context, action string) (*models.Endpoint, error) {
	return getEndpointByAction(ctx, db, action)
}

func (tx *Tx) EndpointByAction(ctx context.Context, action string) (*models.Endpoint, error) {
	return getEndpointByAction(ctx, tx, action)
}

// --- units and mappings

func (db *DB) CreateUnit(ctx context.Context, u *models.Unit) error {
	now := db.now()
	res, err := db.ExecContext(ctx, `INSERT INTO units (name, active, created_at) VALUES (?, ?, ?)`, u.Name, u.Active, now)
	if err != nil {
		return fmt.Errorf("failed to create unit: %w", err)
	}
	u.ID, err = res.LastInsertId()
	u.CreatedAt = now
	return err
}

func (db *DB) GetUnit(ctx context.Context, id int64) (*models.Unit, error) {
	var u models.Unit
	err := db.QueryRowContext(ctx, `SELECT id, name, active, created_at FROM units WHERE id = ?`, id).Scan(&u.ID, &u.Name, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return &u, nil
}

const mappingColumns = `id, unit_id, config_id, external_room_id, code, is_principal, is_virtual_principal, active`

func scanMapping(s rowScanner) (*models.RoomMapping, error) {
	var m models.RoomMapping
	if err := s.Scan(&m.ID, &m.UnitID, &m.ConfigID, &m.ExternalRoomID, &m.Code, &m.IsPrincipal, &m.IsVirtualPrincipal, &m.Active); err != nil {
		return nil, err
	}
	return &m, nil
}

func queryMappings(ctx context.Context, q querier, query string, args ...any) ([]*models.RoomMapping, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var out []*models.RoomMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) CreateMapping(ctx context.Context, m *models.RoomMapping) error {
	query := `INSERT INTO room_mappings (unit_id, config_id, external_room_id, code, is_principal, is_virtual_principal, active)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query, m.UnitID, m.ConfigID, m.ExternalRoomID, m.Code, m.IsPrincipal, m.IsVirtualPrincipal, m.Active)
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func getMapping(ctx context.Context, q querier, id int64) (*models.RoomMapping, error) {
	m, err := scanMapping(q.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM room_mappings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping %d: %w", id, err)
	}
	return m, nil
}

func (db *DB) GetMapping(ctx context.Context, id int64) (*models.RoomMapping, error) {
	return getMapping(ctx, db, id)
}

func (tx *Tx) GetMapping(ctx context.Context, id int64) (*models.RoomMapping, error) {
	return getMapping(ctx, tx, id)
}

// MappingsByUnit returns the active mappings of a unit ordered by id.
func (tx *Tx) MappingsByUnit(ctx context.Context, unitID int64) ([]*models.RoomMapping, error) {
	return queryMappings(ctx, tx, `SELECT `+mappingColumns+` FROM room_mappings WHERE unit_id = ? AND active = 1 ORDER BY id`, unitID)
}

func (db *DB) MappingsByUnit(ctx context.Context, unitID int64) ([]*models.RoomMapping, error) {
	return queryMappings(ctx, db, `SELECT `+mappingColumns+` FROM room_mappings WHERE unit_id = ? AND active = 1 ORDER BY id`, unitID)
}

// ListActiveMappings returns every active mapping of an active config.
func (db *DB) ListActiveMappings(ctx context.Context) ([]*models.RoomMapping, error) {
	query := `SELECT m.id, m.unit_id, m.config_id, m.external_room_id, m.code, m.is_principal, m.is_virtual_principal, m.active
              FROM room_mappings m JOIN exchange_configs c ON c.id = m.config_id
              WHERE m.active = 1 AND c.active = 1 ORDER BY m.id`
	return queryMappings(ctx, db, query)
}

// MappingByExternalRoom finds the active mapping of a config for an external room id.
func (tx *Tx) MappingByExternalRoom(ctx context.Context, configID int64, externalRoomID string) (*models.RoomMapping, error) {
	m, err := scanMapping(tx.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM room_mappings WHERE config_id = ? AND external_room_id = ? AND active = 1 ORDER BY id LIMIT 1`,
		configID, externalRoomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mapping by external room: %w", err)
	}
	return m, nil
}

// --- reservations

const reservationColumns = `id, status, guest_name, guest_email, guest_phone, notes, color, source, externally_locked, created_at, updated_at`

func getReservation(ctx context.Context, q querier, id int64) (*models.Reservation, error) {
	var r models.Reservation
	var notes sql.NullString
	err := q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id).Scan(
		&r.ID, &r.Status, &r.GuestName, &r.GuestEmail, &r.GuestPhone, &notes, &r.Color, &r.Source, &r.ExternallyLocked, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation %d: %w", id, err)
	}
	r.Notes = notes.String
	return &r, nil
}

func (db *DB) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	return getReservation(ctx, db, id)
}

func (tx *Tx) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	return getReservation(ctx, tx, id)
}

func (tx *Tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	now := tx.now()
	if r.Status == "" {
		r.Status = models.ReservationConfirmed
	}
	query := `INSERT INTO reservations (status, guest_name, guest_email, guest_phone, notes, color, source, externally_locked, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, r.Status, r.GuestName, r.GuestEmail, r.GuestPhone, r.Notes, r.Color, r.Source, r.ExternallyLocked, now, now)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	r.CreatedAt, r.UpdatedAt = now, now
	tx.changes.Reservations.Inserted = append(tx.changes.Reservations.Inserted, r)
	return nil
}

// UpdateReservation saves r and records which fields changed.
func (tx *Tx) UpdateReservation(ctx context.Context, r *models.Reservation, fields ...string) error {
	now := tx.now()
	query := `UPDATE reservations SET status = ?, guest_name = ?, guest_email = ?, guest_phone = ?, notes = ?, color = ?,
                     source = ?, externally_locked = ?, updated_at = ?
              WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, r.Status, r.GuestName, r.GuestEmail, r.GuestPhone, r.Notes, r.Color, r.Source, r.ExternallyLocked, now, r.ID); err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	r.UpdatedAt = now
	tx.changes.Reservations.Updated = append(tx.changes.Reservations.Updated, r)
	tx.changes.ReservationFields[r.ID] = append(tx.changes.ReservationFields[r.ID], fields...)
	return nil
}

// --- calendar events

const eventColumns = `id, unit_id, reservation_id, kind, start_date, end_date, guests, amount, currency, created_at, updated_at`

func scanEvent(s rowScanner) (*models.CalendarEvent, error) {
	var e models.CalendarEvent
	if err := s.Scan(&e.ID, &e.UnitID, &e.ReservationID, &e.Kind, &e.StartDate, &e.EndDate, &e.Guests, &e.Amount, &e.Currency, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func getEvent(ctx context.Context, q querier, id int64) (*models.CalendarEvent, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return e, nil
}

func (db *DB) GetEvent(ctx context.Context, id int64) (*models.CalendarEvent, error) {
	return getEvent(ctx, db, id)
}

func (tx *Tx) GetEvent(ctx context.Context, id int64) (*models.CalendarEvent, error) {
	return getEvent(ctx, tx, id)
}

// EventsByReservation lists events backed by a reservation.
func (tx *Tx) EventsByReservation(ctx context.Context, reservationID int64) ([]*models.CalendarEvent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE reservation_id = ? ORDER BY id`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events by reservation: %w", err)
	}
	defer rows.Close()

	var out []*models.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (tx *Tx) InsertEvent(ctx context.Context, e *models.CalendarEvent) error {
	now := tx.now()
	if e.Kind == "" {
		e.Kind = models.EventKindBooking
	}
	query := `INSERT INTO calendar_events (unit_id, reservation_id, kind, start_date, end_date, guests, amount, currency, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, e.UnitID, e.ReservationID, e.Kind, dateOnly(e.StartDate), dateOnly(e.EndDate), e.Guests, e.Amount, e.Currency, now, now)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	e.CreatedAt, e.UpdatedAt = now, now
	tx.changes.Events.Inserted = append(tx.changes.Events.Inserted, e)
	return nil
}

func (tx *Tx) UpdateEvent(ctx context.Context, e *models.CalendarEvent) error {
	now := tx.now()
	query := `UPDATE calendar_events SET unit_id = ?, reservation_id = ?, kind = ?, start_date = ?, end_date = ?, guests = ?,
                     amount = ?, currency = ?, updated_at = ?
              WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, e.UnitID, e.ReservationID, e.Kind, dateOnly(e.StartDate), dateOnly(e.EndDate), e.Guests, e.Amount, e.Currency, now, e.ID); err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	e.UpdatedAt = now
	tx.changes.Events.Updated = append(tx.changes.Events.Updated, e)
	return nil
}

// DeleteEvent removes the event row. Its links must be handled by the caller.
func (tx *Tx) DeleteEvent(ctx context.Context, e *models.CalendarEvent) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, e.ID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	tx.changes.Events.Deleted = append(tx.changes.Events.Deleted, e)
	return nil
}

// --- links

const linkSelect = `SELECT l.id, l.event_id, l.mapping_id, l.is_principal, l.is_mirror, l.external_book_id, l.status,
       l.last_seen_at, l.created_at, l.updated_at, COALESCE(m.code, '')
FROM calendar_links l LEFT JOIN room_mappings m ON m.id = l.mapping_id`

func scanLink(s rowScanner) (*models.Link, error) {
	var l models.Link
	if err := s.Scan(&l.ID, &l.EventID, &l.MappingID, &l.IsPrincipal, &l.IsMirror, &l.ExternalBookID, &l.Status,
		&l.LastSeenAt, &l.CreatedAt, &l.UpdatedAt, &l.Code); err != nil {
		return nil, err
	}
	return &l, nil
}

func queryLinks(ctx context.Context, q querier, query string, args ...any) ([]*models.Link, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var out []*models.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func getLink(ctx context.Context, q querier, id int64) (*models.Link, error) {
	l, err := scanLink(q.QueryRowContext(ctx, linkSelect+` WHERE l.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link %d: %w", id, err)
	}
	return l, nil
}

func (db *DB) GetLink(ctx context.Context, id int64) (*models.Link, error) {
	return getLink(ctx, db, id)
}

func (tx *Tx) GetLink(ctx context.Context, id int64) (*models.Link, error) {
	return getLink(ctx, tx, id)
}

func (db *DB) LinksByEvent(ctx context.Context, eventID int64) ([]*models.Link, error) {
	return queryLinks(ctx, db, linkSelect+` WHERE l.event_id = ? ORDER BY l.id`, eventID)
}

func (tx *Tx) LinksByEvent(ctx context.Context, eventID int64) ([]*models.Link, error) {
	return queryLinks(ctx, tx, linkSelect+` WHERE l.event_id = ? ORDER BY l.id`, eventID)
}

// LinkByExternalID finds the link of a config holding an external booking id.
func (tx *Tx) LinkByExternalID(ctx context.Context, configID int64, externalID string) (*models.Link, error) {
	l, err := scanLink(tx.QueryRowContext(ctx, linkSelect+` WHERE m.config_id = ? AND l.external_book_id = ? ORDER BY l.id LIMIT 1`, configID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find link by external id: %w", err)
	}
	return l, nil
}

func (tx *Tx) InsertLink(ctx context.Context, l *models.Link) error {
	now := tx.now()
	if l.Status == "" {
		l.Status = models.LinkStatusActive
	}
	query := `INSERT INTO calendar_links (event_id, mapping_id, is_principal, is_mirror, external_book_id, status, last_seen_at, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, l.EventID, l.MappingID, l.IsPrincipal, l.IsMirror, l.ExternalBookID, l.Status, l.LastSeenAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	if l.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	l.CreatedAt, l.UpdatedAt = now, now
	if err := tx.refreshLinkCode(ctx, l); err != nil {
		return err
	}
	tx.changes.Links.Inserted = append(tx.changes.Links.Inserted, l)
	return nil
}

func (tx *Tx) UpdateLink(ctx context.Context, l *models.Link) error {
	now := tx.now()
	query := `UPDATE calendar_links SET event_id = ?, mapping_id = ?, is_principal = ?, is_mirror = ?, external_book_id = ?,
                     status = ?, last_seen_at = ?, updated_at = ?
              WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, l.EventID, l.MappingID, l.IsPrincipal, l.IsMirror, l.ExternalBookID, l.Status, l.LastSeenAt, now, l.ID); err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}
	l.UpdatedAt = now
	if err := tx.refreshLinkCode(ctx, l); err != nil {
		return err
	}
	tx.changes.Links.Updated = append(tx.changes.Links.Updated, l)
	return nil
}

// DeleteLink removes the row; the link stays visible to interceptors as scheduled for deletion.
func (tx *Tx) DeleteLink(ctx context.Context, l *models.Link) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_links WHERE id = ?`, l.ID); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	tx.changes.Links.Deleted = append(tx.changes.Links.Deleted, l)
	return nil
}

func (tx *Tx) refreshLinkCode(ctx context.Context, l *models.Link) error {
	l.Code = ""
	if l.MappingID == nil {
		return nil
	}
	m, err := getMapping(ctx, tx, *l.MappingID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	l.Code = m.Code
	return nil
}

// --- tariffs

func (db *DB) CreateTariffRange(ctx context.Context, r *models.TariffRange) error {
	query := `INSERT INTO tariff_ranges (unit_id, start_date, end_date, price, currency, min_stay, important, weight)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query, r.UnitID, dateOnly(r.StartDate), dateOnly(r.EndDate), r.Price, r.Currency, r.MinStay, r.Important, r.Weight)
	if err != nil {
		return fmt.Errorf("failed to create tariff range: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// TariffRanges lists ranges of a unit overlapping [from, to).
func (db *DB) TariffRanges(ctx context.Context, unitID int64, from, to time.Time) ([]*models.TariffRange, error) {
	query := `SELECT id, unit_id, start_date, end_date, price, currency, min_stay, important, weight
              FROM tariff_ranges WHERE unit_id = ? AND start_date < ? AND end_date > ? ORDER BY id`
	rows, err := db.QueryContext(ctx, query, unitID, dateOnly(to), dateOnly(from))
	if err != nil {
		return nil, fmt.Errorf("failed to list tariff ranges: %w", err)
	}
	defer rows.Close()

	var out []*models.TariffRange
	for rows.Next() {
		var r models.TariffRange
		if err := rows.Scan(&r.ID, &r.UnitID, &r.StartDate, &r.EndDate, &r.Price, &r.Currency, &r.MinStay, &r.Important, &r.Weight); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
