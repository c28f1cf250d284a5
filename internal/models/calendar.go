package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Unit is a bookable resource.
type Unit struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomMapping ties a unit to a room on one external account.
// Code is the virtual code mirrors are matched by when a unit changes.
type RoomMapping struct {
	ID                 int64  `json:"id"`
	UnitID             int64  `json:"unit_id"`
	ConfigID           int64  `json:"config_id"`
	ExternalRoomID     string `json:"external_room_id"`
	Code               string `json:"code"`
	IsPrincipal        bool   `json:"is_principal"`
	IsVirtualPrincipal bool   `json:"is_virtual_principal"`
	Active             bool   `json:"active"`
}

// CalendarEvent occupies a unit for the half-open date range [StartDate, EndDate).
type CalendarEvent struct {
	ID            int64           `json:"id"`
	UnitID        int64           `json:"unit_id"`
	ReservationID *int64          `json:"reservation_id,omitempty"`
	Kind          string          `json:"kind"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	Guests        int             `json:"guests"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Nights returns the number of nights covered by the event.
func (e *CalendarEvent) Nights() int {
	return int(e.EndDate.Sub(e.StartDate).Hours() / 24)
}

// Reservation is the guest-facing record behind one or more events.
type Reservation struct {
	ID               int64     `json:"id"`
	Status           string    `json:"status"`
	GuestName        string    `json:"guest_name"`
	GuestEmail       string    `json:"guest_email"`
	GuestPhone       string    `json:"guest_phone"`
	Notes            string    `json:"notes"`
	Color            string    `json:"color"`
	Source           string    `json:"source"`
	ExternallyLocked bool      `json:"externally_locked"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Link pairs a calendar event with one room mapping.
type Link struct {
	ID             int64      `json:"id"`
	EventID        *int64     `json:"event_id,omitempty"`
	MappingID      *int64     `json:"mapping_id,omitempty"`
	IsPrincipal    bool       `json:"is_principal"`
	IsMirror       bool       `json:"is_mirror"`
	ExternalBookID *string    `json:"external_book_id,omitempty"`
	Status         string     `json:"status"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Code of the current mapping, joined on read.
	Code string `json:"code,omitempty"`
}

// HasExternalID reports whether the link carries a non-empty external booking id.
func (l *Link) HasExternalID() bool {
	return l.ExternalBookID != nil && *l.ExternalBookID != ""
}

// TariffRange is a priced date range [StartDate, EndDate) for a unit.
type TariffRange struct {
	ID        int64           `json:"id"`
	UnitID    int64           `json:"unit_id"`
	StartDate time.Time       `json:"start_date"`
	EndDate   time.Time       `json:"end_date"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	MinStay   int             `json:"min_stay"`
	Important bool            `json:"important"`
	Weight    int             `json:"weight"`
}
