package models

// BookingPayload is the content pushed for one link. Mirrors are sent as
// availability blocks without guest or pricing data.
type BookingPayload struct {
	LinkID         int64  `json:"link_id"`
	EventID        int64  `json:"event_id"`
	ExternalRoomID string `json:"external_room_id"`
	Block          bool   `json:"block"`
	Status         string `json:"status"`
	Arrival        string `json:"arrival"`
	Departure      string `json:"departure"`
	Guests         int    `json:"guests,omitempty"`
	Amount         string `json:"amount,omitempty"`
	Currency       string `json:"currency,omitempty"`
	GuestName      string `json:"guest_name,omitempty"`
	GuestEmail     string `json:"guest_email,omitempty"`
	GuestPhone     string `json:"guest_phone,omitempty"`
}

// DeletePayload snapshots what a delete needs once the link row is gone.
type DeletePayload struct {
	LinkID         int64  `json:"link_id"`
	ExternalBookID string `json:"external_book_id"`
	ExternalRoomID string `json:"external_room_id"`
}

// PullPayload asks for changes since an instant (RFC 3339).
type PullPayload struct {
	Since       string `json:"since,omitempty"`
	RequestedAt string `json:"requested_at,omitempty"`
}

// RatesPayload is the date window [From, To) of a rates push.
type RatesPayload struct {
	From string `json:"from"`
	To   string `json:"to"`

	// Digest fingerprints the tariff ranges of the window when enqueued.
	Digest string `json:"digest,omitempty"`
}

// ExternalBooking is one booking reported by a platform.
type ExternalBooking struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Status    string `json:"status"`
	Arrival   string `json:"arrival"`
	Departure string `json:"departure"`
	Guests    int    `json:"guests"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	GuestName string `json:"guest_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Cancelled reports whether the platform cancelled the booking.
func (b ExternalBooking) Cancelled() bool {
	return b.Status == ReservationCancelled
}
