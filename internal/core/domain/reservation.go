package domain

import "time"

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCommitted ReservationStatus = "committed"
)

// Reservation is a short-lived hold on part of an inventory line. It refers
// to its event and line by id only; the event owns the counts.
type Reservation struct {
	ID        string
	Tenant    string
	EventID   string
	LineID    string
	Quantity  int
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether an active reservation has passed its deadline.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationActive && !now.Before(r.ExpiresAt)
}
