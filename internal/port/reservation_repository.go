package port

import (
	"context"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type ReservationRepository interface {
	Create(ctx context.Context, r domain.Reservation) error

	// Get returns domain.ErrNotFound when the reservation is missing.
	Get(ctx context.Context, id string) (*domain.Reservation, error)

	// TransitionStatus moves the reservation from one status to another and
	// reports false if it was not in the from status.
	TransitionStatus(ctx context.Context, id string, from, to domain.ReservationStatus, at time.Time) (bool, error)

	// ListExpired returns active reservations whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}
