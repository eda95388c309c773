package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const (
	defaultMaxAttempts    = 5
	compensationTimeout   = 5 * time.Second
	defaultReservationTTL = 10 * time.Minute
)

// ReservationService owns the reservation lifecycle. Holding, releasing and
// selling seats all go through the inventory primitive; this layer is the
// caller that retries on conflict, the engine itself never does.
type ReservationService struct {
	inventory    *InventoryService
	reservations port.ReservationRepository
	maxAttempts  int
	defaultTTL   time.Duration
	opts         options
}

func NewReservationService(inventory *InventoryService, reservations port.ReservationRepository, maxAttempts int, defaultTTL time.Duration, opts ...Option) *ReservationService {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultReservationTTL
	}
	return &ReservationService{
		inventory:    inventory,
		reservations: reservations,
		maxAttempts:  maxAttempts,
		defaultTTL:   defaultTTL,
		opts:         buildOptions(opts),
	}
}

// Reserve holds quantity seats guarded by expected and records an active
// reservation. A stale token or a short line is returned as the matching
// taxonomy error. A ttl of zero uses the configured default.
func (s *ReservationService) Reserve(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken, ttl time.Duration) (domain.Reservation, error) {
	res, _, err := s.ReserveWithToken(ctx, eventID, lineID, quantity, expected, ttl)
	return res, err
}

// ReserveWithToken is Reserve that also returns the event token written by
// the hold.
func (s *ReservationService) ReserveWithToken(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken, ttl time.Duration) (domain.Reservation, domain.VersionToken, error) {
	if quantity <= 0 {
		return domain.Reservation{}, domain.VersionToken{}, domain.ErrInvalidQuantity
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	written, ok, err := s.inventory.ReserveWithToken(ctx, eventID, lineID, quantity, expected)
	if err != nil {
		return domain.Reservation{}, domain.VersionToken{}, err
	}
	if !ok {
		if err := s.inventory.ExplainReserve(ctx, eventID, lineID, quantity, expected); err != nil {
			return domain.Reservation{}, domain.VersionToken{}, err
		}
		// The event moved on between the attempt and the re-read.
		token, _ := s.inventory.Repository().GetTokenOnly(ctx, eventID)
		return domain.Reservation{}, domain.VersionToken{}, &domain.ConflictError{Expected: expected, Actual: token}
	}

	tenant, _ := domain.TenantFromContext(ctx)
	now := s.opts.now().UTC()
	res := domain.Reservation{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		EventID:   eventID,
		LineID:    lineID,
		Quantity:  quantity,
		Status:    domain.ReservationActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.reservations.Create(ctx, res); err != nil {
		s.compensate(ctx, res, err)
		return domain.Reservation{}, domain.VersionToken{}, domain.Infrastructure("create reservation", err)
	}

	s.opts.logger.WithFields(logrus.Fields{
		"reservation_id": res.ID,
		"event_id":       eventID,
		"line_id":        lineID,
		"quantity":       quantity,
	}).Info("reservation created")
	return res, written, nil
}

func (s *ReservationService) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	res, err := s.reservations.Get(ctx, id)
	if err != nil {
		return nil, domain.Infrastructure("get reservation", err)
	}
	if !domain.VisibleTo(ctx, res.Tenant) {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

// Cancel releases the held seats and marks the reservation cancelled.
func (s *ReservationService) Cancel(ctx context.Context, id string) error {
	return s.finish(ctx, id, domain.ReservationCancelled, ReleaseTransition)
}

// Expire is Cancel for reservations past their deadline. The sweeper calls it.
func (s *ReservationService) Expire(ctx context.Context, id string) error {
	res, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if res.Status == domain.ReservationActive && !res.Expired(s.opts.now()) {
		return domain.ErrReservationNotDue
	}
	return s.finish(ctx, id, domain.ReservationExpired, ReleaseTransition)
}

// Commit converts the held seats into sold ones.
func (s *ReservationService) Commit(ctx context.Context, id string) error {
	return s.finish(ctx, id, domain.ReservationCommitted, SaleTransition)
}

// finish claims the status change first so two finishers cannot both
// touch inventory, then applies the transition. If the transition cannot be
// applied the claim is reverted.
func (s *ReservationService) finish(ctx context.Context, id string, to domain.ReservationStatus, build func(lineID string, quantity int) Transition) error {
	res, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if res.Status != domain.ReservationActive {
		return domain.ErrReservationClosed
	}

	claimed, err := s.reservations.TransitionStatus(ctx, id, domain.ReservationActive, to, s.opts.now().UTC())
	if err != nil {
		return domain.Infrastructure("claim reservation", err)
	}
	if !claimed {
		return domain.ErrReservationClosed
	}

	if err := s.applyWithRetry(ctx, res.EventID, res.LineID, res.Quantity, build(res.LineID, res.Quantity)); err != nil {
		revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		defer cancel()
		if _, rerr := s.reservations.TransitionStatus(revertCtx, id, to, domain.ReservationActive, s.opts.now().UTC()); rerr != nil {
			s.opts.logger.WithFields(logrus.Fields{
				"reservation_id": id,
				"status":         to,
			}).WithError(rerr).Error("CRITICAL failed to revert reservation claim")
		}
		return err
	}

	s.opts.logger.WithFields(logrus.Fields{
		"reservation_id": id,
		"event_id":       res.EventID,
		"status":         to,
	}).Info("reservation finished")
	return nil
}

// applyWithRetry re-reads the token and retries the transition while it
// loses to concurrent writers.
func (s *ReservationService) applyWithRetry(ctx context.Context, eventID, lineID string, quantity int, transition Transition) error {
	repo := s.inventory.Repository()
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		token, err := repo.GetTokenOnly(ctx, eventID)
		if err != nil {
			return err
		}

		outcome, err := repo.ConditionalUpdate(ctx, eventID, token, transition)
		if err != nil {
			return err
		}
		switch outcome {
		case domain.OutcomeApplied:
			return nil
		case domain.OutcomeNotFound:
			return domain.ErrNotFound
		case domain.OutcomeRejected:
			err := s.inventory.ExplainRelease(ctx, eventID, lineID, quantity, token)
			if err != nil && domain.KindOf(err) != domain.KindConflict {
				return err
			}
		}
	}
	return fmt.Errorf("event %s after %d attempts: %w", eventID, s.maxAttempts, domain.ErrRetriesExhausted)
}

// compensate gives back seats held for a reservation that could not be
// recorded. It runs detached from the caller's context.
func (s *ReservationService) compensate(ctx context.Context, res domain.Reservation, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	entry := s.opts.logger.WithFields(logrus.Fields{
		"event_id": res.EventID,
		"line_id":  res.LineID,
		"quantity": res.Quantity,
		"cause":    cause.Error(),
	})
	if err := s.applyWithRetry(ctx, res.EventID, res.LineID, res.Quantity, ReleaseTransition(res.LineID, res.Quantity)); err != nil {
		entry.WithError(err).Error("CRITICAL rollback failed for unrecorded reservation")
		return
	}
	entry.Warn("rolled back hold for unrecorded reservation")
}
