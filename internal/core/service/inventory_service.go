package service

import (
	"context"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// ReserveTransition holds quantity seats of a line: Available >= quantity,
// then Reserved += quantity.
func ReserveTransition(lineID string, quantity int) Transition {
	return func(event *domain.Event) bool {
		line := event.Line(lineID)
		if line == nil || quantity <= 0 || line.Available() < quantity {
			return false
		}
		line.Reserved += quantity
		return true
	}
}

// ReleaseTransition gives back quantity previously reserved seats.
func ReleaseTransition(lineID string, quantity int) Transition {
	return func(event *domain.Event) bool {
		line := event.Line(lineID)
		if line == nil || quantity <= 0 || line.Reserved < quantity {
			return false
		}
		line.Reserved -= quantity
		return true
	}
}

// SaleTransition turns quantity reserved seats into sold ones.
func SaleTransition(lineID string, quantity int) Transition {
	return func(event *domain.Event) bool {
		line := event.Line(lineID)
		if line == nil || quantity <= 0 || line.Reserved < quantity {
			return false
		}
		line.Reserved -= quantity
		line.Sold += quantity
		return true
	}
}

// InventoryService implements reserve and release on top of the
// conditional update primitive. A false result is an ordinary outcome: the
// caller re-reads, then retries or gives up. Explain* tells it why.
type InventoryService struct {
	repo *InventoryRepository
}

func NewInventoryService(repo *InventoryRepository) *InventoryService {
	return &InventoryService{repo: repo}
}

func (s *InventoryService) Repository() *InventoryRepository {
	return s.repo
}

func (s *InventoryService) TryReserve(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) (bool, error) {
	_, ok, err := s.ReserveWithToken(ctx, eventID, lineID, quantity, expected)
	return ok, err
}

func (s *InventoryService) TryRelease(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) (bool, error) {
	_, ok, err := s.ReleaseWithToken(ctx, eventID, lineID, quantity, expected)
	return ok, err
}

func (s *InventoryService) TryCommitSale(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) (bool, error) {
	_, ok, err := s.mutate(ctx, eventID, quantity, expected, SaleTransition(lineID, quantity))
	return ok, err
}

// ReserveWithToken is TryReserve that also returns the token written by the
// reservation, for callers that echo it back as an ETag.
func (s *InventoryService) ReserveWithToken(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) (domain.VersionToken, bool, error) {
	return s.mutate(ctx, eventID, quantity, expected, ReserveTransition(lineID, quantity))
}

func (s *InventoryService) ReleaseWithToken(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) (domain.VersionToken, bool, error) {
	return s.mutate(ctx, eventID, quantity, expected, ReleaseTransition(lineID, quantity))
}

func (s *InventoryService) mutate(ctx context.Context, eventID string, quantity int, expected domain.VersionToken, transition Transition) (domain.VersionToken, bool, error) {
	if quantity <= 0 {
		return domain.VersionToken{}, false, domain.ErrInvalidQuantity
	}
	outcome, token, err := s.repo.ConditionalUpdateToken(ctx, eventID, expected, transition)
	return token, outcome == domain.OutcomeApplied, err
}

// ExplainReserve re-reads the event after a failed TryReserve and returns
// the reason: *domain.ConflictError, *domain.InsufficientInventoryError,
// domain.ErrUnknownLine or domain.ErrNotFound. It returns nil when a retry
// with expected could succeed now.
func (s *InventoryService) ExplainReserve(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) error {
	return s.explain(ctx, eventID, lineID, quantity, expected, func(l domain.LineSummary) int { return l.Available })
}

// ExplainRelease is ExplainReserve for TryRelease and TryCommitSale.
func (s *InventoryService) ExplainRelease(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) error {
	return s.explain(ctx, eventID, lineID, quantity, expected, func(l domain.LineSummary) int { return l.Reserved })
}

func (s *InventoryService) explain(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken, remaining func(domain.LineSummary) int) error {
	summary, err := s.repo.GetInventorySummaryWithToken(ctx, eventID)
	if err != nil {
		return err
	}
	if !domain.Matches(summary.Token, expected) {
		return &domain.ConflictError{Expected: expected, Actual: summary.Token}
	}

	line, ok := summary.Line(lineID)
	if !ok {
		return domain.ErrUnknownLine
	}
	if have := remaining(line); have < quantity {
		return &domain.InsufficientInventoryError{
			EventID:   eventID,
			LineID:    lineID,
			Requested: quantity,
			Remaining: have,
		}
	}
	return nil
}
