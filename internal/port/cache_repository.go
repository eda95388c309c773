package port

import (
	"context"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// SummaryCache holds advisory copies of inventory summaries. Nothing read
// from it may be used as a precondition for a conditional update.
type SummaryCache interface {
	// PutSummary stores s unless a summary with a newer revision is cached.
	PutSummary(ctx context.Context, s domain.InventorySummary) (bool, error)

	// GetSummary returns nil on a cache miss.
	GetSummary(ctx context.Context, eventID string) (*domain.InventorySummary, error)
}

// IdempotencyStore backs the duplicate-request check at the boundary.
type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency releases a key whose request failed.
	ClearIdempotency(ctx context.Context, key string) error
}
