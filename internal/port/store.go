package port

import (
	"context"
	"iter"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// Tx is the transaction-scoped view of a TxStore. GetForUpdate takes the
// entity's row lock and observes the latest committed state; the lock is
// held until the transaction ends.
type Tx[T any] interface {
	// GetForUpdate returns domain.ErrNotFound when the entity is missing.
	GetForUpdate(ctx context.Context, id string) (T, error)

	// Update replaces the persisted state of the entity.
	Update(ctx context.Context, entity T) error

	Delete(ctx context.Context, id string) error
}

// TxStore is the transactional persistence capability the guarded
// repositories are built on.
type TxStore[T any] interface {
	Create(ctx context.Context, entity T) error

	// Get returns domain.ErrNotFound when the entity is missing.
	Get(ctx context.Context, id string) (T, error)

	// GetTokens returns the tokens of the requested entities without
	// materializing them. Missing ids are absent from the result.
	GetTokens(ctx context.Context, ids []string) (map[string]domain.TokenRef, error)

	// ModifiedSince lazily yields entities updated at or after since.
	ModifiedSince(ctx context.Context, since time.Time) iter.Seq2[T, error]

	// InTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back on error, panic or context cancellation.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx[T]) error) error
}
