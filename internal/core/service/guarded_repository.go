package service

import (
	"context"
	"errors"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

// GuardedRepository wraps a TxStore with token-checked reads, updates and
// deletes. Update and delete report staleness as *domain.ConflictError.
type GuardedRepository[T domain.Taggable] struct {
	store port.TxStore[T]
	opts  options
}

func NewGuardedRepository[T domain.Taggable](store port.TxStore[T], opts ...Option) *GuardedRepository[T] {
	return &GuardedRepository[T]{store: store, opts: buildOptions(opts)}
}

func (r *GuardedRepository[T]) GetWithToken(ctx context.Context, id string) (T, domain.VersionToken, error) {
	var zero T

	entity, err := r.store.Get(ctx, id)
	if err != nil {
		return zero, domain.VersionToken{}, domain.Infrastructure("get entity", err)
	}
	if !domain.VisibleTo(ctx, entity.TenantID()) {
		return zero, domain.VersionToken{}, domain.ErrNotFound
	}
	return entity, entity.CurrentToken(), nil
}

// UpdateWithToken persists entity if expected is still the current token.
// The entity must come from a recent read; it is checked in memory first and
// then again against the locked row. Entities implementing
// domain.UpdateGuard or domain.Validator are checked against the locked row
// before anything is written. On success the entity carries its new token.
// On failure it is left as passed in and should be re-read before retrying.
func (r *GuardedRepository[T]) UpdateWithToken(ctx context.Context, entity T, expected domain.VersionToken) error {
	if err := entity.ValidateToken(expected); err != nil {
		return err
	}

	at := r.opts.now()
	staged, cloned := entity, false
	if c, ok := any(entity).(domain.Cloner[T]); ok {
		staged, cloned = c.Clone(), true
	}

	err := r.store.InTx(ctx, func(ctx context.Context, tx port.Tx[T]) error {
		current, err := tx.GetForUpdate(ctx, staged.EntityID())
		if err != nil {
			return err
		}
		if !domain.VisibleTo(ctx, current.TenantID()) || current.TenantID() != staged.TenantID() {
			return domain.ErrNotFound
		}
		if err := current.ValidateToken(expected); err != nil {
			return err
		}

		if g, ok := any(staged).(domain.UpdateGuard[T]); ok {
			if err := g.CheckUpdate(current); err != nil {
				return err
			}
		}
		if v, ok := any(staged).(domain.Validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
		if err := staged.UpdateToken(at); err != nil {
			return err
		}
		return tx.Update(ctx, staged)
	})
	if err != nil {
		r.logFailure("update", entity.EntityID(), err)
		return domain.Infrastructure("update entity", err)
	}

	// Same state and timestamp, so the caller's copy gets the committed token.
	if cloned {
		if err := entity.UpdateToken(at); err != nil {
			return domain.Infrastructure("update entity", err)
		}
	}
	return nil
}

// DeleteWithToken removes the entity if expected is still its current token.
func (r *GuardedRepository[T]) DeleteWithToken(ctx context.Context, id string, expected domain.VersionToken) error {
	err := r.store.InTx(ctx, func(ctx context.Context, tx port.Tx[T]) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !domain.VisibleTo(ctx, current.TenantID()) {
			return domain.ErrNotFound
		}
		if err := current.ValidateToken(expected); err != nil {
			return err
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		r.logFailure("delete", id, err)
		return domain.Infrastructure("delete entity", err)
	}
	return nil
}

// GetTokenOnly is a cheap existence and freshness check.
func (r *GuardedRepository[T]) GetTokenOnly(ctx context.Context, id string) (domain.VersionToken, error) {
	refs, err := r.store.GetTokens(ctx, []string{id})
	if err != nil {
		return domain.VersionToken{}, domain.Infrastructure("get token", err)
	}
	ref, ok := refs[id]
	if !ok || !domain.VisibleTo(ctx, ref.TenantID) {
		return domain.VersionToken{}, domain.ErrNotFound
	}
	return ref.Token, nil
}

// ValidateTokensBulk reports, per id, whether the expected token is still
// current. Missing entities report false. Nothing is locked or changed.
func (r *GuardedRepository[T]) ValidateTokensBulk(ctx context.Context, expected map[string]domain.VersionToken) (map[string]bool, error) {
	result := make(map[string]bool, len(expected))
	if len(expected) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(expected))
	for id := range expected {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	refs, err := r.store.GetTokens(ctx, ids)
	if err != nil {
		return nil, domain.Infrastructure("get tokens", err)
	}
	for _, id := range ids {
		ref, ok := refs[id]
		result[id] = ok && domain.VisibleTo(ctx, ref.TenantID) && domain.Matches(ref.Token, expected[id])
	}
	return result, nil
}

func (r *GuardedRepository[T]) logFailure(op, id string, err error) {
	entry := r.opts.logger.WithFields(logrus.Fields{
		"op":        op,
		"entity_id": id,
		"kind":      domain.KindOf(err).String(),
	})

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) || errors.Is(err, domain.ErrNotFound) || domain.KindOf(err) == domain.KindInvalidArgument {
		entry.Debug("guarded mutation refused")
		return
	}
	entry.WithError(err).Error("guarded mutation failed")
}
