package service

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

// errRollback aborts a transaction for an expected, non-error outcome.
var errRollback = errors.New("rollback")

// Transition mutates an event inside a conditional update. Returning false
// refuses the mutation; nothing is written.
type Transition func(event *domain.Event) bool

// BulkMutation is one keyed entry of TryConditionalUpdateBulk.
type BulkMutation struct {
	Expected   domain.VersionToken
	Transition Transition
}

// InventoryRepository adds atomic conditional mutation to the guarded
// repository. Every change to inventory line counts goes through
// ConditionalUpdate or TryConditionalUpdateBulk.
type InventoryRepository struct {
	*GuardedRepository[*domain.Event]
	store port.TxStore[*domain.Event]
	opts  options
}

func NewInventoryRepository(store port.TxStore[*domain.Event], opts ...Option) *InventoryRepository {
	return &InventoryRepository{
		GuardedRepository: NewGuardedRepository(store, opts...),
		store:             store,
		opts:              buildOptions(opts),
	}
}

// Create stores a new event.
func (r *InventoryRepository) Create(ctx context.Context, event *domain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if !domain.VisibleTo(ctx, event.Tenant) {
		return domain.ErrNotFound
	}
	return domain.Infrastructure("create event", r.store.Create(ctx, event))
}

// ConditionalUpdate locks the event, checks expected against the freshly
// loaded token, applies transition and regenerates the token, all in one
// transaction. A stale token, a refused transition and a missing event are
// reported as outcomes with a nil error; the error is reserved for store
// failures, which always roll back.
func (r *InventoryRepository) ConditionalUpdate(ctx context.Context, id string, expected domain.VersionToken, transition Transition) (domain.Outcome, error) {
	outcome, _, err := r.ConditionalUpdateToken(ctx, id, expected, transition)
	return outcome, err
}

// ConditionalUpdateToken is ConditionalUpdate that also returns the token the
// committed write produced. The token is zero unless the outcome is applied.
func (r *InventoryRepository) ConditionalUpdateToken(ctx context.Context, id string, expected domain.VersionToken, transition Transition) (domain.Outcome, domain.VersionToken, error) {
	start := time.Now()
	outcome := domain.OutcomeUnknown
	var committed domain.VersionToken

	err := r.store.InTx(ctx, func(ctx context.Context, tx port.Tx[*domain.Event]) error {
		event, err := tx.GetForUpdate(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			outcome = domain.OutcomeNotFound
			return errRollback
		}
		if err != nil {
			return err
		}
		if !domain.VisibleTo(ctx, event.Tenant) {
			outcome = domain.OutcomeNotFound
			return errRollback
		}
		if !domain.Matches(event.Token, expected) {
			outcome = domain.OutcomeConflict
			return errRollback
		}
		if transition == nil || !transition(event) || event.Validate() != nil {
			outcome = domain.OutcomeRejected
			return errRollback
		}

		if err := event.UpdateToken(r.opts.now()); err != nil {
			return err
		}
		if err := tx.Update(ctx, event); err != nil {
			return err
		}
		outcome, committed = domain.OutcomeApplied, event.Token
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		r.opts.recorder.ObserveConditionalUpdate("single", domain.OutcomeUnknown, time.Since(start))
		r.opts.logger.WithFields(logrus.Fields{
			"op":       "conditional_update",
			"event_id": id,
		}).WithError(err).Error("conditional update failed")
		return domain.OutcomeUnknown, domain.VersionToken{}, domain.Infrastructure("conditional update", err)
	}

	r.opts.recorder.ObserveConditionalUpdate("single", outcome, time.Since(start))
	if outcome != domain.OutcomeApplied {
		r.opts.logger.WithFields(logrus.Fields{
			"op":       "conditional_update",
			"event_id": id,
			"outcome":  outcome.String(),
		}).Debug("conditional update not applied")
	}
	return outcome, committed, nil
}

// TryConditionalUpdate is ConditionalUpdate collapsed to applied or not.
func (r *InventoryRepository) TryConditionalUpdate(ctx context.Context, id string, expected domain.VersionToken, transition Transition) (bool, error) {
	outcome, err := r.ConditionalUpdate(ctx, id, expected, transition)
	return outcome == domain.OutcomeApplied, err
}

// GetInventorySummaryWithToken reads the authoritative store, never a cache.
func (r *InventoryRepository) GetInventorySummaryWithToken(ctx context.Context, id string) (domain.InventorySummary, error) {
	event, _, err := r.GetWithToken(ctx, id)
	if err != nil {
		return domain.InventorySummary{}, err
	}
	return event.Summary(), nil
}

// TryConditionalUpdateBulk applies every mutation in one transaction or
// none of them. Rows are locked in id order so two bulk calls touching the
// same events cannot deadlock each other. If any key has a stale token, is
// missing or has its transition refused, every key reports false.
func (r *InventoryRepository) TryConditionalUpdateBulk(ctx context.Context, mutations map[string]BulkMutation) (map[string]bool, error) {
	result := make(map[string]bool, len(mutations))
	ids := make([]string, 0, len(mutations))
	for id := range mutations {
		result[id] = false
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return result, nil
	}
	slices.Sort(ids)

	start := time.Now()
	outcome := domain.OutcomeUnknown

	err := r.store.InTx(ctx, func(ctx context.Context, tx port.Tx[*domain.Event]) error {
		events := make([]*domain.Event, 0, len(ids))
		for _, id := range ids {
			event, err := tx.GetForUpdate(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				outcome = domain.OutcomeNotFound
				return errRollback
			}
			if err != nil {
				return err
			}
			if !domain.VisibleTo(ctx, event.Tenant) {
				outcome = domain.OutcomeNotFound
				return errRollback
			}
			if !domain.Matches(event.Token, mutations[id].Expected) {
				outcome = domain.OutcomeConflict
				return errRollback
			}
			events = append(events, event)
		}

		for i, event := range events {
			transition := mutations[ids[i]].Transition
			if transition == nil || !transition(event) || event.Validate() != nil {
				outcome = domain.OutcomeRejected
				return errRollback
			}
		}

		now := r.opts.now()
		for _, event := range events {
			if err := event.UpdateToken(now); err != nil {
				return err
			}
			if err := tx.Update(ctx, event); err != nil {
				return err
			}
		}
		outcome = domain.OutcomeApplied
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		r.opts.recorder.ObserveConditionalUpdate("bulk", domain.OutcomeUnknown, time.Since(start))
		r.opts.logger.WithFields(logrus.Fields{
			"op":     "conditional_update_bulk",
			"events": len(ids),
		}).WithError(err).Error("bulk conditional update failed")
		return result, domain.Infrastructure("bulk conditional update", err)
	}

	r.opts.recorder.ObserveConditionalUpdate("bulk", outcome, time.Since(start))
	if outcome == domain.OutcomeApplied {
		for _, id := range ids {
			result[id] = true
		}
	}
	return result, nil
}

// GetModifiedSince lazily yields events updated at or after since. It takes
// no locks and never changes tokens.
func (r *InventoryRepository) GetModifiedSince(ctx context.Context, since time.Time) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		for event, err := range r.store.ModifiedSince(ctx, since) {
			if err != nil {
				yield(nil, domain.Infrastructure("modified since", err))
				return
			}
			if !domain.VisibleTo(ctx, event.Tenant) {
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}
