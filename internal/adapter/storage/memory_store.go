package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

var (
	ErrDuplicateEvent       = errors.New("event already exists")
	ErrDuplicateReservation = errors.New("reservation already exists")
	errLockNotHeld          = errors.New("row lock not held")
)

// MemoryEventStore is an in-process TxStore with the same locking contract
// as the MySQL store: one lock per event, held until the transaction ends,
// acquired in a way that respects context cancellation.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*domain.Event
	locks  map[string]chan struct{}
}

var _ port.TxStore[*domain.Event] = (*MemoryEventStore)(nil)

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]*domain.Event),
		locks:  make(map[string]chan struct{}),
	}
}

func (m *MemoryEventStore) Create(ctx context.Context, event *domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; ok {
		return fmt.Errorf("create event %s: %w", event.ID, ErrDuplicateEvent)
	}
	m.events[event.ID] = event.Clone()
	return nil
}

func (m *MemoryEventStore) Get(ctx context.Context, id string) (*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return event.Clone(), nil
}

func (m *MemoryEventStore) GetTokens(ctx context.Context, ids []string) (map[string]domain.TokenRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make(map[string]domain.TokenRef, len(ids))
	for _, id := range ids {
		if event, ok := m.events[id]; ok {
			refs[id] = domain.TokenRef{TenantID: event.Tenant, Token: event.Token}
		}
	}
	return refs, nil
}

func (m *MemoryEventStore) ModifiedSince(ctx context.Context, since time.Time) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		m.mu.RLock()
		snapshot := make([]*domain.Event, 0, len(m.events))
		for _, event := range m.events {
			if !event.UpdatedAt.Before(since) {
				snapshot = append(snapshot, event.Clone())
			}
		}
		m.mu.RUnlock()

		slices.SortFunc(snapshot, func(a, b *domain.Event) int {
			if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})

		for _, event := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

func (m *MemoryEventStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx[*domain.Event]) error) error {
	tx := &memoryTx{
		store:   m,
		held:    make(map[string]chan struct{}),
		staged:  make(map[string]*domain.Event),
		deleted: make(map[string]bool),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range tx.deleted {
		delete(m.events, id)
	}
	for id, event := range tx.staged {
		m.events[id] = event
	}
	return nil
}

func (m *MemoryEventStore) lockFor(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[id] = l
	}
	return l
}

type memoryTx struct {
	store   *MemoryEventStore
	held    map[string]chan struct{}
	staged  map[string]*domain.Event
	deleted map[string]bool
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id string) (*domain.Event, error) {
	if _, ok := t.held[id]; !ok {
		l := t.store.lockFor(id)
		select {
		case l <- struct{}{}:
			t.held[id] = l
		case <-ctx.Done():
			return nil, fmt.Errorf("lock event %s: %w", id, ctx.Err())
		}
	}

	if t.deleted[id] {
		return nil, domain.ErrNotFound
	}
	if event, ok := t.staged[id]; ok {
		return event.Clone(), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	event, ok := t.store.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return event.Clone(), nil
}

func (t *memoryTx) Update(ctx context.Context, event *domain.Event) error {
	if _, ok := t.held[event.ID]; !ok {
		return fmt.Errorf("update event %s: %w", event.ID, errLockNotHeld)
	}
	if t.deleted[event.ID] {
		return domain.ErrNotFound
	}
	t.staged[event.ID] = event.Clone()
	return ctx.Err()
}

func (t *memoryTx) Delete(ctx context.Context, id string) error {
	if _, ok := t.held[id]; !ok {
		return fmt.Errorf("delete event %s: %w", id, errLockNotHeld)
	}
	delete(t.staged, id)
	t.deleted[id] = true
	return ctx.Err()
}

func (t *memoryTx) release() {
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
}

// MemoryReservationRepository is the in-process ReservationRepository.
type MemoryReservationRepository struct {
	mu           sync.Mutex
	reservations map[string]domain.Reservation
}

var _ port.ReservationRepository = (*MemoryReservationRepository)(nil)

func NewMemoryReservationRepository() *MemoryReservationRepository {
	return &MemoryReservationRepository{reservations: make(map[string]domain.Reservation)}
}

func (m *MemoryReservationRepository) Create(ctx context.Context, r domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.ID]; ok {
		return fmt.Errorf("create reservation %s: %w", r.ID, ErrDuplicateReservation)
	}
	m.reservations[r.ID] = r
	return nil
}

func (m *MemoryReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *MemoryReservationRepository) TransitionStatus(ctx context.Context, id string, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	m.reservations[id] = r
	return true, nil
}

func (m *MemoryReservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	due := make([]domain.Reservation, 0)
	for _, r := range m.reservations {
		if r.Expired(now) {
			due = append(due, r)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(due, func(a, b domain.Reservation) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
