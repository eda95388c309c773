package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const (
	testTenant = "tenant-a"
	testEvent  = "event-1"
	testLine   = "ga"
)

var errInjected = errors.New("injected failure")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedUpdate struct {
	op      string
	outcome domain.Outcome
}

type fakeRecorder struct {
	mu      sync.Mutex
	updates []recordedUpdate
}

func (r *fakeRecorder) ObserveConditionalUpdate(op string, outcome domain.Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, recordedUpdate{op: op, outcome: outcome})
}

func (r *fakeRecorder) snapshot() []recordedUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedUpdate(nil), r.updates...)
}

// faultyStore injects failures into the transactional path of a real store.
type faultyStore struct {
	port.TxStore[*domain.Event]

	mu          sync.Mutex
	updateErr   error
	panicUpdate bool
	// beforeTx runs ahead of every InTx, outside the transaction.
	beforeTx func(ctx context.Context)
}

func (f *faultyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx[*domain.Event]) error) error {
	f.mu.Lock()
	before := f.beforeTx
	f.mu.Unlock()
	if before != nil {
		before(ctx)
	}
	return f.TxStore.InTx(ctx, func(ctx context.Context, tx port.Tx[*domain.Event]) error {
		return fn(ctx, &faultyTx{Tx: tx, store: f})
	})
}

func (f *faultyStore) setBeforeTx(fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeTx = fn
}

type faultyTx struct {
	port.Tx[*domain.Event]
	store *faultyStore
}

func (t *faultyTx) Update(ctx context.Context, event *domain.Event) error {
	t.store.mu.Lock()
	err, panicking := t.store.updateErr, t.store.panicUpdate
	t.store.mu.Unlock()

	if panicking {
		panic("update exploded")
	}
	if err != nil {
		return err
	}
	return t.Tx.Update(ctx, event)
}

type fixture struct {
	ctx       context.Context
	clock     *fakeClock
	recorder  *fakeRecorder
	store     *storage.MemoryEventStore
	faulty    *faultyStore
	repo      *InventoryRepository
	inventory *InventoryService
}

func newFixture(t *testing.T, lines ...domain.InventoryLine) *fixture {
	t.Helper()

	f := &fixture{
		ctx:      domain.WithTenant(context.Background(), testTenant),
		clock:    newFakeClock(),
		recorder: &fakeRecorder{},
		store:    storage.NewMemoryEventStore(),
	}
	f.faulty = &faultyStore{TxStore: f.store}
	f.repo = NewInventoryRepository(f.faulty, WithClock(f.clock.Now), WithRecorder(f.recorder))
	f.inventory = NewInventoryService(f.repo)

	if len(lines) == 0 {
		lines = []domain.InventoryLine{{ID: testLine, Name: "General admission", Total: 100}}
	}
	f.createEvent(t, testEvent, testTenant, lines...)
	return f
}

func (f *fixture) createEvent(t *testing.T, id, tenant string, lines ...domain.InventoryLine) {
	t.Helper()
	event, err := domain.NewEvent(id, tenant, "Event "+id, lines, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(domain.WithTenant(context.Background(), tenant), event))
}

func (f *fixture) token(t *testing.T, id string) domain.VersionToken {
	t.Helper()
	token, err := f.repo.GetTokenOnly(f.ctx, id)
	require.NoError(t, err)
	return token
}

func (f *fixture) line(t *testing.T, eventID, lineID string) domain.LineSummary {
	t.Helper()
	summary, err := f.repo.GetInventorySummaryWithToken(f.ctx, eventID)
	require.NoError(t, err)
	line, ok := summary.Line(lineID)
	require.True(t, ok)
	return line
}
