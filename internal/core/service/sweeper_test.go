package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

func TestSweeper_SweepOnce(t *testing.T) {
	f := newReservationFixture(t)

	var due []domain.Reservation
	for i := 0; i < 6; i++ {
		due = append(due, f.reserve(t, 2))
	}
	f.clock.Advance(5 * time.Minute)
	fresh, err := f.service.Reserve(f.ctx, testEvent, testLine, 3, f.token(t, testEvent), time.Hour)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	sweeper := NewSweeper(f.reservations, f.service, 3, 4, time.Second, WithClock(f.clock.Now))

	n, err := sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one batch per pass")

	n, err = sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, res := range due {
		stored, err := f.service.Get(f.ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReservationExpired, stored.Status)
	}
	stored, err := f.service.Get(f.ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, stored.Status)
	assert.Equal(t, 3, f.line(t, testEvent, testLine).Reserved)
}

func TestSweeper_SkipsFinishedReservations(t *testing.T) {
	f := newReservationFixture(t)
	a := f.reserve(t, 1)
	f.reserve(t, 1)
	require.NoError(t, f.service.Commit(f.ctx, a.ID))
	f.clock.Advance(time.Hour)

	sweeper := NewSweeper(f.reservations, f.service, 2, 10, time.Second, WithClock(f.clock.Now))
	n, err := sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	line := f.line(t, testEvent, testLine)
	assert.Equal(t, 1, line.Sold)
	assert.Equal(t, 0, line.Reserved)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newReservationFixture(t)
	res := f.reserve(t, 1)
	f.clock.Advance(time.Hour)

	sweeper := NewSweeper(f.reservations, f.service, 1, 10, 10*time.Millisecond, WithClock(f.clock.Now))
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stored, err := f.service.Get(f.ctx, res.ID)
		return err == nil && stored.Status == domain.ReservationExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
