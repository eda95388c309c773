package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

// Sweeper expires reservations past their deadline. Each pass lists a batch
// and fans it out to a fixed pool of workers that release through
// ReservationService.Expire.
type Sweeper struct {
	reservations port.ReservationRepository
	service      *ReservationService
	workerCount  int
	batchSize    int
	interval     time.Duration
	opts         options
}

func NewSweeper(reservations port.ReservationRepository, service *ReservationService, workerCount, batchSize int, interval time.Duration, opts ...Option) *Sweeper {
	if workerCount <= 0 {
		workerCount = 1
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		reservations: reservations,
		service:      service,
		workerCount:  workerCount,
		batchSize:    batchSize,
		interval:     interval,
		opts:         buildOptions(opts),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.opts.logger.WithError(err).Error("sweep failed")
			}
		}
	}
}

// SweepOnce expires one batch and returns how many reservations it expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.reservations.ListExpired(ctx, s.opts.now().UTC(), s.batchSize)
	if err != nil {
		return 0, domain.Infrastructure("list expired reservations", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	queue := make(chan domain.Reservation)
	var expired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id, queue, &expired)
		}(i)
	}

dispatch:
	for _, res := range due {
		select {
		case queue <- res:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	n := int(expired.Load())
	s.opts.logger.WithFields(logrus.Fields{
		"due":     len(due),
		"expired": n,
	}).Info("sweep completed")
	return n, ctx.Err()
}

func (s *Sweeper) workerLoop(ctx context.Context, id int, queue <-chan domain.Reservation, expired *atomic.Int32) {
	for res := range queue {
		entry := s.opts.logger.WithFields(logrus.Fields{
			"worker":         id,
			"reservation_id": res.ID,
		})

		err := s.service.Expire(ctx, res.ID)
		switch {
		case err == nil:
			expired.Add(1)
		case errors.Is(err, domain.ErrReservationClosed):
			entry.Debug("reservation already finished")
		default:
			entry.WithError(err).Warn("failed to expire reservation")
		}
	}
}
