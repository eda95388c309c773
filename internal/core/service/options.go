package service

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// Recorder observes conditional mutations. The prometheus adapter implements it.
type Recorder interface {
	ObserveConditionalUpdate(op string, outcome domain.Outcome, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveConditionalUpdate(string, domain.Outcome, time.Duration) {}

type options struct {
	now      func() time.Time
	logger   logrus.FieldLogger
	recorder Recorder
}

type Option func(*options)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func buildOptions(opts []Option) options {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	o := options{
		now:      time.Now,
		logger:   discard,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
