package addon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Refresher runs a refresh function on a ticker and on demand. Runs are
// fire-and-forget: failures are logged, kept for Last, and sent on
// Errors (dropped when nobody reads).
type Refresher struct {
	fn       func(context.Context) error
	interval time.Duration
	trigger  chan struct{}
	errs     chan error
	log      *logrus.Entry

	mu      sync.RWMutex
	lastRun time.Time
	lastErr error
}

// NewRefresher returns a Refresher for fn. interval <= 0 disables the ticker.
func NewRefresher(fn func(context.Context) error, interval time.Duration, log *logrus.Entry) *Refresher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Refresher{
		fn:       fn,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		errs:     make(chan error, 8),
		log:      log,
	}
}

// Trigger asks for a run soon. Triggers made while one is pending coalesce.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Errors delivers refresh failures.
func (r *Refresher) Errors() <-chan error { return r.errs }

// Last returns when the last run finished and its error.
func (r *Refresher) Last() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRun, r.lastErr
}

// Run refreshes once immediately, then on every tick or trigger until ctx is
// done.
func (r *Refresher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		tick = t.C
	}
	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context) {
	start := time.Now()
	err := r.fn(ctx)
	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastErr = err
	r.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrNotConfigured) {
			r.log.Debug("background refresh skipped: not configured")
			return
		}
		r.log.WithError(err).Warn("background refresh failed")
		select {
		case r.errs <- err:
		default:
		}
		return
	}
	r.log.WithField("ms", time.Since(start).Milliseconds()).Info("background refresh done")
}
