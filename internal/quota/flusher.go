package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"legion/internal/logging"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

// FlushFunc persists one piece of in-memory state.
type FlushFunc func(ctx context.Context) error

type flushJob struct {
	name string
	fn   FlushFunc
}

// Flusher periodically persists ledger windows and other counters on a cron
// schedule, and once more on Stop.
type Flusher struct {
	spec string

	mu      sync.Mutex
	jobs    []flushJob
	cron    *rcron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewFlusher creates a flusher for a robfig/cron spec such as "@every 30s".
func NewFlusher(spec string) *Flusher {
	return &Flusher{spec: spec}
}

// Add registers a job. Jobs run in registration order.
func (f *Flusher) Add(name string, fn FlushFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, flushJob{name: name, fn: fn})
}

// Start schedules the jobs. It returns an error for an invalid spec.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New()
	if _, err := c.AddFunc(f.spec, func() {
		if err := f.Flush(runCtx); err != nil {
			logging.QuotaWarn("Periodic flush failed: %v", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid flush schedule %q: %w", f.spec, err)
	}

	c.Start()
	f.cron = c
	f.cancel = cancel
	f.running = true
	logging.Quota("Flusher started with schedule %s (%d jobs)", f.spec, len(f.jobs))
	return nil
}

// Flush runs every job now, combining failures.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	jobs := append([]flushJob(nil), f.jobs...)
	f.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryQuota, "Flush")
	defer timer.Stop()

	var errs error
	for _, j := range jobs {
		if err := j.fn(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errs
}

// Stop waits for a running flush to finish, then flushes a final time.
func (f *Flusher) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	c, cancel := f.cron, f.cancel
	f.mu.Unlock()

	<-c.Stop().Done()
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return f.Flush(ctx)
}
