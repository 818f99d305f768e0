package zipper

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// DefaultExtensionCap bounds any single lease extension.
const DefaultExtensionCap = 600 * time.Second

// Lease is the deadline the upstream message broker holds on an
// in-flight request. Extending it buys more processing time before the
// message is redelivered to another worker.
type Lease interface {
	ExtendDeadline(ctx context.Context, d time.Duration) error
}

// EstimateRemaining projects how long the rest of a batch will take
// from the per-item average observed so far, inflated 50% for safety
// and capped. done == total estimates zero; with no items done yet
// there is nothing to project from, so the cap is returned.
func EstimateRemaining(done, total int, elapsed, limit time.Duration) time.Duration {
	if done >= total {
		return 0
	}
	if done <= 0 || elapsed <= 0 {
		return limit
	}
	seconds := 1.5 * elapsed.Seconds() / float64(done) * float64(total-done)
	est := time.Duration(math.Ceil(seconds)) * time.Second
	if est > limit {
		return limit
	}
	return est
}

// LeaseMonitor extends a lease as a batch makes progress. A nil monitor
// is a no-op, used when processing is driven synchronously with no
// lease to maintain.
type LeaseMonitor struct {
	lease    Lease
	start    time.Time
	deadline time.Duration
	cap      time.Duration
	log      zerolog.Logger
}

// NewLeaseMonitor tracks a lease whose current deadline is d from now.
func NewLeaseMonitor(lease Lease, d time.Duration, log zerolog.Logger) *LeaseMonitor {
	if lease == nil {
		return nil
	}
	return &LeaseMonitor{
		lease:    lease,
		start:    time.Now(),
		deadline: d,
		cap:      DefaultExtensionCap,
		log:      log,
	}
}

// Check extends the lease when more than 75% of the current deadline
// has elapsed, using the progress made so far to size the extension.
// The clock restarts on each successful extension.
func (m *LeaseMonitor) Check(ctx context.Context, done, total int) error {
	if m == nil {
		return nil
	}

	elapsed := time.Since(m.start)
	if elapsed <= m.deadline*3/4 {
		return nil
	}

	next := EstimateRemaining(done, total, elapsed, m.cap)
	if next <= 0 {
		return nil
	}
	if err := m.lease.ExtendDeadline(ctx, next); err != nil {
		return err
	}

	m.log.Debug().
		Dur("extension", next).
		Int("done", done).
		Int("total", total).
		Msg("Extended processing lease")
	m.start = time.Now()
	m.deadline = next
	return nil
}
