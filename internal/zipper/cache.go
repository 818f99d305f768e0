package zipper

import (
	"sort"
	"strings"
	"sync"

	"github.com/zipperd/zipperd/internal/metrics"
	"github.com/zipperd/zipperd/pkg/wire"
)

// RequesterSet tracks who is waiting on one fingerprint's archive and
// whether the build has finished.
type RequesterSet struct {
	requesters map[wire.Requester]struct{}
	finished   bool
}

// InProgressCache deduplicates concurrent archive builds. Each
// fingerprint moves unseen -> in progress -> finished; a finished entry
// can be resumed while it still exists. Two scalar projections (the
// in-progress count and the sorted fingerprint list) are recomputed
// under the same lock as every map mutation, so readers of the scalars
// never observe a mutation without its projection update.
type InProgressCache struct {
	mu      sync.Mutex
	entries map[string]*RequesterSet

	inProgress   int
	fingerprints string

	metrics *metrics.Metrics
}

// NewInProgressCache creates an empty cache. m may be nil; when set, the
// scalar projections are mirrored to its gauges.
func NewInProgressCache(m *metrics.Metrics) *InProgressCache {
	return &InProgressCache{
		entries: make(map[string]*RequesterSet),
		metrics: m,
	}
}

// AddRequester registers a requester as waiting on fingerprint. Absent
// fingerprints get a fresh in-progress entry; re-adding an existing
// requester has no further effect.
func (c *InProgressCache) AddRequester(fingerprint string, r wire.Requester) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	if !ok {
		set = &RequesterSet{requesters: make(map[wire.Requester]struct{})}
		c.entries[fingerprint] = set
	}
	set.requesters[r] = struct{}{}
	c.recompute()
}

// FinishFile marks the fingerprint's build finished. Fails with
// ErrUnknownFingerprint if it was never registered.
func (c *InProgressCache) FinishFile(fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	if !ok {
		return ErrUnknownFingerprint
	}
	set.finished = true
	c.recompute()
	return nil
}

// Abandon drops a fingerprint's entry entirely. Used when a build fails
// with nobody left to deliver to: keeping the entry would make every
// later request for the same file set join a build that is no longer
// running.
func (c *InProgressCache) Abandon(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, fingerprint)
	c.recompute()
}

// Resume flips a finished entry back to in progress. Only possible while
// the entry still exists.
func (c *InProgressCache) Resume(fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	if !ok {
		return ErrUnknownFingerprint
	}
	set.finished = false
	c.recompute()
	return nil
}

// GetRequesters returns a snapshot of who is waiting on fingerprint.
func (c *InProgressCache) GetRequesters(fingerprint string) []wire.Requester {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	if !ok {
		return nil
	}
	out := make([]wire.Requester, 0, len(set.requesters))
	for r := range set.requesters {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// RemoveRequester drops a requester from the set. An emptied set is
// implicitly finished.
func (c *InProgressCache) RemoveRequester(fingerprint string, r wire.Requester) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	if !ok {
		return
	}
	delete(set.requesters, r)
	if len(set.requesters) == 0 {
		set.finished = true
	}
	c.recompute()
}

// IsProcessed reports whether the fingerprint's build has finished.
func (c *InProgressCache) IsProcessed(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	return ok && set.finished
}

// FileInProgress reports whether a build for fingerprint is running.
func (c *InProgressCache) FileInProgress(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.entries[fingerprint]
	return ok && !set.finished
}

// InProgress returns the number of builds currently running.
func (c *InProgressCache) InProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// InProgressFingerprints returns the sorted, comma-joined list of
// running fingerprints.
func (c *InProgressCache) InProgressFingerprints() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprints
}

// recompute rebuilds the scalar projections. Callers hold c.mu.
func (c *InProgressCache) recompute() {
	active := make([]string, 0, len(c.entries))
	for fp, set := range c.entries {
		if !set.finished {
			active = append(active, fp)
		}
	}
	sort.Strings(active)

	prev := c.fingerprints
	c.inProgress = len(active)
	c.fingerprints = strings.Join(active, ",")

	if c.metrics != nil {
		c.metrics.InProgressJobs.Set(float64(c.inProgress))
		for _, fp := range strings.Split(prev, ",") {
			if fp != "" {
				c.metrics.InProgressInfo.DeleteLabelValues(fp)
			}
		}
		for _, fp := range active {
			c.metrics.InProgressInfo.WithLabelValues(fp).Set(1)
		}
	}
}
