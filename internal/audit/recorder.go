package audit

import (
	"context"
	"sync"
	"time"

	"trainhub.org/internal/obs"
)

const (
	defaultQueueCap    = 256
	defaultMaxAttempts = 5
	defaultRetryEvery  = 30 * time.Second
)

// Recorder appends audit entries on behalf of the permission engine. A failed
// append never rolls back the permission change it describes: the entry is
// logged, queued, and retried on a bounded schedule, then dropped with an
// error log once attempts are exhausted.
type Recorder struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	pending []retryEntry

	queueCap    int
	maxAttempts int
	retryEvery  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type retryEntry struct {
	entry    *Entry
	attempts int
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRetrySchedule overrides the retry interval and attempt bound.
func WithRetrySchedule(every time.Duration, maxAttempts int) RecorderOption {
	return func(r *Recorder) {
		if every > 0 {
			r.retryEvery = every
		}
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		queueCap:    defaultQueueCap,
		maxAttempts: defaultMaxAttempts,
		retryEvery:  defaultRetryEvery,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one entry synchronously. Invalid entries are rejected;
// storage failures are absorbed into the retry queue and surfaced through
// logs and metrics only.
func (r *Recorder) Record(ctx context.Context, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	entry.fill(r.now())
	if err := r.store.Append(ctx, entry); err != nil {
		obs.LogError("audit append failed, queued for retry", map[string]any{
			"entry_id": entry.ID,
			"target":   entry.TargetID,
			"error":    err.Error(),
		})
		obs.IncAuditRetry()
		r.enqueue(entry)
	}
	return nil
}

// Start launches the background retry loop. Close stops it.
func (r *Recorder) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.retryEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Flush(context.Background())
			case <-r.stop:
				r.Flush(context.Background())
				return
			}
		}
	}()
}

// Close drains the queue once and stops the retry loop.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Flush retries every queued entry once. Exported so tests and shutdown can
// drive retries without waiting on the ticker.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, item := range queued {
		if err := r.store.Append(ctx, item.entry); err == nil {
			continue
		}
		item.attempts++
		if item.attempts >= r.maxAttempts {
			obs.LogError("audit entry dropped after exhausting retries", map[string]any{
				"entry_id": item.entry.ID,
				"target":   item.entry.TargetID,
				"attempts": item.attempts,
			})
			obs.IncAuditDropped()
			continue
		}
		obs.IncAuditRetry()
		r.mu.Lock()
		r.pending = append(r.pending, item)
		r.mu.Unlock()
	}
}

func (r *Recorder) enqueue(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.queueCap {
		obs.LogError("audit retry queue full, dropping oldest entry", map[string]any{
			"entry_id": r.pending[0].entry.ID,
		})
		obs.IncAuditDropped()
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, retryEntry{entry: entry, attempts: 1})
}

// Trail queries the underlying store.
func (r *Recorder) Trail(ctx context.Context, f Filter) ([]Entry, int, error) {
	return r.store.Trail(ctx, f)
}

// PurgeOlderThan applies the retention policy to the underlying store.
func (r *Recorder) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.store.PurgeOlderThan(ctx, cutoff)
}

// PendingRetries reports the current retry backlog size.
func (r *Recorder) PendingRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
