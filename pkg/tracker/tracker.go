// Package tracker is the client-side tracking SDK: a fire-and-forget
// event buffer with batched, best-effort delivery to the tracking server.
//
// Record never blocks and never returns an error. Batches get one
// delivery attempt each; a failed batch is dropped, not retried, and
// durability comes only from the local retention window. After repeated
// failures the tracker suspends delivery for a cool-down period instead
// of hammering a down endpoint.
//
// A Tracker owns all of its state; construct one per UI root (or per
// test) and Close it when done.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/event"
)

// Defaults for the batching and backoff policy.
const (
	DefaultMaxBatchSize     = 15
	DefaultMaxWait          = 15 * time.Second
	DefaultRetentionCap     = 100
	DefaultFailureThreshold = 3
	DefaultBackoff          = 5 * time.Minute
)

// timestampFormat matches the wire format the server stores and exports.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// Options configures a Tracker. Zero fields take the defaults above.
type Options struct {
	MaxBatchSize     int
	MaxWait          time.Duration
	RetentionCap     int
	FailureThreshold int
	Backoff          time.Duration

	// RetentionPath is an optional sqlite file mirroring the retention
	// window across restarts.
	RetentionPath string

	// Disabled turns the tracker into a logger: Record logs the event
	// and returns without buffering or delivering anything.
	Disabled bool
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.MaxWait == 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.RetentionCap == 0 {
		o.RetentionCap = DefaultRetentionCap
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.Backoff == 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Stats counts what happened to recorded events and their batches.
type Stats struct {
	Recorded  int
	Delivered int // batches acknowledged by the server
	Dropped   int // batches discarded after a failed attempt
	Skipped   int // flushes suppressed by backoff
}

// Tracker buffers events and delivers them in batches. At most one
// delivery attempt is in flight at any instant; flush triggers that occur
// mid-send are re-evaluated when the send resolves.
type Tracker struct {
	opts      Options
	transport Transport

	mu        sync.Mutex
	queue     []event.Event
	retention *retention
	regSeen   map[string]map[string]bool

	waitTimer    *time.Timer
	backoffTimer *time.Timer

	inFlight bool
	failures int
	paused   bool
	closed   bool

	stats Stats
	now   func() time.Time
}

// New builds a tracker delivering through the given transport.
func New(transport Transport, opts Options) *Tracker {
	opts = opts.withDefaults()
	t := &Tracker{
		opts:      opts,
		transport: transport,
		retention: newRetention(opts.RetentionCap, opts.RetentionPath),
		regSeen:   make(map[string]map[string]bool),
		now:       time.Now,
	}
	return t
}

// SetClock overrides the timestamp clock. Test hook; timers still run on
// real time.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Record stamps the event and queues it for delivery. It never blocks and
// never fails. The timestamp is assigned here, exactly once; a delayed or
// retried flush never re-stamps.
func (t *Tracker) Record(ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = t.now().UTC().Format(timestampFormat)
	}
	if t.opts.Disabled {
		log.Debug().Str("action", ev.Action).Msg("Tracking disabled, event not queued")
		return
	}

	t.retention.add(ev)
	t.stats.Recorded++
	t.noteRegistration(ev)

	t.queue = append(t.queue, ev)
	if len(t.queue) >= t.opts.MaxBatchSize {
		t.disarmWaitLocked()
		t.startFlushLocked()
	} else if t.waitTimer == nil {
		// Max-wait timer runs from the oldest unflushed event.
		t.waitTimer = time.AfterFunc(t.opts.MaxWait, t.onMaxWait)
	}
}

// noteRegistration tracks which registration steps a username has
// completed. Diagnostic only; no effect on batching or delivery.
func (t *Tracker) noteRegistration(ev event.Event) {
	if ev.Username == "" || !event.IsRegistration(ev.Action) {
		return
	}
	seen := t.regSeen[ev.Username]
	if seen == nil {
		seen = make(map[string]bool)
		t.regSeen[ev.Username] = seen
	}
	if seen[ev.Action] {
		return
	}
	seen[ev.Action] = true
	if len(seen) == len(event.RegistrationActions) {
		log.Info().Str("username", ev.Username).Msg("Registration complete")
	}
}

func (t *Tracker) onMaxWait() {
	t.mu.Lock()
	t.waitTimer = nil
	t.startFlushLocked()
	t.mu.Unlock()
}

func (t *Tracker) disarmWaitLocked() {
	if t.waitTimer != nil {
		t.waitTimer.Stop()
		t.waitTimer = nil
	}
}

// startFlushLocked dequeues at most one batch and sends it on a new
// goroutine. No-op while a send is in flight (the completion handler
// re-evaluates the queue) or while backoff is active.
func (t *Tracker) startFlushLocked() {
	if t.closed || t.inFlight || len(t.queue) == 0 {
		return
	}
	if t.paused {
		t.stats.Skipped++
		return
	}

	n := len(t.queue)
	if n > t.opts.MaxBatchSize {
		n = t.opts.MaxBatchSize
	}
	batch := make([]event.Event, n)
	copy(batch, t.queue[:n])
	t.queue = t.queue[n:]
	t.disarmWaitLocked()

	t.inFlight = true
	go t.send(batch)
}

func (t *Tracker) send(batch []event.Event) {
	err := t.transport.Send(context.Background(), batch)

	t.mu.Lock()
	t.inFlight = false

	if err != nil {
		// The batch is gone either way: at-most-once delivery.
		t.stats.Dropped++
		t.failures++
		log.Warn().Err(err).Int("events", len(batch)).Int("failures", t.failures).
			Msg("Batch dropped after failed delivery")
		if t.failures >= t.opts.FailureThreshold && !t.paused && !t.closed {
			t.paused = true
			t.backoffTimer = time.AfterFunc(t.opts.Backoff, t.onBackoffExpired)
			log.Warn().Dur("backoff", t.opts.Backoff).Msg("Delivery suspended after repeated failures")
		}
	} else {
		t.stats.Delivered++
		t.failures = 0
	}

	// Re-evaluate anything queued while the send was in flight.
	if !t.closed && !t.paused && len(t.queue) > 0 {
		if len(t.queue) >= t.opts.MaxBatchSize {
			t.startFlushLocked()
		} else if t.waitTimer == nil {
			t.waitTimer = time.AfterFunc(t.opts.MaxWait, t.onMaxWait)
		}
	}

	t.mu.Unlock()
}

func (t *Tracker) onBackoffExpired() {
	t.mu.Lock()
	t.paused = false
	t.failures = 0
	t.backoffTimer = nil
	if len(t.queue) > 0 {
		t.startFlushLocked()
	}
	t.mu.Unlock()
}

// Flush triggers delivery of the queued events without waiting for the
// size or time threshold.
func (t *Tracker) Flush() {
	t.mu.Lock()
	t.startFlushLocked()
	t.mu.Unlock()
}

// ForceFlushAll drains the whole queue synchronously, one batch at a
// time, for session-end flows that must not proceed until delivery has
// been attempted. It bypasses backoff: this is the last chance to get the
// data out. Failed batches are still dropped, not retried.
func (t *Tracker) ForceFlushAll(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil
		}
		if t.inFlight {
			t.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return nil
		}

		n := len(t.queue)
		if n > t.opts.MaxBatchSize {
			n = t.opts.MaxBatchSize
		}
		batch := make([]event.Event, n)
		copy(batch, t.queue[:n])
		t.queue = t.queue[n:]
		t.disarmWaitLocked()
		t.inFlight = true
		t.mu.Unlock()

		err := t.transport.Send(ctx, batch)

		t.mu.Lock()
		t.inFlight = false
		if err != nil {
			t.stats.Dropped++
			log.Warn().Err(err).Int("events", len(batch)).Msg("Batch dropped during force flush")
		} else {
			t.stats.Delivered++
			t.failures = 0
		}
		t.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Unload is the page-teardown path: it hands every event still queued
// (not the batch currently in flight, which was already dequeued) to the
// beacon transport and clears the queue optimistically. The beacon may
// race an in-flight send; duplicate delivery is tolerated because the
// store is append-only.
func (t *Tracker) Unload() {
	t.mu.Lock()
	t.disarmWaitLocked()
	remaining := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(remaining) > 0 {
		t.transport.SendBeacon(remaining)
	}
}

// Recent returns the retention window, oldest first.
func (t *Tracker) Recent() []event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retention.snapshot()
}

// Stats returns a snapshot of the delivery counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// QueueLen reports how many events await delivery.
func (t *Tracker) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Close stops the timers and releases the retention store. Events still
// queued are not delivered; call ForceFlushAll or Unload first if they
// matter.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.disarmWaitLocked()
	if t.backoffTimer != nil {
		t.backoffTimer.Stop()
		t.backoffTimer = nil
	}
	t.mu.Unlock()
	return t.retention.close()
}
