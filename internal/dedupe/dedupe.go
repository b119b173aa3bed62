// ABOUTME: Tracks recently processed webhook message IDs to suppress redeliveries
// ABOUTME: Seen and Mark are split so a failed store write stays retryable

package dedupe

import (
	"sync"
	"time"
)

// delivery records when a message ID was marked as processed.
type delivery struct {
	messageID string
	seenAt    time.Time
}

// Tracker remembers which webhook message IDs have already been
// processed. The transport redelivers on timeouts and restarts, so the
// relay asks Seen before handling an event and calls Mark only once the
// message is durably stored — a delivery that failed mid-flight is
// never remembered, and the retry goes through.
//
// Entries expire after the configured window and the tracker is bounded:
// when full, the oldest deliveries are dropped first.
type Tracker struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int

	seen map[string]time.Time
	// queue holds deliveries in mark order for eviction. Re-marking a
	// message appends a fresh record instead of moving the old one; a
	// popped record only evicts the map entry when their timestamps
	// still agree.
	queue []delivery
}

// NewTracker creates a tracker that remembers message IDs for the given
// window, holding at most maxEntries at once.
func NewTracker(window time.Duration, maxEntries int) *Tracker {
	return &Tracker{
		window:     window,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
	}
}

// Seen reports whether a message ID was marked within the window.
// It never modifies the tracker.
func (t *Tracker) Seen(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	seenAt, ok := t.seen[messageID]
	return ok && time.Since(seenAt) < t.window
}

// Mark records a message ID as processed. Marking again refreshes the
// window.
func (t *Tracker) Mark(messageID string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)
	for len(t.seen) >= t.maxEntries {
		if !t.evictOldestLocked() {
			break
		}
	}

	t.seen[messageID] = now
	t.queue = append(t.queue, delivery{messageID: messageID, seenAt: now})
}

// pruneLocked drops expired deliveries from the front of the queue.
func (t *Tracker) pruneLocked(now time.Time) {
	i := 0
	for ; i < len(t.queue); i++ {
		d := t.queue[i]
		if now.Sub(d.seenAt) < t.window {
			break
		}
		if seenAt, ok := t.seen[d.messageID]; ok && seenAt.Equal(d.seenAt) {
			delete(t.seen, d.messageID)
		}
	}
	t.queue = t.queue[i:]
}

// evictOldestLocked removes the oldest live delivery. Stale queue
// records left behind by re-marks are skipped. Reports whether an entry
// was evicted.
func (t *Tracker) evictOldestLocked() bool {
	for len(t.queue) > 0 {
		d := t.queue[0]
		t.queue = t.queue[1:]
		if seenAt, ok := t.seen[d.messageID]; ok && seenAt.Equal(d.seenAt) {
			delete(t.seen, d.messageID)
			return true
		}
	}
	return false
}
