// ABOUTME: Tests for the webhook redelivery tracker
// ABOUTME: Covers the seen/mark split, the expiry window, and eviction bounds

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_UnknownMessage(t *testing.T) {
	tracker := NewTracker(5*time.Minute, 100)

	assert.False(t, tracker.Seen("msg-never-delivered"))
}

func TestMark_ThenSeen(t *testing.T) {
	tracker := NewTracker(5*time.Minute, 100)

	tracker.Mark("msg-abc123")

	assert.True(t, tracker.Seen("msg-abc123"))
	assert.False(t, tracker.Seen("msg-def456"), "other messages are unaffected")
}

func TestSeen_DoesNotMark(t *testing.T) {
	tracker := NewTracker(5*time.Minute, 100)

	// A delivery that was checked but never stored must stay retryable
	assert.False(t, tracker.Seen("msg-abc123"))
	assert.False(t, tracker.Seen("msg-abc123"))

	tracker.Mark("msg-abc123")
	assert.True(t, tracker.Seen("msg-abc123"))
}

func TestSeen_ExpiresAfterWindow(t *testing.T) {
	tracker := NewTracker(10*time.Millisecond, 100)

	tracker.Mark("msg-abc123")
	assert.True(t, tracker.Seen("msg-abc123"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, tracker.Seen("msg-abc123"), "expired deliveries are forgotten")
}

func TestMark_RefreshesWindow(t *testing.T) {
	tracker := NewTracker(50*time.Millisecond, 100)

	tracker.Mark("msg-abc123")
	time.Sleep(30 * time.Millisecond)

	tracker.Mark("msg-abc123")
	time.Sleep(30 * time.Millisecond)

	// Past the original window, inside the refreshed one
	assert.True(t, tracker.Seen("msg-abc123"))
}

func TestMark_EvictsOldestWhenFull(t *testing.T) {
	tracker := NewTracker(5*time.Minute, 3)

	tracker.Mark("msg-1")
	tracker.Mark("msg-2")
	tracker.Mark("msg-3")
	tracker.Mark("msg-4")

	assert.False(t, tracker.Seen("msg-1"), "oldest delivery should be evicted")
	assert.True(t, tracker.Seen("msg-2"))
	assert.True(t, tracker.Seen("msg-3"))
	assert.True(t, tracker.Seen("msg-4"))
}

func TestMark_RemarkDoesNotInflateEviction(t *testing.T) {
	tracker := NewTracker(5*time.Minute, 3)

	tracker.Mark("msg-1")
	tracker.Mark("msg-2")
	tracker.Mark("msg-1") // redelivered after marking; refreshes, not a new entry
	tracker.Mark("msg-3")
	tracker.Mark("msg-4")

	// msg-2 is now the oldest live delivery and gets evicted; the
	// refreshed msg-1 survives.
	assert.True(t, tracker.Seen("msg-1"))
	assert.False(t, tracker.Seen("msg-2"))
	assert.True(t, tracker.Seen("msg-3"))
	assert.True(t, tracker.Seen("msg-4"))
}

func TestMark_PrunesExpiredBeforeEvicting(t *testing.T) {
	tracker := NewTracker(10*time.Millisecond, 3)

	tracker.Mark("msg-1")
	tracker.Mark("msg-2")
	tracker.Mark("msg-3")

	time.Sleep(20 * time.Millisecond)

	// The tracker is nominally full, but everything in it is expired
	tracker.Mark("msg-4")
	tracker.Mark("msg-5")
	tracker.Mark("msg-6")

	assert.True(t, tracker.Seen("msg-4"))
	assert.True(t, tracker.Seen("msg-5"))
	assert.True(t, tracker.Seen("msg-6"))
}

func TestTracker_Concurrent(t *testing.T) {
	tracker := NewTracker(5*time.Minute, 1000)

	const workers = 50
	const deliveriesPerWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		id := i
		wg.Go(func() {
			for j := 0; j < deliveriesPerWorker; j++ {
				msgID := fmt.Sprintf("msg-%d-%d", id%10, j)
				if !tracker.Seen(msgID) {
					tracker.Mark(msgID)
				}
			}
		})
	}
	wg.Wait()

	tracker.Mark("msg-final")
	assert.True(t, tracker.Seen("msg-final"))
}
