// ABOUTME: In-memory fan-out broadcaster for persisted messages
// ABOUTME: Publishes messages to all live subscribers without blocking the publisher

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/courier-hub/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for persisted messages.
// Subscribers receive every message published after they subscribe.
// Publishing never blocks: messages are dropped for subscribers whose
// buffers are full, and a dropped message never affects other subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan *store.Message // subID -> ch
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan *store.Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives
// messages and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan *store.Message, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Message, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a message to all subscribers.
// Non-blocking: the message is dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(msg *store.Message) {
	// Sends happen under the read lock. Unsubscribe and Close only close
	// channels under the write lock, so a send can never hit a closed channel.
	// Sends are non-blocking, so holding the lock is cheap.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
			// Sent
		default:
			// Subscriber channel full — drop message for this subscriber
			b.logger.Debug("dropped message for slow subscriber",
				"message_id", msg.ID,
				"chat_id", msg.ChatID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, exists := b.subscribers[subID]
	if !exists {
		return
	}

	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
