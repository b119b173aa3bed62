// ABOUTME: Message relay orchestrator for inbound webhook events and client sends
// ABOUTME: Coordinates store, broadcaster, whitelist, transport, replies, and push

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/courier-hub/internal/broadcast"
	"github.com/2389/courier-hub/internal/dedupe"
	"github.com/2389/courier-hub/internal/push"
	"github.com/2389/courier-hub/internal/reply"
	"github.com/2389/courier-hub/internal/store"
	"github.com/2389/courier-hub/internal/whitelist"
)

// Relay errors
var (
	ErrNotAllowed  = errors.New("recipient not whitelisted")
	ErrInvalidSend = errors.New("invalid send request")
)

const (
	// replyHistoryLimit bounds the conversation context given to the generator
	replyHistoryLimit = 20

	defaultReplyTimeout = 45 * time.Second
)

// sender sends outbound messages through the transport API
type sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// generator produces automated reply text from a prompt
type generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// InboundEvent is a webhook-delivered message event from the transport.
type InboundEvent struct {
	MessageID   string
	ChatID      string
	DisplayName string
	Sender      string
	Recipient   string
	Text        string
	IsFromMe    bool
	Timestamp   time.Time
}

// InboundStatus describes what the relay did with an inbound event
type InboundStatus string

// Inbound outcomes
const (
	InboundStored  InboundStatus = "stored"
	InboundIgnored InboundStatus = "ignored"
)

// Config collects the collaborators a Relay needs.
type Config struct {
	Store       store.Store
	Broadcaster *broadcast.Broadcaster
	Guard       *whitelist.Whitelist
	Dedupe      *dedupe.Tracker
	Transport   sender
	Generator   generator // nil disables automated replies
	Persona     reply.Persona
	Push        *push.Notifier
	Identity    string

	// ReplyTimeout bounds a single reply generation attempt
	ReplyTimeout time.Duration

	Logger *slog.Logger
}

// Relay owns the inbound and outbound message flows.
// Append+publish pairs for the same chat are serialized so subscribers
// observe messages in store order.
type Relay struct {
	store       store.Store
	broadcaster *broadcast.Broadcaster
	guard       *whitelist.Whitelist
	dedupe      *dedupe.Tracker
	transport   sender
	generator   generator
	persona     reply.Persona
	push        *push.Notifier
	identity    string

	replyTimeout time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex

	// wg tracks in-flight reply flows for clean shutdown
	wg sync.WaitGroup
}

// New creates a relay from its collaborators.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "relay")
	}
	replyTimeout := cfg.ReplyTimeout
	if replyTimeout == 0 {
		replyTimeout = defaultReplyTimeout
	}
	return &Relay{
		store:        cfg.Store,
		broadcaster:  cfg.Broadcaster,
		guard:        cfg.Guard,
		dedupe:       cfg.Dedupe,
		transport:    cfg.Transport,
		generator:    cfg.Generator,
		persona:      cfg.Persona,
		push:         cfg.Push,
		identity:     whitelist.Normalize(cfg.Identity),
		replyTimeout: replyTimeout,
		logger:       logger,
		chatLocks:    make(map[string]*sync.Mutex),
	}
}

// lockChat returns the append+publish lock for a chat
func (r *Relay) lockChat(chatID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		r.chatLocks[chatID] = l
	}
	return l
}

// isOwnIdentity reports whether a handle is the hub's local address
func (r *Relay) isOwnIdentity(handle string) bool {
	return whitelist.Normalize(handle) == r.identity
}

// HandleInbound processes a webhook-delivered message event.
// Echoes of the hub's own sends, empty events, and redelivered events
// are discarded without error. A store failure is returned so the
// caller can signal the transport to retry.
func (r *Relay) HandleInbound(ctx context.Context, evt *InboundEvent) (*store.Message, InboundStatus, error) {
	if strings.TrimSpace(evt.Text) == "" {
		r.logger.Debug("ignoring inbound event with empty text", "sender", evt.Sender)
		return nil, InboundIgnored, nil
	}

	// Echo guard: only events from a real counterparty count as inbound
	if evt.IsFromMe || r.isOwnIdentity(evt.Sender) {
		r.logger.Debug("ignoring echo of own message", "sender", evt.Sender)
		return nil, InboundIgnored, nil
	}

	if evt.MessageID != "" && r.dedupe != nil && r.dedupe.Seen(evt.MessageID) {
		r.logger.Debug("ignoring redelivered webhook event", "message_id", evt.MessageID)
		return nil, InboundIgnored, nil
	}

	chatID := evt.ChatID
	if chatID == "" {
		chatID = evt.Sender
	}
	displayName := evt.DisplayName
	if displayName == "" {
		displayName = evt.Sender
	}

	msg := &store.Message{
		ID:        evt.MessageID,
		ChatID:    chatID,
		Sender:    evt.Sender,
		Recipient: evt.Recipient,
		Text:      evt.Text,
		Direction: store.DirectionInbound,
		CreatedAt: evt.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Recipient == "" {
		msg.Recipient = r.identity
	}

	if err := r.appendAndPublish(ctx, displayName, msg); err != nil {
		// Two concurrent deliveries of the same platform message can both
		// pass the Seen check; the store's ID uniqueness settles it.
		if errors.Is(err, store.ErrDuplicateMessage) {
			r.logger.Debug("ignoring concurrently redelivered webhook event", "message_id", msg.ID)
			return nil, InboundIgnored, nil
		}
		return nil, "", fmt.Errorf("storing inbound message: %w", err)
	}

	// Marked only after the append commits: a delivery that failed to
	// store must stay retryable, so the transport's retry is processed.
	if evt.MessageID != "" && r.dedupe != nil {
		r.dedupe.Mark(evt.MessageID)
	}

	r.logger.Info("inbound message stored", "chat_id", chatID, "message_id", msg.ID)

	// Everything past this point is best effort and off the webhook's
	// critical path. The event is already acknowledged as stored.
	if r.push != nil {
		r.wg.Go(func() {
			r.push.NotifyAll(context.WithoutCancel(ctx), chatID, displayName, evt.Text)
		})
	}

	if r.generator != nil {
		r.wg.Go(func() {
			r.replyFlow(context.WithoutCancel(ctx), chatID, displayName, evt.Sender)
		})
	}

	return msg, InboundStored, nil
}

// SendMessage handles a client-initiated outbound send.
// The whitelist is checked first; nothing is persisted unless the
// transport accepts the message.
func (r *Relay) SendMessage(ctx context.Context, chatID, to, text string) (*store.Message, error) {
	if to == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidSend)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidSend)
	}

	if !r.guard.Allowed(to) {
		r.logger.Warn("send denied by whitelist", "recipient", to)
		return nil, ErrNotAllowed
	}

	if err := r.transport.Send(ctx, to, text); err != nil {
		return nil, err
	}

	if chatID == "" {
		chatID = to
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Sender:    r.identity,
		Recipient: to,
		Text:      text,
		Direction: store.DirectionOutbound,
	}

	if err := r.appendAndPublish(ctx, to, msg); err != nil {
		return nil, fmt.Errorf("storing sent message: %w", err)
	}

	r.logger.Info("outbound message stored", "chat_id", chatID, "message_id", msg.ID)
	return msg, nil
}

// appendAndPublish stores a message and broadcasts it under the chat's
// relay lock, so no other append to the same chat can interleave between
// store and broadcast.
func (r *Relay) appendAndPublish(ctx context.Context, displayName string, msg *store.Message) error {
	lock := r.lockChat(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.store.EnsureChat(ctx, msg.ChatID, displayName); err != nil {
		return err
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	r.broadcaster.Publish(msg)
	return nil
}

// replyFlow generates and delivers an automated reply to an inbound
// message. Every failure ends the flow silently; the inbound message is
// already stored and broadcast.
func (r *Relay) replyFlow(ctx context.Context, chatID, displayName, counterparty string) {
	ctx, cancel := context.WithTimeout(ctx, r.replyTimeout)
	defer cancel()

	history, err := r.store.ListMessages(ctx, chatID, replyHistoryLimit)
	if err != nil {
		r.logger.Warn("reply skipped: loading history", "chat_id", chatID, "error", err)
		return
	}

	text, err := r.generator.Generate(ctx, r.persona.SystemPrompt, renderHistory(history, r.identity))
	if err != nil {
		r.logger.Warn("reply skipped: generation failed", "chat_id", chatID, "error", err)
		return
	}

	if !r.guard.Allowed(counterparty) {
		r.logger.Warn("reply suppressed by whitelist", "recipient", counterparty)
		return
	}

	if err := r.transport.Send(ctx, counterparty, text); err != nil {
		r.logger.Warn("reply delivery failed", "recipient", counterparty, "error", err)
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Sender:    r.identity,
		Recipient: counterparty,
		Text:      text,
		Direction: store.DirectionOutbound,
	}
	if err := r.appendAndPublish(ctx, displayName, msg); err != nil {
		r.logger.Error("storing reply message", "chat_id", chatID, "error", err)
		return
	}

	r.logger.Info("automated reply sent", "chat_id", chatID, "message_id", msg.ID)

	if r.push != nil {
		r.push.NotifyAll(ctx, chatID, r.persona.Name, text)
	}
}

// renderHistory formats recent messages as a prompt for the generator.
// The hub's own messages are labeled Me, the counterparty by handle.
func renderHistory(history []*store.Message, identity string) string {
	var b strings.Builder
	for _, m := range history {
		label := m.Sender
		if m.Direction == store.DirectionOutbound || whitelist.Normalize(m.Sender) == identity {
			label = "Me"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Text)
	}
	return b.String()
}

// Wait blocks until all in-flight reply and push flows have finished
func (r *Relay) Wait() {
	r.wg.Wait()
}
