// ABOUTME: Store interface and data types for courier-hub persistence
// ABOUTME: Defines Chat, Message, DeviceRegistration, User structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when trying to create a chat that already exists
var ErrDuplicateChat = errors.New("chat already exists")

// ErrDuplicateMessage is returned when trying to append a message whose ID already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrDuplicateUser is returned when trying to create a user whose email is taken
var ErrDuplicateUser = errors.New("user already exists")

// Direction indicates whether a message arrived at or left the local identity
type Direction string

// Message directions
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Chat represents a conversation with a single external correspondent
type Chat struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message represents a single message within a chat
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Recipient string
	Text      string
	Direction Direction
	CreatedAt time.Time
}

// DeviceRegistration maps a user to a push notification device token.
// A (UserID, Token) pair is unique; re-registering refreshes UpdatedAt.
type DeviceRegistration struct {
	UserID    string
	Token     string
	Platform  string // "ios" (default), reserved for future platforms
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User represents an API client account
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Store defines the interface for chat and message persistence
type Store interface {
	// Chats
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	EnsureChat(ctx context.Context, id, displayName string) (*Chat, error)
	ListChats(ctx context.Context, limit int) ([]*Chat, error)
	DeleteChat(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)

	// Push device registry
	RegisterDevice(ctx context.Context, reg *DeviceRegistration) error
	UnregisterDevice(ctx context.Context, userID, token string) error
	PurgeDeviceToken(ctx context.Context, token string) error
	ListDeviceTokens(ctx context.Context, userID string) ([]string, error)
	ListAllDeviceTokens(ctx context.Context) ([]string, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Close releases any resources held by the store
	Close() error
}
