// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides chat/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width RFC 3339 variant with nanosecond precision.
// Unlike time.RFC3339Nano it never trims trailing zeros, so lexicographic
// order of stored strings matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// chatLocks serializes appends per chat so message timestamps
	// within a chat are strictly increasing.
	mu        sync.Mutex
	chatLocks map[string]*chatLock
}

type chatLock struct {
	sync.Mutex
	lastAppend time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids busy errors
	// under concurrent appends.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		logger:    logger,
		chatLocks: make(map[string]*chatLock),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'inbound',
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_created
			ON messages(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS device_registrations (
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT 'ios',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, token)
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// lockChat returns the append lock for a chat, creating it if needed
func (s *SQLiteStore) lockChat(chatID string) *chatLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.chatLocks[chatID]
	if !ok {
		l = &chatLock{}
		s.chatLocks[chatID] = l
	}
	return l
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateChat creates a new chat in the database.
// If a chat with the same ID already exists, it returns ErrDuplicateChat.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *Chat) error {
	query := `
		INSERT INTO chats (id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		chat.ID,
		chat.DisplayName,
		chat.CreatedAt.UTC().Format(timeLayout),
		chat.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		// Check for UNIQUE constraint violation
		if isConstraintViolation(err) {
			return ErrDuplicateChat
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	s.logger.Debug("created chat", "id", chat.ID)
	return nil
}

// GetChat retrieves a chat by ID.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	query := `
		SELECT id, display_name, created_at, updated_at
		FROM chats
		WHERE id = ?
	`

	var chat Chat
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&chat.ID,
		&chat.DisplayName,
		&createdAtStr,
		&updatedAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}

	chat.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	chat.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &chat, nil
}

// EnsureChat returns the chat with the given ID, creating it if it doesn't exist.
// Safe to call concurrently for the same ID: on a create race the loser
// re-reads the winner's row.
func (s *SQLiteStore) EnsureChat(ctx context.Context, id, displayName string) (*Chat, error) {
	chat, err := s.GetChat(ctx, id)
	if err == nil {
		return chat, nil
	}
	if err != ErrNotFound {
		return nil, fmt.Errorf("looking up chat: %w", err)
	}

	now := time.Now().UTC()
	chat = &Chat{
		ID:          id,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.CreateChat(ctx, chat); err != nil {
		if err == ErrDuplicateChat {
			// Lost a create race, fetch the existing row
			return s.GetChat(ctx, id)
		}
		return nil, fmt.Errorf("creating chat: %w", err)
	}

	return chat, nil
}

// ListChats retrieves chats ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListChats(ctx context.Context, limit int) ([]*Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, display_name, created_at, updated_at
		FROM chats
		ORDER BY updated_at DESC, id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var chat Chat
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(&chat.ID, &chat.DisplayName, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}

		chat.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		chat.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		chats = append(chats, &chat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}

	return chats, nil
}

// DeleteChat removes a chat and all of its messages.
// Taken under the chat's append lock so no append can interleave with
// the deletion. Returns ErrNotFound if the chat does not exist.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	lock := s.lockChat(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chat messages: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking chat deletion: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted chat", "id", id)
	return nil
}

// AppendMessage appends a message to its chat.
// Appends to the same chat are serialized, and the message timestamp is
// nudged forward if needed so timestamps within a chat are strictly
// increasing. The adjusted timestamp is written back to msg.CreatedAt.
// Returns ErrNotFound if the chat does not exist and ErrDuplicateMessage
// if a message with the same ID exists.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ChatID == "" {
		return fmt.Errorf("message chat ID is required")
	}

	lock := s.lockChat(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.GetChat(ctx, msg.ChatID); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	if !ts.After(lock.lastAppend) {
		ts = lock.lastAppend.Add(time.Nanosecond)
	}

	direction := msg.Direction
	if direction == "" {
		direction = DirectionInbound
	}

	query := `
		INSERT INTO messages (id, chat_id, sender, recipient, text, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ChatID,
		msg.Sender,
		msg.Recipient,
		msg.Text,
		string(direction),
		ts.Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	// Bump chat activity so ListChats surfaces recently active chats first
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`,
		ts.Format(timeLayout), msg.ChatID,
	); err != nil {
		return fmt.Errorf("updating chat activity: %w", err)
	}

	lock.lastAppend = ts
	msg.Direction = direction
	msg.CreatedAt = ts

	s.logger.Debug("appended message", "id", msg.ID, "chat_id", msg.ChatID, "direction", direction)
	return nil
}

// ListMessages retrieves messages for a chat, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
// Returns ErrNotFound if the chat does not exist.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		// We use a subquery to get the most recent N, then order ascending
		query = `
			SELECT id, chat_id, sender, recipient, text, direction, created_at
			FROM (
				SELECT id, chat_id, sender, recipient, text, direction, created_at
				FROM messages
				WHERE chat_id = ?
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		args = []any{chatID, limit}
	} else {
		query = `
			SELECT id, chat_id, sender, recipient, text, direction, created_at
			FROM messages
			WHERE chat_id = ?
			ORDER BY created_at ASC
		`
		args = []any{chatID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var direction string

		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Sender, &msg.Recipient, &msg.Text, &direction, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msg.Direction = Direction(direction)

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}
