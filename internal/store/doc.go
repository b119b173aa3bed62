// Package store provides persistent storage for courier-hub using SQLite.
//
// # Data Models
//
//   - Chat: A conversation with a single external correspondent
//   - Message: Individual messages within a chat
//   - DeviceRegistration: Push notification device tokens
//   - User: API client accounts
//
// # Ordering
//
// Timestamps are stored as fixed-width UTC strings with nanosecond
// precision, so lexicographic order in SQLite matches chronological
// order. Appends to the same chat are serialized, and timestamps within
// a chat are strictly increasing: ListMessages returns the most recent
// N messages in oldest-first order with no ties to break.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateChat: Chat already exists
//   - ErrDuplicateMessage: Message ID already exists
//   - ErrDuplicateUser: Email already taken
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore(":memory:") for tests with real SQLite.
package store
