// ABOUTME: Device registration persistence for push notifications
// ABOUTME: Upsert-based token registry keyed by (user_id, token)

package store

import (
	"context"
	"fmt"
	"time"
)

// RegisterDevice registers a device token for push notifications.
// Registering an already-known (user, token) pair refreshes its
// updated_at timestamp instead of duplicating the row.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, reg *DeviceRegistration) error {
	platform := reg.Platform
	if platform == "" {
		platform = "ios"
	}

	now := time.Now().UTC().Format(timeLayout)

	query := `
		INSERT INTO device_registrations (user_id, token, platform, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET
			platform = excluded.platform,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, reg.UserID, reg.Token, platform, now, now)
	if err != nil {
		return fmt.Errorf("registering device: %w", err)
	}

	s.logger.Debug("registered device", "user_id", reg.UserID, "platform", platform)
	return nil
}

// UnregisterDevice removes a (user, token) pair.
// Removing an unknown pair is not an error.
func (s *SQLiteStore) UnregisterDevice(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_registrations WHERE user_id = ? AND token = ?`, userID, token)
	if err != nil {
		return fmt.Errorf("unregistering device: %w", err)
	}

	s.logger.Debug("unregistered device", "user_id", userID)
	return nil
}

// PurgeDeviceToken removes a token for every user that registered it.
// Used when the push provider reports the token as permanently gone.
func (s *SQLiteStore) PurgeDeviceToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_registrations WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("purging device token: %w", err)
	}

	s.logger.Debug("purged device token")
	return nil
}

// ListDeviceTokens returns the device tokens registered for a user
func (s *SQLiteStore) ListDeviceTokens(ctx context.Context, userID string) ([]string, error) {
	return s.queryTokens(ctx, `SELECT token FROM device_registrations WHERE user_id = ? ORDER BY created_at ASC`, userID)
}

// ListAllDeviceTokens returns every registered device token across users.
// Duplicate tokens registered by multiple users are returned once.
func (s *SQLiteStore) ListAllDeviceTokens(ctx context.Context) ([]string, error) {
	return s.queryTokens(ctx, `SELECT DISTINCT token FROM device_registrations ORDER BY token ASC`)
}

func (s *SQLiteStore) queryTokens(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scanning device token row: %w", err)
		}
		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device token rows: %w", err)
	}

	return tokens, nil
}
