package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the device key tables
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating database schema...")

	statements := []string{
		createDeviceKeysTable,
		createDeviceKeysIndexes,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	db.logger.WithComponent("database").Info("Database schema created successfully")
	return nil
}

// Sealed private handles keyed by storage key (keyx/v2/<identity>).
// Rows written by earlier releases use other key prefixes for the same identity.
const createDeviceKeysTable = `
CREATE TABLE IF NOT EXISTS device_keys (
    storage_key VARCHAR(128) PRIMARY KEY,
    identity VARCHAR(42) NOT NULL,
    sealed_key BYTEA NOT NULL,
    fingerprint VARCHAR(64) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);`

const createDeviceKeysIndexes = `
CREATE INDEX IF NOT EXISTS idx_device_keys_identity ON device_keys(identity);`
