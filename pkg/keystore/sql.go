package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/types"
)

// SQLStore implements Store on the PostgreSQL device_keys table
type SQLStore struct {
	db     *sql.DB
	sealer *sealer
	logger *logger.Logger
}

// NewSQLStore creates a new database-backed key store
func NewSQLStore(db *sql.DB, deviceKEK []byte, log *logger.Logger) (*SQLStore, error) {
	s, err := newSealer(deviceKEK)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, sealer: s, logger: log}, nil
}

// Put stores or replaces the sealed handle for identity
func (ks *SQLStore) Put(ctx context.Context, identity types.Identity, handle *encryption.PrivateHandle) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sealed, err := ks.sealer.seal(identity, handle)
	if err != nil {
		return fmt.Errorf("failed to seal private handle: %w", err)
	}

	query := `
		INSERT INTO device_keys (storage_key, identity, sealed_key, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (storage_key) DO UPDATE
		SET sealed_key = EXCLUDED.sealed_key,
			fingerprint = EXCLUDED.fingerprint,
			updated_at = EXCLUDED.updated_at`

	_, err = ks.db.ExecContext(ctx, query,
		storageKey(identity),
		identity.Normalize().String(),
		sealed,
		handle.Fingerprint(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	ks.logger.WithIdentity(identity.Normalize().String()).Debug("Stored private handle")
	return nil
}

// Get loads and opens the sealed handle for identity
func (ks *SQLStore) Get(ctx context.Context, identity types.Identity) (*encryption.PrivateHandle, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT sealed_key FROM device_keys WHERE storage_key = $1`

	var sealed []byte
	err := ks.db.QueryRowContext(ctx, query, storageKey(identity)).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}

	handle, err := ks.sealer.open(identity, sealed)
	if err != nil {
		return nil, false, err
	}
	return handle, true, nil
}

// Delete removes the handle for identity
func (ks *SQLStore) Delete(ctx context.Context, identity types.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := ks.db.ExecContext(ctx, `DELETE FROM device_keys WHERE storage_key = $1`, storageKey(identity)); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Has reports whether a handle is stored for identity
func (ks *SQLStore) Has(ctx context.Context, identity types.Identity) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var exists bool
	err := ks.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM device_keys WHERE storage_key = $1)`,
		storageKey(identity),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return exists, nil
}

// CleanupLegacy removes rows written under earlier key formats for identity
func (ks *SQLStore) CleanupLegacy(ctx context.Context, identity types.Identity) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := ks.db.ExecContext(ctx,
		`DELETE FROM device_keys WHERE storage_key = ANY($1)`,
		pq.Array(legacyKeys(identity)),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup legacy keys: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		ks.logger.WithIdentity(identity.Normalize().String()).
			WithField("count", rowsAffected).
			Info("Cleaned up legacy keys")
	}
	return int(rowsAffected), nil
}
