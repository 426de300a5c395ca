package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
)

// BadgerConfig configures a BadgerStore
type BadgerConfig struct {
	// Path of the database directory; empty opens an in-memory store
	Path      string
	DeviceKEK []byte
	Logger    *logrus.Logger
}

// BadgerStore is the durable embedded store
type BadgerStore struct {
	db     *badger.DB
	sealer *sealer
	log    *logrus.Entry
}

// NewBadgerStore opens (or creates) the database at cfg.Path
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	s, err := newSealer(cfg.DeviceKEK)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	return &BadgerStore{
		db:     db,
		sealer: s,
		log:    cfg.Logger.WithField("component", "keystore"),
	}, nil
}

// Close closes the underlying database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Put(ctx context.Context, identity types.Identity, handle *encryption.PrivateHandle) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	blob, err := s.sealer.seal(identity, handle)
	if err != nil {
		return fmt.Errorf("failed to seal private handle: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(storageKey(identity)), blob)
	})
	if err != nil {
		return fmt.Errorf("failed to store private handle: %w", err)
	}

	s.log.WithField("identity", identity.Normalize()).Debug("Stored private handle")
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, identity types.Identity) (*encryption.PrivateHandle, bool, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(storageKey(identity)))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read private handle: %w", err)
	}

	h, err := s.sealer.open(identity, blob)
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

func (s *BadgerStore) Delete(ctx context.Context, identity types.Identity) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(storageKey(identity)))
	})
	if err != nil {
		return fmt.Errorf("failed to delete private handle: %w", err)
	}
	return nil
}

func (s *BadgerStore) Has(ctx context.Context, identity types.Identity) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(storageKey(identity)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// CleanupLegacy removes artifacts of earlier key formats for identity and
// returns how many were present.
func (s *BadgerStore) CleanupLegacy(ctx context.Context, identity types.Identity) (int, error) {
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range legacyKeys(identity) {
			_, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up legacy keys: %w", err)
	}

	if removed > 0 {
		s.log.WithFields(logrus.Fields{
			"identity": identity.Normalize(),
			"count":    removed,
		}).Info("Removed legacy key artifacts")
	}
	return removed, nil
}
