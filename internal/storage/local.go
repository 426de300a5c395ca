package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/sirupsen/logrus"
)

var prefixBlob = []byte("blob:")

// LocalOptions configures a LocalCAS
type LocalOptions struct {
	Path string
	// FS overrides the filesystem; vfs.NewMem() keeps everything in memory
	FS     vfs.FS
	Logger *logger.Logger
}

// LocalCAS is a content-addressed blob store on an embedded Pebble database.
// It stands in for the storage gateway on a single machine.
type LocalCAS struct {
	db     *pebble.DB
	closed atomic.Bool
	log    *logrus.Entry
}

// NewLocalCAS opens the store
func NewLocalCAS(opts LocalOptions) (*LocalCAS, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := pebble.Open(opts.Path, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &LocalCAS{db: db, log: log.WithComponent("local-cas")}, nil
}

// Close closes the database
func (s *LocalCAS) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func blobKey(addr ContentAddress) []byte {
	key := make([]byte, 0, len(prefixBlob)+len(addr))
	key = append(key, prefixBlob...)
	return append(key, addr...)
}

// Upload stores data under its address. Storing the same bytes twice is a no-op.
func (s *LocalCAS) Upload(ctx context.Context, data []byte) (ContentAddress, error) {
	if s.closed.Load() {
		return "", pebble.ErrClosed
	}
	addr, err := Address(data)
	if err != nil {
		return "", err
	}
	if err := s.db.Set(blobKey(addr), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"address": addr,
		"size":    len(data),
	}).Debug("Blob stored")
	return addr, nil
}

// Fetch returns the blob stored under addr after verifying it
func (s *LocalCAS) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	if s.closed.Load() {
		return nil, pebble.ErrClosed
	}
	if _, err := ParseAddress(addr); err != nil {
		return nil, err
	}

	val, closer, err := s.db.Get(blobKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	closer.Close()

	if err := Verify(addr, data); err != nil {
		s.log.WithField("address", addr).Error("Stored blob failed verification")
		return nil, err
	}
	return data, nil
}

// Ping reports whether the store is open
func (s *LocalCAS) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return pebble.ErrClosed
	}
	return nil
}
