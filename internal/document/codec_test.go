package document

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/medrex/dlt-keyx/internal/access"
	"github.com/medrex/dlt-keyx/internal/keytest"
	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/internal/storage"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	patient  = types.Identity("0xd0c0000000000000000000000000000000000001")
	provider = types.Identity("0xd0c0000000000000000000000000000000000002")
	insurer  = types.Identity("0xd0c0000000000000000000000000000000000003")
)

// memGateway stores bundles by address without verifying them on fetch,
// so tests can tamper with stored bytes
type memGateway struct {
	mu    sync.Mutex
	blobs map[storage.ContentAddress][]byte
	err   error
}

func newMemGateway() *memGateway {
	return &memGateway{blobs: make(map[storage.ContentAddress][]byte)}
}

func (g *memGateway) Upload(ctx context.Context, data []byte) (storage.ContentAddress, error) {
	if g.err != nil {
		return "", g.err
	}
	addr, err := storage.Address(data)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[addr] = append([]byte(nil), data...)
	return addr, nil
}

func (g *memGateway) Fetch(ctx context.Context, addr storage.ContentAddress) ([]byte, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.blobs[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (g *memGateway) Ping(ctx context.Context) error { return g.err }

func (g *memGateway) replace(addr storage.ContentAddress, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[addr] = data
}

type fixture struct {
	ledger   *ledger.DevLedger
	protocol *access.Protocol
	sealer   *Sealer
	codec    *Codec
	handles  map[types.Identity]*encryption.PrivateHandle
}

func newFixture(t *testing.T, store storage.Gateway) *fixture {
	t.Helper()
	clock := retry.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	l, err := ledger.NewDevLedger(ledger.DevOptions{Clock: clock, ConfirmationLatency: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	if store == nil {
		cas, err := storage.NewLocalCAS(storage.LocalOptions{Path: "bundles", FS: vfs.NewMem()})
		require.NoError(t, err)
		t.Cleanup(func() { cas.Close() })
		store = cas
	}

	handles := map[types.Identity]*encryption.PrivateHandle{
		patient:  keytest.Handle(t, 0),
		provider: keytest.Handle(t, 1),
		insurer:  keytest.Handle(t, 2),
	}
	for id, h := range handles {
		_, err := ledger.Submit(context.Background(), l, func(ctx context.Context) (types.Receipt, error) {
			return l.RegisterPublicKey(ctx, id, h.PublicMaterial())
		})
		require.NoError(t, err)
	}

	p, err := access.New(access.Options{Ledger: l, Registry: l})
	require.NoError(t, err)
	sealer, err := NewSealer(SealerOptions{Publisher: l, Storage: store, Clock: clock})
	require.NoError(t, err)
	codec, err := NewCodec(CodecOptions{Keys: p, Directory: l, Storage: store})
	require.NoError(t, err)

	return &fixture{ledger: l, protocol: p, sealer: sealer, codec: codec, handles: handles}
}

// share grants recipient access to the sealed document and delivers its key
func (f *fixture) share(t *testing.T, sealed *SealedDocument, recipient types.Identity) {
	t.Helper()
	ctx := context.Background()
	tuple := sealed.Ref.Tuple(recipient)
	require.NoError(t, f.protocol.Grant(ctx, sealed.Ref.Owner, tuple))
	require.NoError(t, f.protocol.ShareKey(ctx, sealed.Ref.Owner, tuple, sealed.Key))
}

func labReport() []byte {
	return []byte(strings.Repeat("HbA1c 5.4% fasting glucose 92 mg/dL\n", 200))
}

func TestNewCodec_Validation(t *testing.T) {
	_, err := NewCodec(CodecOptions{})
	assert.Error(t, err)
	_, err = NewSealer(SealerOptions{})
	assert.Error(t, err)
}

func TestCodec_RoundTrip(t *testing.T) {
	ctx := context.Background()

	t.Run("owner reads own document", func(t *testing.T) {
		f := newFixture(t, nil)
		file := labReport()
		sealed, err := f.sealer.Seal(ctx, patient, file, Metadata{FileName: "labs.txt", Category: "lab"})
		require.NoError(t, err)
		f.share(t, sealed, patient)

		doc, err := f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
		require.NoError(t, err)
		assert.Equal(t, file, doc.File)
		assert.Equal(t, sealed.ContentAddress, doc.ContentAddress)
		assert.Equal(t, "labs.txt", doc.Metadata.FileName)
		assert.Equal(t, "lab", doc.Metadata.Category)
		assert.Equal(t, int64(len(file)), doc.Metadata.Size)
		assert.Equal(t, "text/plain; charset=utf-8", doc.Metadata.ContentType)
		assert.False(t, doc.Metadata.UploadedAt.IsZero())
	})

	t.Run("grantee reads shared document", func(t *testing.T) {
		f := newFixture(t, nil)
		file := []byte{0x25, 0x50, 0x44, 0x46, 0x2d, 0x31, 0x2e, 0x37, 0x0a, 0x01, 0x02}
		sealed, err := f.sealer.Seal(ctx, patient, file, Metadata{FileName: "scan.pdf", ContentType: "application/pdf"})
		require.NoError(t, err)
		f.share(t, sealed, provider)

		doc, err := f.codec.Decrypt(ctx, sealed.Ref, provider, f.handles[provider])
		require.NoError(t, err)
		assert.Equal(t, file, doc.File)
		assert.Equal(t, "application/pdf", doc.Metadata.ContentType)
	})

	t.Run("empty file", func(t *testing.T) {
		f := newFixture(t, nil)
		sealed, err := f.sealer.Seal(ctx, patient, nil, Metadata{FileName: "empty"})
		require.NoError(t, err)
		f.share(t, sealed, patient)

		doc, err := f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
		require.NoError(t, err)
		assert.Empty(t, doc.File)
	})
}

func TestCodec_AccessGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{FileName: "labs.txt"})
	require.NoError(t, err)
	f.share(t, sealed, provider)

	_, err = f.codec.Decrypt(ctx, sealed.Ref, insurer, f.handles[insurer])
	assert.ErrorIs(t, err, types.ErrAccessDenied)

	// the owner has not wrapped the key for themselves yet
	_, err = f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
	assert.ErrorIs(t, err, types.ErrAccessDenied)

	require.NoError(t, f.protocol.Revoke(ctx, patient, sealed.Ref.Tuple(provider)))
	_, err = f.codec.Decrypt(ctx, sealed.Ref, provider, f.handles[provider])
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

func TestCodec_WrongHandleIsUnwrapFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{})
	require.NoError(t, err)
	f.share(t, sealed, provider)

	_, err = f.codec.Decrypt(ctx, sealed.Ref, provider, f.handles[insurer])
	assert.ErrorIs(t, err, types.ErrUnwrapFailed)
	assert.NotErrorIs(t, err, types.ErrContentDecryptFailed)
}

func TestCodec_DocumentNotFound(t *testing.T) {
	ctx := context.Background()

	t.Run("not registered", func(t *testing.T) {
		f := newFixture(t, nil)
		ref := Ref{Owner: patient, DocumentID: "never-sealed"}
		tuple := ref.Tuple(patient)
		require.NoError(t, f.protocol.Grant(ctx, patient, tuple))
		require.NoError(t, f.protocol.ShareKey(ctx, patient, tuple, mustKey(t)))

		_, err := f.codec.Decrypt(ctx, ref, patient, f.handles[patient])
		assert.ErrorIs(t, err, types.ErrDocumentNotFound)
	})

	t.Run("bundle missing from storage", func(t *testing.T) {
		store := newMemGateway()
		f := newFixture(t, store)
		sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{})
		require.NoError(t, err)
		f.share(t, sealed, patient)
		store.mu.Lock()
		delete(store.blobs, sealed.ContentAddress)
		store.mu.Unlock()

		_, err = f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
		assert.ErrorIs(t, err, types.ErrDocumentNotFound)
	})
}

func TestCodec_TamperedBundle(t *testing.T) {
	ctx := context.Background()

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		store := newMemGateway()
		f := newFixture(t, store)
		sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{})
		require.NoError(t, err)
		f.share(t, sealed, provider)

		data, err := store.Fetch(ctx, sealed.ContentAddress)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xff
		store.replace(sealed.ContentAddress, data)

		_, err = f.codec.Decrypt(ctx, sealed.Ref, provider, f.handles[provider])
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)
		assert.NotErrorIs(t, err, types.ErrUnwrapFailed)

		var pe *types.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, sealed.Ref.DocumentID, pe.DocumentID)
		assert.Equal(t, provider.Normalize(), pe.Recipient)
	})

	t.Run("bundle of another document", func(t *testing.T) {
		store := newMemGateway()
		f := newFixture(t, store)
		first, err := f.sealer.Seal(ctx, patient, []byte("first"), Metadata{})
		require.NoError(t, err)
		second, err := f.sealer.Seal(ctx, patient, []byte("second"), Metadata{})
		require.NoError(t, err)
		f.share(t, first, provider)

		other, err := store.Fetch(ctx, second.ContentAddress)
		require.NoError(t, err)
		store.replace(first.ContentAddress, other)

		_, err = f.codec.Decrypt(ctx, first.Ref, provider, f.handles[provider])
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)
	})

	t.Run("not a bundle", func(t *testing.T) {
		store := newMemGateway()
		f := newFixture(t, store)
		sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{})
		require.NoError(t, err)
		f.share(t, sealed, patient)
		store.replace(sealed.ContentAddress, []byte("plain text"))

		_, err = f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)
	})

	t.Run("storage reports corruption", func(t *testing.T) {
		store := &corruptGateway{memGateway: newMemGateway()}
		f := newFixture(t, store)
		sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{})
		require.NoError(t, err)
		f.share(t, sealed, patient)

		_, err = f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)

		var pe *types.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, sealed.Ref.DocumentID, pe.DocumentID)
		assert.Equal(t, patient.Normalize(), pe.Recipient)
	})

	t.Run("oversized bundle", func(t *testing.T) {
		codec, err := newBundleCodec()
		require.NoError(t, err)
		ref := Ref{Owner: patient, DocumentID: "lab-1"}

		_, _, err = codec.open(make([]byte, maxBundleSize+1), ref, mustKey(t))
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)
	})
}

type corruptGateway struct {
	*memGateway
}

func (g *corruptGateway) Fetch(ctx context.Context, addr storage.ContentAddress) ([]byte, error) {
	return nil, storage.ErrCorrupt
}

func TestCodec_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newMemGateway()
	f := newFixture(t, store)
	sealed, err := f.sealer.Seal(ctx, patient, labReport(), Metadata{})
	require.NoError(t, err)
	f.share(t, sealed, patient)

	store.err = errors.New("connection refused")
	_, err = f.codec.Decrypt(ctx, sealed.Ref, patient, f.handles[patient])
	assert.ErrorIs(t, err, types.ErrCollaboratorUnavailable)
}

func TestSealer_Seal(t *testing.T) {
	ctx := context.Background()

	t.Run("registers the bundle address", func(t *testing.T) {
		f := newFixture(t, nil)
		sealed, err := f.sealer.Seal(ctx, types.Identity("0xD0C0000000000000000000000000000000000001"), []byte("note"), Metadata{})
		require.NoError(t, err)
		assert.Equal(t, patient.Normalize(), sealed.Ref.Owner)
		assert.NotEmpty(t, sealed.Ref.DocumentID)
		assert.False(t, sealed.Key.IsZero())

		rec, found, err := f.ledger.GetDocument(ctx, patient, sealed.Ref.DocumentID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, sealed.ContentAddress.String(), rec.ContentAddress)
	})

	t.Run("fresh key and id per document", func(t *testing.T) {
		f := newFixture(t, nil)
		a, err := f.sealer.Seal(ctx, patient, []byte("same"), Metadata{})
		require.NoError(t, err)
		b, err := f.sealer.Seal(ctx, patient, []byte("same"), Metadata{})
		require.NoError(t, err)
		assert.NotEqual(t, a.Ref.DocumentID, b.Ref.DocumentID)
		assert.False(t, a.Key.Equal(b.Key))
		assert.NotEqual(t, a.ContentAddress, b.ContentAddress)
	})

	t.Run("invalid owner", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.sealer.Seal(ctx, types.Identity("patient-1"), []byte("note"), Metadata{})
		assert.ErrorIs(t, err, types.ErrInvalidIdentity)
	})

	t.Run("upload failure", func(t *testing.T) {
		store := newMemGateway()
		store.err = errors.New("gateway timeout")
		f := newFixture(t, store)
		_, err := f.sealer.Seal(ctx, patient, []byte("note"), Metadata{})
		assert.ErrorIs(t, err, types.ErrCollaboratorUnavailable)
	})

	t.Run("duplicate document id", func(t *testing.T) {
		f := newFixture(t, nil)
		sealer, err := NewSealer(SealerOptions{
			Publisher: f.ledger,
			Storage:   newMemGateway(),
			NewID:     func() string { return "fixed-id" },
		})
		require.NoError(t, err)
		_, err = sealer.Seal(ctx, patient, []byte("first"), Metadata{})
		require.NoError(t, err)
		_, err = sealer.Seal(ctx, patient, []byte("second"), Metadata{})
		assert.ErrorIs(t, err, types.ErrDocumentExists)
	})
}

func TestBundle_Compression(t *testing.T) {
	c, err := newBundleCodec()
	require.NoError(t, err)
	key := mustKey(t)
	ref := Ref{Owner: patient, DocumentID: "doc-1"}

	t.Run("compressible payload is compressed", func(t *testing.T) {
		file := labReport()
		data, err := c.seal(ref, key, file, Metadata{})
		require.NoError(t, err)
		assert.Less(t, len(data), len(file))

		var b Bundle
		require.NoError(t, c.decMode.Unmarshal(data, &b))
		assert.True(t, b.Compressed)
		assert.Equal(t, uint16(BundleVersion), b.Version)
		assert.False(t, bytes.Contains(data, []byte("HbA1c")))
	})

	t.Run("incompressible payload is stored as is", func(t *testing.T) {
		file := []byte{0x9f, 0x13, 0x7a}
		data, err := c.seal(ref, key, file, Metadata{})
		require.NoError(t, err)

		var b Bundle
		require.NoError(t, c.decMode.Unmarshal(data, &b))
		assert.False(t, b.Compressed)

		got, _, err := c.open(data, ref, key)
		require.NoError(t, err)
		assert.Equal(t, file, got)
	})

	t.Run("wrong key", func(t *testing.T) {
		data, err := c.seal(ref, key, []byte("x-ray"), Metadata{})
		require.NoError(t, err)
		_, _, err = c.open(data, ref, mustKey(t))
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)
	})

	t.Run("unsupported version", func(t *testing.T) {
		data, err := c.encMode.Marshal(&Bundle{Version: 9, Owner: patient.String(), DocumentID: "doc-1"})
		require.NoError(t, err)
		_, _, err = c.open(data, ref, key)
		assert.ErrorIs(t, err, types.ErrContentDecryptFailed)
	})
}

func mustKey(t *testing.T) encryption.ContentKey {
	t.Helper()
	k, err := encryption.NewContentKey()
	require.NoError(t, err)
	return k
}
