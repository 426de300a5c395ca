// Package document seals medical records into encrypted bundles and opens
// them again for the owner or a grantee.
package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/medrex/dlt-keyx/internal/storage"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// KeyResolver unwraps the content key delivered for a tuple
type KeyResolver interface {
	ResolveKey(ctx context.Context, tuple types.GrantTuple, handle *encryption.PrivateHandle) (encryption.ContentKey, error)
}

// Directory looks up where a document's bundle is stored
type Directory interface {
	GetDocument(ctx context.Context, owner types.Identity, documentID string) (*types.DocumentRecord, bool, error)
}

// CodecOptions configures a Codec
type CodecOptions struct {
	Keys      KeyResolver
	Directory Directory
	Storage   storage.Gateway
	Monitor   *monitoring.MonitoringMiddleware
	Logger    *logger.Logger
}

// Codec decrypts documents for an authorized caller
type Codec struct {
	keys    KeyResolver
	dir     Directory
	store   storage.Gateway
	bundles *bundleCodec
	monitor *monitoring.MonitoringMiddleware
	logger  *logger.Logger
}

// NewCodec creates a codec
func NewCodec(opts CodecOptions) (*Codec, error) {
	if opts.Keys == nil || opts.Directory == nil || opts.Storage == nil {
		return nil, fmt.Errorf("key resolver, directory and storage are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	bundles, err := newBundleCodec()
	if err != nil {
		return nil, err
	}
	return &Codec{
		keys:    opts.Keys,
		dir:     opts.Directory,
		store:   opts.Storage,
		bundles: bundles,
		monitor: opts.Monitor,
		logger:  opts.Logger,
	}, nil
}

// Decrypt opens the document named by ref on behalf of caller, whose private
// key is handle. The owner reads through their own self-wrapped key.
func (c *Codec) Decrypt(ctx context.Context, ref Ref, caller types.Identity, handle *encryption.PrivateHandle) (*Document, error) {
	ctx, span := c.monitor.Tracing().StartProtocolSpan(ctx, "decrypt_document",
		attribute.String("owner", ref.Owner.String()),
		attribute.String("recipient", caller.String()),
		attribute.String("document_id", ref.DocumentID),
	)
	defer span.End()

	doc, err := c.decrypt(ctx, ref, caller, handle)
	outcome := "success"
	if err != nil {
		outcome = string(types.KindOf(err))
		c.monitor.Tracing().RecordError(span, err)
	}
	c.monitor.Metrics().RecordKeyOperation("decrypt_document", outcome)
	c.logger.Access(ctx, "decrypt_document", ref.Owner.String(), caller.String(), ref.DocumentID, err == nil, nil)
	return doc, err
}

func (c *Codec) decrypt(ctx context.Context, ref Ref, caller types.Identity, handle *encryption.PrivateHandle) (*Document, error) {
	tuple := ref.Tuple(caller)
	if err := tuple.Validate(); err != nil {
		return nil, err
	}
	tuple = tuple.Normalize()
	ref = Ref{Owner: tuple.Owner, DocumentID: tuple.DocumentID}

	key, err := c.keys.ResolveKey(ctx, tuple, handle)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	rec, found, err := c.dir.GetDocument(ctx, ref.Owner, ref.DocumentID)
	if err != nil {
		return nil, collaboratorError(err, tuple, "document lookup failed")
	}
	if !found {
		return nil, types.NewError(types.KindDocumentNotFound, "document is not registered").WithTuple(tuple)
	}

	addr := storage.ContentAddress(rec.ContentAddress)
	data, err := c.store.Fetch(ctx, addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, types.NewErrorWithCause(types.KindDocumentNotFound, "document bundle is missing from storage", err).
			WithTuple(tuple).WithDetail("content_address", addr.String())
	case errors.Is(err, storage.ErrCorrupt):
		return nil, decryptFailed(ref, "bundle does not match its content address", err).WithTuple(tuple)
	case err != nil:
		return nil, collaboratorError(err, tuple, "bundle fetch failed")
	}

	file, meta, err := c.bundles.open(data, ref, key)
	if err != nil {
		var pe *types.ProtocolError
		if errors.As(err, &pe) {
			pe.WithTuple(tuple)
		}
		return nil, err
	}
	return &Document{Ref: ref, ContentAddress: addr, File: file, Metadata: *meta}, nil
}

func collaboratorError(err error, tuple types.GrantTuple, message string) error {
	var pe *types.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return types.NewErrorWithCause(types.KindCollaboratorUnavailable, message, err).WithTuple(tuple)
}
