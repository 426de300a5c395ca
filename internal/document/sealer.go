package document

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/internal/storage"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Publisher registers bundle addresses on the ledger
type Publisher interface {
	RegisterDocument(ctx context.Context, caller types.Identity, record types.DocumentRecord) (types.Receipt, error)
	WaitForConfirmation(ctx context.Context, receipt types.Receipt) error
}

// SealedDocument is the result of sealing. Key is the content key the owner
// must wrap for every reader, the owner included.
type SealedDocument struct {
	Ref            Ref
	ContentAddress storage.ContentAddress
	Key            encryption.ContentKey
}

// SealerOptions configures a Sealer
type SealerOptions struct {
	Publisher Publisher
	Storage   storage.Gateway
	Clock     retry.Clock
	// NewID returns document identifiers; defaults to random UUIDs
	NewID   func() string
	Monitor *monitoring.MonitoringMiddleware
	Logger  *logger.Logger
}

// Sealer encrypts and publishes new documents
type Sealer struct {
	publisher Publisher
	store     storage.Gateway
	clock     retry.Clock
	newID     func() string
	bundles   *bundleCodec
	monitor   *monitoring.MonitoringMiddleware
	logger    *logger.Logger
}

// NewSealer creates a sealer
func NewSealer(opts SealerOptions) (*Sealer, error) {
	if opts.Publisher == nil || opts.Storage == nil {
		return nil, fmt.Errorf("publisher and storage are required")
	}
	if opts.Clock == nil {
		opts.Clock = retry.RealClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	bundles, err := newBundleCodec()
	if err != nil {
		return nil, err
	}
	return &Sealer{
		publisher: opts.Publisher,
		store:     opts.Storage,
		clock:     opts.Clock,
		newID:     opts.NewID,
		bundles:   bundles,
		monitor:   opts.Monitor,
		logger:    opts.Logger,
	}, nil
}

// Seal encrypts file under a fresh content key, uploads the bundle and
// registers its address for owner. Missing metadata fields are filled from
// the file itself.
func (s *Sealer) Seal(ctx context.Context, owner types.Identity, file []byte, meta Metadata) (*SealedDocument, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if len(file) > MaxDocumentSize {
		return nil, fmt.Errorf("document of %d bytes exceeds the %d byte limit", len(file), MaxDocumentSize)
	}
	ref := Ref{Owner: owner.Normalize(), DocumentID: s.newID()}

	ctx, span := s.monitor.Tracing().StartProtocolSpan(ctx, "seal_document",
		attribute.String("owner", ref.Owner.String()),
		attribute.String("document_id", ref.DocumentID),
	)
	defer span.End()

	sealed, err := s.seal(ctx, ref, file, meta)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if kind := types.KindOf(err); kind != "" {
			outcome = string(kind)
		}
		s.monitor.Tracing().RecordError(span, err)
		s.logger.WithIdentity(ref.Owner.String()).WithError(err).Warn("Document sealing failed")
	} else {
		s.logger.WithIdentity(ref.Owner.String()).
			WithField("document_id", ref.DocumentID).
			WithField("content_address", sealed.ContentAddress.String()).
			Info("Document sealed")
	}
	s.monitor.Metrics().RecordKeyOperation("seal_document", outcome)
	return sealed, err
}

func (s *Sealer) seal(ctx context.Context, ref Ref, file []byte, meta Metadata) (*SealedDocument, error) {
	meta.Size = int64(len(file))
	if meta.ContentType == "" {
		meta.ContentType = http.DetectContentType(file)
	}
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = s.clock.Now().UTC().Truncate(time.Second)
	}

	key, err := encryption.NewContentKey()
	if err != nil {
		return nil, err
	}
	data, err := s.bundles.seal(ref, key, file, meta)
	if err != nil {
		key.Zero()
		return nil, fmt.Errorf("failed to seal bundle: %w", err)
	}

	addr, err := s.store.Upload(ctx, data)
	if err != nil {
		key.Zero()
		return nil, collaboratorError(err, types.GrantTuple{Owner: ref.Owner, DocumentID: ref.DocumentID}, "bundle upload failed")
	}

	_, err = ledger.Submit(ctx, s.publisher, func(ctx context.Context) (types.Receipt, error) {
		return s.publisher.RegisterDocument(ctx, ref.Owner, types.DocumentRecord{
			Owner:          ref.Owner,
			DocumentID:     ref.DocumentID,
			ContentAddress: addr.String(),
		})
	})
	if err != nil {
		key.Zero()
		return nil, collaboratorError(err, types.GrantTuple{Owner: ref.Owner, DocumentID: ref.DocumentID}, "document registration failed")
	}

	return &SealedDocument{Ref: ref, ContentAddress: addr, Key: key}, nil
}
