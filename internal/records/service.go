// Package records implements the portal flows on top of the key-exchange
// protocol: uploading a record for its owner and chosen recipients, sharing
// and revoking existing records, and opening them again.
//
// Every flow that uses an identity's private key verifies that key against
// the registry first.
package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/medrex/dlt-keyx/internal/access"
	"github.com/medrex/dlt-keyx/internal/document"
	"github.com/medrex/dlt-keyx/internal/verifier"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/keystore"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
)

// KeyVerifier checks an identity's local key against the registry
type KeyVerifier interface {
	Verify(ctx context.Context, identity types.Identity) (*verifier.Outcome, error)
}

// Options configures a Service
type Options struct {
	Verifier KeyVerifier
	Keys     keystore.Store
	Access   *access.Protocol
	Sealer   *document.Sealer
	Codec    *document.Codec
	Logger   *logger.Logger
}

// Service runs the portal flows
type Service struct {
	verifier KeyVerifier
	keys     keystore.Store
	access   *access.Protocol
	sealer   *document.Sealer
	codec    *document.Codec
	log      *logrus.Entry
}

// UploadResult reports an upload. Failed holds the recipients whose grant or
// key delivery failed; the document itself is stored and readable by its owner.
type UploadResult struct {
	Ref            document.Ref             `json:"ref"`
	ContentAddress string                   `json:"content_address"`
	SharedWith     []types.Identity         `json:"shared_with"`
	Failed         map[types.Identity]error `json:"-"`
	Notice         string                   `json:"notice,omitempty"`
}

// NewService creates the service
func NewService(opts Options) (*Service, error) {
	if opts.Verifier == nil || opts.Keys == nil || opts.Access == nil || opts.Sealer == nil || opts.Codec == nil {
		return nil, fmt.Errorf("verifier, keystore, access protocol, sealer and codec are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Service{
		verifier: opts.Verifier,
		keys:     opts.Keys,
		access:   opts.Access,
		sealer:   opts.Sealer,
		codec:    opts.Codec,
		log:      opts.Logger.WithComponent("records"),
	}, nil
}

// Provision makes sure identity holds a key pair matching the registry,
// generating and registering one on first use
func (s *Service) Provision(ctx context.Context, identity types.Identity) (*verifier.Outcome, error) {
	return s.verifier.Verify(ctx, identity)
}

// handle verifies identity and loads its private handle
func (s *Service) handle(ctx context.Context, identity types.Identity) (*encryption.PrivateHandle, *verifier.Outcome, error) {
	outcome, err := s.verifier.Verify(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	h, ok, err := s.keys.Get(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, types.NewError(types.KindKeyNotFound, "no local private key for identity").WithIdentity(identity.Normalize())
	}
	return h, outcome, nil
}

// Upload seals file for owner, delivers the content key to the owner and
// then to each recipient
func (s *Service) Upload(ctx context.Context, owner types.Identity, file []byte, meta document.Metadata, recipients ...types.Identity) (*UploadResult, error) {
	outcome, err := s.verifier.Verify(ctx, owner)
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(ctx, owner, file, meta)
	if err != nil {
		return nil, err
	}
	defer sealed.Key.Zero()

	owner = sealed.Ref.Owner
	if err := s.deliver(ctx, owner, sealed.Ref.Tuple(owner), sealed.Key); err != nil {
		return nil, err
	}

	result := &UploadResult{
		Ref:            sealed.Ref,
		ContentAddress: sealed.ContentAddress.String(),
		Failed:         make(map[types.Identity]error),
		Notice:         outcome.Notice,
	}
	seen := map[types.Identity]bool{owner: true}
	var errs []error
	for _, r := range recipients {
		r = r.Normalize()
		if seen[r] {
			continue
		}
		seen[r] = true
		if err := s.deliver(ctx, owner, sealed.Ref.Tuple(r), sealed.Key); err != nil {
			result.Failed[r] = err
			errs = append(errs, err)
			continue
		}
		result.SharedWith = append(result.SharedWith, r)
	}

	s.log.WithField("document_id", sealed.Ref.DocumentID).
		WithField("recipients", len(result.SharedWith)).
		WithField("failed", len(result.Failed)).
		Info("Record uploaded")
	return result, errors.Join(errs...)
}

// deliver grants the tuple and stores the wrapped key. An existing grant is
// reused so an interrupted share can be completed.
func (s *Service) deliver(ctx context.Context, owner types.Identity, tuple types.GrantTuple, key encryption.ContentKey) error {
	if err := s.access.Grant(ctx, owner, tuple); err != nil && !errors.Is(err, types.ErrAlreadyGranted) {
		return err
	}
	return s.access.ShareKey(ctx, owner, tuple, key)
}

// Share gives recipient access to an existing record. The owner recovers the
// content key from their own wrapped copy.
func (s *Service) Share(ctx context.Context, owner, recipient types.Identity, ref document.Ref) error {
	if !owner.Equal(ref.Owner) {
		return types.NewError(types.KindNotOwner, "only the document owner may share it").
			WithTuple(ref.Tuple(recipient)).
			WithDetail("caller", owner.Normalize().String())
	}
	h, _, err := s.handle(ctx, owner)
	if err != nil {
		return err
	}
	key, err := s.access.ResolveKey(ctx, ref.Tuple(owner), h)
	if err != nil {
		return err
	}
	defer key.Zero()
	return s.deliver(ctx, owner, ref.Tuple(recipient), key)
}

// Revoke withdraws recipient's access to the record
func (s *Service) Revoke(ctx context.Context, owner, recipient types.Identity, ref document.Ref) error {
	return s.access.Revoke(ctx, owner, ref.Tuple(recipient))
}

// Open decrypts the record for caller
func (s *Service) Open(ctx context.Context, caller types.Identity, ref document.Ref) (*document.Document, error) {
	h, _, err := s.handle(ctx, caller)
	if err != nil {
		return nil, err
	}
	return s.codec.Decrypt(ctx, ref, caller, h)
}

// SharedWithMe lists the records shared with recipient, newest first
func (s *Service) SharedWithMe(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error) {
	return s.access.SharedWith(ctx, recipient)
}

// Status reports the grant state of recipient on the record
func (s *Service) Status(ctx context.Context, recipient types.Identity, ref document.Ref) (types.GrantState, error) {
	return s.access.GrantStatus(ctx, ref.Tuple(recipient))
}

// GrantStatus reports the state of an arbitrary tuple
func (s *Service) GrantStatus(ctx context.Context, tuple types.GrantTuple) (types.GrantState, error) {
	return s.access.GrantStatus(ctx, tuple)
}
