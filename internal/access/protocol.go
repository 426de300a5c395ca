// Package access implements the grant / revoke / resolve protocol that moves
// content keys between an owner and the recipients of a document.
//
// The ledger is the source of truth for every tuple's state; this package
// adds the cryptography and maps every failure to a ProtocolError carrying
// the tuple it concerns.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Options configures a Protocol
type Options struct {
	Ledger   ledger.AccessLedger
	Registry ledger.Registry
	Wrapper  *encryption.KeyWrapper
	Monitor  *monitoring.MonitoringMiddleware
	Logger   *logger.Logger
}

// Protocol is the access grant protocol
type Protocol struct {
	ledger   ledger.AccessLedger
	registry ledger.Registry
	wrapper  *encryption.KeyWrapper
	monitor  *monitoring.MonitoringMiddleware
	logger   *logger.Logger
}

// New creates the protocol
func New(opts Options) (*Protocol, error) {
	if opts.Ledger == nil || opts.Registry == nil {
		return nil, fmt.Errorf("ledger and registry are required")
	}
	if opts.Wrapper == nil {
		opts.Wrapper = encryption.NewKeyWrapper()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Protocol{
		ledger:   opts.Ledger,
		registry: opts.Registry,
		wrapper:  opts.Wrapper,
		monitor:  opts.Monitor,
		logger:   opts.Logger,
	}, nil
}

// withTuple makes sure err is a ProtocolError naming tuple. Failures that
// are not protocol errors come from a collaborator.
func withTuple(err error, tuple types.GrantTuple) error {
	if err == nil {
		return nil
	}
	var pe *types.ProtocolError
	if errors.As(err, &pe) {
		if pe.DocumentID == "" {
			pe.WithTuple(tuple)
		}
		return err
	}
	return types.NewErrorWithCause(types.KindCollaboratorUnavailable, "ledger call failed", err).WithTuple(tuple)
}

// observe runs one protocol operation with a span, metrics and an access log entry
func (p *Protocol) observe(ctx context.Context, op string, tuple types.GrantTuple, fn func(ctx context.Context) error) error {
	ctx, span := p.monitor.Tracing().StartProtocolSpan(ctx, op,
		attribute.String("owner", tuple.Owner.String()),
		attribute.String("recipient", tuple.Recipient.String()),
		attribute.String("document_id", tuple.DocumentID),
	)
	defer span.End()

	err := withTuple(fn(ctx), tuple)

	outcome := "success"
	var details map[string]interface{}
	if err != nil {
		outcome = string(types.KindOf(err))
		details = map[string]interface{}{"error": err.Error()}
		p.monitor.Tracing().RecordError(span, err)
	}
	p.monitor.Metrics().RecordGrantOperation(op, outcome)
	p.logger.Access(ctx, op, tuple.Owner.String(), tuple.Recipient.String(), tuple.DocumentID, err == nil, details)
	return err
}

func prepare(caller types.Identity, tuple types.GrantTuple, ownerOnly bool) (types.GrantTuple, error) {
	if err := tuple.Validate(); err != nil {
		return tuple, err
	}
	tuple = tuple.Normalize()
	if ownerOnly && !caller.Equal(tuple.Owner) {
		return tuple, types.NewError(types.KindNotOwner, "only the document owner may change access").
			WithTuple(tuple).
			WithDetail("caller", caller.Normalize().String())
	}
	return tuple, nil
}

// Grant activates access for the tuple's recipient and waits for confirmation
func (p *Protocol) Grant(ctx context.Context, caller types.Identity, tuple types.GrantTuple) error {
	tuple, err := prepare(caller, tuple, true)
	if err != nil {
		return err
	}
	return p.observe(ctx, "grant", tuple, func(ctx context.Context) error {
		if _, err := p.recipientKey(ctx, tuple); err != nil {
			return err
		}
		grant, err := p.ledger.GetGrant(ctx, tuple)
		if err != nil {
			return err
		}
		if grant.State() == types.GrantStateActive {
			return types.NewError(types.KindAlreadyGranted, "access is already granted").WithTuple(tuple)
		}
		_, err = ledger.Submit(ctx, p.ledger, func(ctx context.Context) (types.Receipt, error) {
			return p.ledger.GrantAccess(ctx, caller, tuple)
		})
		return err
	})
}

// Revoke deactivates the tuple. Revoking a tuple that is not active succeeds
// without touching the ledger.
func (p *Protocol) Revoke(ctx context.Context, caller types.Identity, tuple types.GrantTuple) error {
	tuple, err := prepare(caller, tuple, true)
	if err != nil {
		return err
	}
	return p.observe(ctx, "revoke", tuple, func(ctx context.Context) error {
		grant, err := p.ledger.GetGrant(ctx, tuple)
		if err != nil {
			return err
		}
		if grant.State() != types.GrantStateActive {
			return nil
		}
		_, err = ledger.Submit(ctx, p.ledger, func(ctx context.Context) (types.Receipt, error) {
			return p.ledger.RevokeAccess(ctx, caller, tuple)
		})
		return err
	})
}

// StoreWrappedKey delivers ciphertext for an active tuple, replacing any
// previous delivery
func (p *Protocol) StoreWrappedKey(ctx context.Context, caller types.Identity, tuple types.GrantTuple, ciphertext []byte) error {
	tuple, err := prepare(caller, tuple, true)
	if err != nil {
		return err
	}
	return p.observe(ctx, "store_wrapped_key", tuple, func(ctx context.Context) error {
		return p.storeWrappedKey(ctx, caller, tuple, ciphertext)
	})
}

func (p *Protocol) storeWrappedKey(ctx context.Context, caller types.Identity, tuple types.GrantTuple, ciphertext []byte) error {
	if err := encryption.CheckWrappedLength(ciphertext); err != nil {
		return err
	}
	grant, err := p.ledger.GetGrant(ctx, tuple)
	if err != nil {
		return err
	}
	if grant.State() != types.GrantStateActive {
		return types.NewError(types.KindAccessDenied, "wrapped keys can only be stored for an active grant").WithTuple(tuple)
	}
	_, err = ledger.Submit(ctx, p.ledger, func(ctx context.Context) (types.Receipt, error) {
		return p.ledger.StoreWrappedKey(ctx, caller, types.WrappedKey{
			Owner:      tuple.Owner,
			Recipient:  tuple.Recipient,
			DocumentID: tuple.DocumentID,
			Ciphertext: ciphertext,
		})
	})
	return err
}

// ShareKey wraps key under the recipient's registered public key and stores it
func (p *Protocol) ShareKey(ctx context.Context, caller types.Identity, tuple types.GrantTuple, key encryption.ContentKey) error {
	tuple, err := prepare(caller, tuple, true)
	if err != nil {
		return err
	}
	if key.IsZero() {
		return encryption.ErrEmptyContentKey
	}
	return p.observe(ctx, "share_key", tuple, func(ctx context.Context) error {
		material, err := p.recipientKey(ctx, tuple)
		if err != nil {
			return err
		}
		ciphertext, err := p.wrapper.Wrap(key, material)
		if err != nil {
			p.monitor.Metrics().RecordKeyOperation("wrap", "failed")
			return err
		}
		p.monitor.Metrics().RecordKeyOperation("wrap", "success")
		return p.storeWrappedKey(ctx, caller, tuple, ciphertext)
	})
}

func (p *Protocol) recipientKey(ctx context.Context, tuple types.GrantTuple) (encryption.PublicMaterial, error) {
	material, ok, err := p.registry.GetPublicKey(ctx, tuple.Recipient)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewError(types.KindUnknownRecipient, "recipient has no registered public key").WithTuple(tuple)
	}
	return material, nil
}

// ResolveKey returns the tuple's content key, unwrapped with handle
func (p *Protocol) ResolveKey(ctx context.Context, tuple types.GrantTuple, handle *encryption.PrivateHandle) (encryption.ContentKey, error) {
	tuple, err := prepare(tuple.Recipient, tuple, false)
	if err != nil {
		return encryption.ContentKey{}, err
	}

	var key encryption.ContentKey
	err = p.observe(ctx, "resolve_key", tuple, func(ctx context.Context) error {
		grant, err := p.ledger.GetGrant(ctx, tuple)
		if err != nil {
			return err
		}
		if grant.State() != types.GrantStateActive {
			return types.NewError(types.KindAccessDenied, "no active access grant").
				WithTuple(tuple).
				WithDetail("state", string(grant.State()))
		}

		ciphertext, ok, err := p.ledger.GetWrappedKey(ctx, tuple)
		if err != nil {
			return err
		}
		if !ok {
			return types.NewError(types.KindKeyNotStored, "grant is active but no wrapped key was delivered").WithTuple(tuple)
		}

		key, err = p.wrapper.Unwrap(ciphertext, handle)
		if err != nil {
			p.monitor.Metrics().RecordKeyOperation("unwrap", string(types.KindOf(err)))
			return err
		}
		p.monitor.Metrics().RecordKeyOperation("unwrap", "success")
		return nil
	})
	return key, err
}

// SharedWith lists the records shared with recipient, newest first
func (p *Protocol) SharedWith(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	records, err := p.ledger.GetSharedRecords(ctx, recipient.Normalize())
	if err != nil {
		if types.KindOf(err) == "" {
			err = types.NewErrorWithCause(types.KindCollaboratorUnavailable, "ledger call failed", err).WithIdentity(recipient)
		}
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].GrantedAt.Equal(records[j].GrantedAt) {
			return records[i].GrantedAt.After(records[j].GrantedAt)
		}
		if records[i].Owner != records[j].Owner {
			return records[i].Owner < records[j].Owner
		}
		return records[i].DocumentID < records[j].DocumentID
	})
	return records, nil
}

// GrantStatus returns the tuple's current state
func (p *Protocol) GrantStatus(ctx context.Context, tuple types.GrantTuple) (types.GrantState, error) {
	if err := tuple.Validate(); err != nil {
		return "", err
	}
	tuple = tuple.Normalize()
	grant, err := p.ledger.GetGrant(ctx, tuple)
	if err != nil {
		return "", withTuple(err, tuple)
	}
	return grant.State(), nil
}
