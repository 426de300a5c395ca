package ledger

import (
	"context"

	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
)

// RetryingOptions configures a Retrying ledger
type RetryingOptions struct {
	Policy  retry.Policy
	Clock   retry.Clock
	Monitor *monitoring.MonitoringMiddleware
	Logger  *logger.Logger
}

// Retrying wraps a Ledger with bounded retry. Protocol errors pass through
// untouched; transport failures that outlive the policy surface as
// CollaboratorUnavailable.
type Retrying struct {
	next    Ledger
	policy  retry.Policy
	clock   retry.Clock
	monitor *monitoring.MonitoringMiddleware
	log     *logrus.Entry
}

// NewRetrying creates the adapter
func NewRetrying(next Ledger, opts RetryingOptions) *Retrying {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.Fixed(3, 0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Retrying{
		next:    next,
		policy:  opts.Policy,
		clock:   clock,
		monitor: opts.Monitor,
		log:     log.WithComponent("ledger"),
	}
}

// call runs fn under the retry policy. attempt is 1-based.
func (r *Retrying) call(ctx context.Context, function string, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	err := retry.Do(ctx, r.policy, r.clock, func(ctx context.Context) error {
		attempt++
		err := r.monitor.LedgerCall(ctx, function, func(ctx context.Context) error {
			return fn(ctx, attempt)
		})
		if err != nil && types.KindOf(err) != "" {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		r.monitor.Metrics().RecordRetry("ledger", function)
		r.log.WithError(err).WithFields(logrus.Fields{
			"function": function,
			"attempt":  attempt,
		}).Warn("Ledger call failed, retrying")
	})
	if err == nil || types.KindOf(err) != "" {
		return err
	}
	return types.NewErrorWithCause(types.KindCollaboratorUnavailable, "ledger is unavailable", err).
		WithDetail("function", function)
}

func (r *Retrying) write(ctx context.Context, function string, fn func(ctx context.Context) (types.Receipt, error)) (types.Receipt, error) {
	var receipt types.Receipt
	err := r.call(ctx, function, func(ctx context.Context, _ int) error {
		var err error
		receipt, err = fn(ctx)
		return err
	})
	return receipt, err
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

// WaitForConfirmation treats a receipt without a transaction id as confirmed
func (r *Retrying) WaitForConfirmation(ctx context.Context, receipt types.Receipt) error {
	if receipt.TxID == "" {
		return nil
	}
	return r.call(ctx, "WaitForConfirmation", func(ctx context.Context, _ int) error {
		return r.next.WaitForConfirmation(ctx, receipt)
	})
}

func (r *Retrying) RegisterPublicKey(ctx context.Context, identity types.Identity, material encryption.PublicMaterial) (types.Receipt, error) {
	return r.write(ctx, FnRegisterPublicKey, func(ctx context.Context) (types.Receipt, error) {
		return r.next.RegisterPublicKey(ctx, identity, material)
	})
}

func (r *Retrying) GetPublicKey(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, bool, error) {
	var (
		material encryption.PublicMaterial
		ok       bool
	)
	err := r.call(ctx, FnGetPublicKey, func(ctx context.Context, _ int) error {
		var err error
		material, ok, err = r.next.GetPublicKey(ctx, identity)
		return err
	})
	return material, ok, err
}

// GrantAccess retries a lost submission. AlreadyGranted on a later attempt
// means an earlier attempt landed, so it is reported as success with an
// empty receipt.
func (r *Retrying) GrantAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error) {
	var receipt types.Receipt
	err := r.call(ctx, FnGrantAccess, func(ctx context.Context, attempt int) error {
		var err error
		receipt, err = r.next.GrantAccess(ctx, caller, tuple)
		if attempt > 1 && types.KindOf(err) == types.KindAlreadyGranted {
			r.log.WithFields(logrus.Fields{
				"owner":       tuple.Owner,
				"recipient":   tuple.Recipient,
				"document_id": tuple.DocumentID,
			}).Info("Grant landed on an earlier attempt")
			receipt = types.Receipt{Function: FnGrantAccess, SubmittedAt: r.clock.Now()}
			return nil
		}
		return err
	})
	return receipt, err
}

func (r *Retrying) RevokeAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error) {
	return r.write(ctx, FnRevokeAccess, func(ctx context.Context) (types.Receipt, error) {
		return r.next.RevokeAccess(ctx, caller, tuple)
	})
}

func (r *Retrying) GetGrant(ctx context.Context, tuple types.GrantTuple) (*types.AccessGrant, error) {
	var grant *types.AccessGrant
	err := r.call(ctx, FnGetGrant, func(ctx context.Context, _ int) error {
		var err error
		grant, err = r.next.GetGrant(ctx, tuple)
		return err
	})
	return grant, err
}

func (r *Retrying) StoreWrappedKey(ctx context.Context, caller types.Identity, key types.WrappedKey) (types.Receipt, error) {
	return r.write(ctx, FnStoreWrappedKey, func(ctx context.Context) (types.Receipt, error) {
		return r.next.StoreWrappedKey(ctx, caller, key)
	})
}

func (r *Retrying) GetWrappedKey(ctx context.Context, tuple types.GrantTuple) ([]byte, bool, error) {
	var (
		ciphertext []byte
		ok         bool
	)
	err := r.call(ctx, FnGetWrappedKey, func(ctx context.Context, _ int) error {
		var err error
		ciphertext, ok, err = r.next.GetWrappedKey(ctx, tuple)
		return err
	})
	return ciphertext, ok, err
}

func (r *Retrying) GetSharedRecords(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error) {
	var records []types.SharedRecord
	err := r.call(ctx, FnGetSharedRecords, func(ctx context.Context, _ int) error {
		var err error
		records, err = r.next.GetSharedRecords(ctx, recipient)
		return err
	})
	return records, err
}

func (r *Retrying) RegisterDocument(ctx context.Context, caller types.Identity, record types.DocumentRecord) (types.Receipt, error) {
	return r.write(ctx, FnRegisterDocument, func(ctx context.Context) (types.Receipt, error) {
		return r.next.RegisterDocument(ctx, caller, record)
	})
}

func (r *Retrying) GetDocument(ctx context.Context, owner types.Identity, documentID string) (*types.DocumentRecord, bool, error) {
	var (
		rec *types.DocumentRecord
		ok  bool
	)
	err := r.call(ctx, FnGetDocument, func(ctx context.Context, _ int) error {
		var err error
		rec, ok, err = r.next.GetDocument(ctx, owner, documentID)
		return err
	})
	return rec, ok, err
}

var (
	_ Ledger = (*Retrying)(nil)
	_ Ledger = (*DevLedger)(nil)
	_ Ledger = (*GatewayClient)(nil)
)
