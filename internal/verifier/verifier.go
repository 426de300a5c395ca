// Package verifier checks that the private key held on this device matches
// the public key the registry serves for the same identity, and repairs the
// pair when they diverge.
package verifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/medrex/dlt-keyx/internal/keypair"
	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/keystore"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Policy selects what happens on divergence when no pending state is at risk
type Policy string

const (
	// PolicyRegenerateWhenSafe regenerates silently-but-logged when nothing is pending
	PolicyRegenerateWhenSafe Policy = "regenerate_when_safe"
	// PolicyAlwaysAsk consults the Decider on every divergence
	PolicyAlwaysAsk Policy = "always_ask"
)

// NoticeRecordsLost accompanies every regeneration
const NoticeRecordsLost = "Your encryption key was regenerated. Records previously shared with you are no longer accessible and must be shared again."

// Verification outcomes recorded in metrics
const (
	outcomeVerified    = "verified"
	outcomeCached      = "cached"
	outcomeProvisioned = "provisioned"
	outcomeRegenerated = "regenerated"
	outcomeAborted     = "divergence_aborted"
	outcomeError       = "error"
)

// Decision is the answer to a divergence prompt
type Decision int

const (
	DecisionAbort Decision = iota
	DecisionRegenerate
)

func (d Decision) String() string {
	if d == DecisionRegenerate {
		return "regenerate"
	}
	return "abort"
}

// Divergence describes a local/registry key mismatch
type Divergence struct {
	Identity            types.Identity
	LocalKeyPresent     bool
	LocalFingerprint    string
	RegistryFingerprint string
	PendingState        bool
}

// Decider chooses whether to regenerate after a divergence
type Decider interface {
	Decide(ctx context.Context, d Divergence) (Decision, error)
}

// DeciderFunc adapts a function to Decider
type DeciderFunc func(ctx context.Context, d Divergence) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, d Divergence) (Decision, error) {
	return f(ctx, d)
}

// PendingStateChecker reports whether regenerating would lose state the
// identity still depends on
type PendingStateChecker interface {
	HasPendingState(ctx context.Context, identity types.Identity) (bool, error)
}

// Provisioner generates and registers a new key pair
type Provisioner interface {
	GenerateAndRegister(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, error)
}

// Outcome reports what Verify did
type Outcome struct {
	Identity    types.Identity `json:"identity"`
	Fingerprint string         `json:"fingerprint"`
	Provisioned bool           `json:"provisioned"`
	Regenerated bool           `json:"regenerated"`
	Cached      bool           `json:"cached"`
	Notice      string         `json:"notice,omitempty"`
}

// Options configures a Verifier
type Options struct {
	Store       keystore.Store
	Registry    ledger.Registry
	Provisioner Provisioner
	Wrapper     *encryption.KeyWrapper
	Policy      Policy
	Decider     Decider
	Pending     PendingStateChecker
	Monitor     *monitoring.MonitoringMiddleware
	Logger      *logger.Logger
}

// Verifier is the key consistency verifier
type Verifier struct {
	store       keystore.Store
	registry    ledger.Registry
	provisioner Provisioner
	wrapper     *encryption.KeyWrapper
	policy      Policy
	decider     Decider
	pending     PendingStateChecker
	monitor     *monitoring.MonitoringMiddleware
	logger      *logger.Logger

	mu       sync.RWMutex
	verified map[types.Identity]string
}

// New creates a verifier. When the provisioner accepts regeneration hooks
// the verifier registers one to drop its cache entry.
func New(opts Options) (*Verifier, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Provisioner == nil {
		return nil, fmt.Errorf("store, registry and provisioner are required")
	}
	if opts.Wrapper == nil {
		opts.Wrapper = encryption.NewKeyWrapper()
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyAlwaysAsk
	case PolicyAlwaysAsk, PolicyRegenerateWhenSafe:
	default:
		return nil, fmt.Errorf("unknown divergence policy %q", opts.Policy)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	v := &Verifier{
		store:       opts.Store,
		registry:    opts.Registry,
		provisioner: opts.Provisioner,
		wrapper:     opts.Wrapper,
		policy:      opts.Policy,
		decider:     opts.Decider,
		pending:     opts.Pending,
		monitor:     opts.Monitor,
		logger:      opts.Logger,
		verified:    make(map[types.Identity]string),
	}

	if hooks, ok := opts.Provisioner.(interface {
		OnRegenerated(hook keypair.RegenerationHook)
	}); ok {
		hooks.OnRegenerated(func(ctx context.Context, identity types.Identity, _ string) {
			v.Invalidate(identity)
		})
	}
	return v, nil
}

// Invalidate forgets the verified fingerprint for identity
func (v *Verifier) Invalidate(identity types.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.verified, identity.Normalize())
}

func (v *Verifier) cached(identity types.Identity) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fp, ok := v.verified[identity]
	return fp, ok
}

func (v *Verifier) remember(identity types.Identity, fingerprint string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified[identity] = fingerprint
}

// Verify ensures identity holds a private key matching its registered public
// key, provisioning or regenerating when needed.
func (v *Verifier) Verify(ctx context.Context, identity types.Identity) (*Outcome, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	identity = identity.Normalize()

	ctx, span := v.monitor.Tracing().StartProtocolSpan(ctx, "verify", attribute.String("identity", identity.String()))
	defer span.End()

	outcome, label, err := v.verify(ctx, identity)
	if err != nil {
		v.monitor.Tracing().RecordError(span, err)
		if label == "" {
			label = outcomeError
		}
	}
	span.SetAttributes(attribute.String("verify.outcome", label))
	v.monitor.Metrics().RecordVerification(label)
	return outcome, err
}

func (v *Verifier) verify(ctx context.Context, identity types.Identity) (*Outcome, string, error) {
	log := v.logger.WithIdentity(identity.String())

	handle, hasLocal, err := v.store.Get(ctx, identity)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read local key: %w", err)
	}
	material, registered, err := v.registry.GetPublicKey(ctx, identity)
	if err != nil {
		if types.KindOf(err) == "" {
			err = types.NewErrorWithCause(types.KindCollaboratorUnavailable, "registry lookup failed", err).WithIdentity(identity)
		}
		return nil, "", err
	}

	if !registered {
		// nothing can have been wrapped to an unregistered key
		log.WithField("local_key_present", hasLocal).Info("No registered key, provisioning")
		return v.regenerate(ctx, identity, outcomeProvisioned)
	}

	registryFP, fpErr := material.Fingerprint()
	if hasLocal && fpErr == nil {
		if fp, ok := v.cached(identity); ok && fp == registryFP {
			return &Outcome{Identity: identity, Fingerprint: registryFP, Cached: true}, outcomeCached, nil
		}

		if handle.Fingerprint() == registryFP {
			match, err := v.wrapper.Probe(material, handle)
			if err != nil {
				return nil, "", err
			}
			if match {
				v.remember(identity, registryFP)
				v.monitor.Metrics().RecordKeyOperation("probe", "match")
				log.WithField("fingerprint", registryFP).Debug("Local key matches registry")
				return &Outcome{Identity: identity, Fingerprint: registryFP}, outcomeVerified, nil
			}
			v.monitor.Metrics().RecordKeyOperation("probe", "mismatch")
		}
	}

	d := Divergence{
		Identity:            identity,
		LocalKeyPresent:     hasLocal,
		RegistryFingerprint: registryFP,
	}
	if hasLocal {
		d.LocalFingerprint = handle.Fingerprint()
	}
	return v.resolveDivergence(ctx, d)
}

func (v *Verifier) resolveDivergence(ctx context.Context, d Divergence) (*Outcome, string, error) {
	v.Invalidate(d.Identity)

	if v.pending != nil {
		pending, err := v.pending.HasPendingState(ctx, d.Identity)
		if err != nil {
			return nil, "", fmt.Errorf("failed to check pending state: %w", err)
		}
		d.PendingState = pending
	}

	v.logger.Security(ctx, "key_divergence", d.Identity.String(), map[string]interface{}{
		"local_key_present":    d.LocalKeyPresent,
		"local_fingerprint":    d.LocalFingerprint,
		"registry_fingerprint": d.RegistryFingerprint,
		"pending_state":        d.PendingState,
		"policy":               string(v.policy),
	})

	decision := DecisionRegenerate
	if d.PendingState || v.policy == PolicyAlwaysAsk {
		if v.decider == nil {
			return nil, outcomeAborted, divergenceError(d, "no decider configured")
		}
		var err error
		decision, err = v.decider.Decide(ctx, d)
		if err != nil {
			return nil, outcomeAborted, types.NewErrorWithCause(types.KindKeyDivergence, "divergence decision failed", err).
				WithIdentity(d.Identity)
		}
	}

	v.logger.Security(ctx, "key_divergence_decision", d.Identity.String(), map[string]interface{}{
		"decision": decision.String(),
	})
	if decision != DecisionRegenerate {
		return nil, outcomeAborted, divergenceError(d, "regeneration declined")
	}
	return v.regenerate(ctx, d.Identity, outcomeRegenerated)
}

func divergenceError(d Divergence, reason string) error {
	return types.NewError(types.KindKeyDivergence, "local private key does not match the registered public key").
		WithIdentity(d.Identity).
		WithDetail("reason", reason).
		WithDetail("pending_state", d.PendingState)
}

func (v *Verifier) regenerate(ctx context.Context, identity types.Identity, label string) (*Outcome, string, error) {
	material, err := v.provisioner.GenerateAndRegister(ctx, identity)
	if err != nil {
		return nil, "", err
	}
	fp, err := material.Fingerprint()
	if err != nil {
		return nil, "", err
	}
	v.remember(identity, fp)

	outcome := &Outcome{Identity: identity, Fingerprint: fp}
	if label == outcomeProvisioned {
		outcome.Provisioned = true
	} else {
		outcome.Regenerated = true
		outcome.Notice = NoticeRecordsLost
	}
	return outcome, label, nil
}

// SharedRecordsChecker treats records shared with the identity as pending
// state: regenerating makes all of them unreadable.
type SharedRecordsChecker struct {
	Ledger ledger.AccessLedger
}

func (c SharedRecordsChecker) HasPendingState(ctx context.Context, identity types.Identity) (bool, error) {
	records, err := c.Ledger.GetSharedRecords(ctx, identity)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}
