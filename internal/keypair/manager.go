// Package keypair generates identity key pairs and publishes their public
// halves to the registry.
package keypair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/keystore"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Regeneration reasons recorded in metrics and logs
const (
	ReasonProvision  = "provision"
	ReasonRegenerate = "regenerate"
)

var errNotVisible = errors.New("registered key not yet visible")

// RegenerationHook is called after a new key pair is registered and read back
type RegenerationHook func(ctx context.Context, identity types.Identity, fingerprint string)

// Options configures a Manager
type Options struct {
	Store    keystore.Store
	Registry ledger.Registry
	// ConfirmationTimeout bounds the wait for the registration transaction
	ConfirmationTimeout time.Duration
	// Readback bounds the loop that waits for the registry to serve the new key
	Readback retry.Policy
	Clock    retry.Clock
	// Generate overrides key generation
	Generate func() (*encryption.PrivateHandle, error)
	Monitor  *monitoring.MonitoringMiddleware
	Logger   *logger.Logger
}

// Manager owns key pair generation for local identities
type Manager struct {
	store    keystore.Store
	registry ledger.Registry
	timeout  time.Duration
	readback retry.Policy
	clock    retry.Clock
	generate func() (*encryption.PrivateHandle, error)
	monitor  *monitoring.MonitoringMiddleware
	logger   *logger.Logger

	mu    sync.RWMutex
	hooks []RegenerationHook
}

// NewManager creates a key pair manager
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 30 * time.Second
	}
	if opts.Readback.MaxAttempts < 1 {
		opts.Readback = retry.Fixed(5, time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = retry.RealClock{}
	}
	if opts.Generate == nil {
		opts.Generate = encryption.GenerateHandle
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	return &Manager{
		store:    opts.Store,
		registry: opts.Registry,
		timeout:  opts.ConfirmationTimeout,
		readback: opts.Readback,
		clock:    opts.Clock,
		generate: opts.Generate,
		monitor:  opts.Monitor,
		logger:   opts.Logger,
	}, nil
}

// OnRegenerated registers a hook run after every successful registration
func (m *Manager) OnRegenerated(hook RegenerationHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// GenerateAndRegister replaces the identity's key pair and returns the new
// public material once the registry serves it. Any previous local key and
// legacy artifacts are removed first, so content wrapped to the old key
// becomes unreadable by this device.
func (m *Manager) GenerateAndRegister(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	identity = identity.Normalize()

	ctx, span := m.monitor.Tracing().StartProtocolSpan(ctx, "generate_and_register",
		attribute.String("identity", identity.String()))
	defer span.End()

	public, reason, err := m.generateAndRegister(ctx, identity)
	if err != nil {
		m.monitor.Tracing().RecordError(span, err)
		m.logger.KeyEvent(ctx, "key_registration_failed", identity.String(), "", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	fp, _ := public.Fingerprint()
	m.monitor.Metrics().RecordRegeneration(reason)
	m.logger.KeyEvent(ctx, "key_registered", identity.String(), fp, map[string]interface{}{
		"reason": reason,
	})

	m.mu.RLock()
	hooks := append([]RegenerationHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, identity, fp)
	}

	return public, nil
}

func (m *Manager) generateAndRegister(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, string, error) {
	had, err := m.store.Has(ctx, identity)
	if err != nil {
		return nil, "", fmt.Errorf("failed to check local key: %w", err)
	}
	reason := ReasonProvision
	if had {
		reason = ReasonRegenerate
	}

	if err := m.store.Delete(ctx, identity); err != nil {
		return nil, "", fmt.Errorf("failed to delete previous key: %w", err)
	}
	if cleaner, ok := m.store.(keystore.LegacyCleaner); ok {
		removed, err := cleaner.CleanupLegacy(ctx, identity)
		if err != nil {
			return nil, "", fmt.Errorf("failed to remove legacy keys: %w", err)
		}
		if removed > 0 {
			m.logger.KeyEvent(ctx, "legacy_keys_removed", identity.String(), "", map[string]interface{}{
				"count": removed,
			})
		}
	}

	handle, err := m.generate()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key pair: %w", err)
	}
	if err := m.store.Put(ctx, identity, handle); err != nil {
		return nil, "", fmt.Errorf("failed to store private key: %w", err)
	}
	public := handle.PublicMaterial()
	m.logger.KeyEvent(ctx, "key_generated", identity.String(), handle.Fingerprint(), nil)

	receipt, err := m.registry.RegisterPublicKey(ctx, identity, public)
	if err != nil {
		if types.KindOf(err) != "" {
			return nil, "", err
		}
		return nil, "", types.NewErrorWithCause(types.KindCollaboratorUnavailable, "public key registration failed", err).
			WithIdentity(identity)
	}

	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.registry.WaitForConfirmation(wctx, receipt)
	cancel()
	if err != nil {
		return nil, "", types.NewErrorWithCause(types.KindRegistrationNotConfirmed, "registration transaction was not confirmed", err).
			WithIdentity(identity).
			WithDetail("transaction_id", receipt.TxID)
	}

	if err := m.awaitReadback(ctx, identity, public); err != nil {
		return nil, "", types.NewErrorWithCause(types.KindRegistrationNotConfirmed, "registry does not serve the new key", err).
			WithIdentity(identity).
			WithDetail("attempts", m.readback.MaxAttempts)
	}

	return public, reason, nil
}

// awaitReadback polls the registry until it returns the key just registered
func (m *Manager) awaitReadback(ctx context.Context, identity types.Identity, expected encryption.PublicMaterial) error {
	return retry.Do(ctx, m.readback, m.clock, func(ctx context.Context) error {
		material, ok, err := m.registry.GetPublicKey(ctx, identity)
		if err != nil {
			return err
		}
		if !ok || !material.SameKey(expected) {
			return errNotVisible
		}
		return nil
	}, func(attempt int, err error) {
		m.logger.WithIdentity(identity.String()).WithField("attempt", attempt).Debug("Waiting for registry read-back")
	})
}

// PublicMaterial returns the public half of the locally held key
func (m *Manager) PublicMaterial(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, bool, error) {
	handle, ok, err := m.store.Get(ctx, identity)
	if err != nil || !ok {
		return nil, false, err
	}
	return handle.PublicMaterial(), true, nil
}
