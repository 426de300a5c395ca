package keypair

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medrex/dlt-keyx/internal/keytest"
	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/keystore"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = types.Identity("0xA11CE00000000000000000000000000000000001")

type fixture struct {
	manager *Manager
	store   *keystore.MemoryStore
	ledger  *ledger.DevLedger
	clock   *retry.FakeClock
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T, dev ledger.DevOptions, readback retry.Policy) *fixture {
	t.Helper()
	clock := retry.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	dev.Clock = clock
	l, err := ledger.NewDevLedger(dev)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	store := keystore.NewMemoryStore()
	metrics := monitoring.NewMetrics("keyx-test")
	m, err := NewManager(Options{
		Store:    store,
		Registry: l,
		Readback: readback,
		Clock:    clock,
		Generate: keytest.Generator(0),
		Monitor:  monitoring.NewMonitoringMiddleware(metrics, nil, nil),
	})
	require.NoError(t, err)
	return &fixture{manager: m, store: store, ledger: l, clock: clock, metrics: metrics}
}

// stubRegistry fails registration or confirmation on demand
type stubRegistry struct {
	registerErr error
	confirmErr  error
	material    encryption.PublicMaterial
}

func (s *stubRegistry) GetPublicKey(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, bool, error) {
	return s.material, s.material != nil, nil
}

func (s *stubRegistry) RegisterPublicKey(ctx context.Context, identity types.Identity, material encryption.PublicMaterial) (types.Receipt, error) {
	if s.registerErr != nil {
		return types.Receipt{}, s.registerErr
	}
	s.material = material
	return types.Receipt{TxID: "tx-1", Function: ledger.FnRegisterPublicKey}, nil
}

func (s *stubRegistry) WaitForConfirmation(ctx context.Context, receipt types.Receipt) error {
	return s.confirmErr
}

// legacyStore records legacy cleanups
type legacyStore struct {
	*keystore.MemoryStore
	cleaned []types.Identity
}

func (s *legacyStore) CleanupLegacy(ctx context.Context, identity types.Identity) (int, error) {
	s.cleaned = append(s.cleaned, identity)
	return 2, nil
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Options{Registry: &stubRegistry{}})
	assert.Error(t, err)
	_, err = NewManager(Options{Store: keystore.NewMemoryStore()})
	assert.Error(t, err)
}

func TestManager_GenerateAndRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("first provision", func(t *testing.T) {
		f := newFixture(t, ledger.DevOptions{ConfirmationLatency: time.Second}, retry.Fixed(5, time.Second))

		public, err := f.manager.GenerateAndRegister(ctx, alice)
		require.NoError(t, err)

		handle, ok, err := f.store.Get(ctx, alice)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, handle.PublicMaterial().SameKey(public))

		registered, ok, err := f.ledger.GetPublicKey(ctx, alice)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, registered.SameKey(public))

		expected := `
# HELP keypair_regenerations_total Key pairs generated and registered
# TYPE keypair_regenerations_total counter
keypair_regenerations_total{reason="provision",service="keyx-test"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "keypair_regenerations_total"))
	})

	t.Run("waits out registry lag", func(t *testing.T) {
		f := newFixture(t, ledger.DevOptions{
			ConfirmationLatency: time.Second,
			PropagationLag:      3 * time.Second,
		}, retry.Fixed(5, time.Second))

		public, err := f.manager.GenerateAndRegister(ctx, alice)
		require.NoError(t, err)

		registered, ok, err := f.ledger.GetPublicKey(ctx, alice)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, registered.SameKey(public))
		// one confirmation wait then three read-back waits
		assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, f.clock.Waits())
	})

	t.Run("lag beyond read-back budget", func(t *testing.T) {
		f := newFixture(t, ledger.DevOptions{PropagationLag: time.Minute}, retry.Fixed(3, time.Second))

		_, err := f.manager.GenerateAndRegister(ctx, alice)
		assert.ErrorIs(t, err, types.ErrRegistrationNotConfirmed)
		assert.ErrorIs(t, err, retry.ErrExhausted)

		var pe *types.ProtocolError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, alice.Normalize(), pe.Identity)
	})

	t.Run("supersedes previous key", func(t *testing.T) {
		f := newFixture(t, ledger.DevOptions{}, retry.Fixed(3, time.Second))

		var notified []string
		f.manager.OnRegenerated(func(ctx context.Context, identity types.Identity, fingerprint string) {
			assert.Equal(t, alice.Normalize(), identity)
			notified = append(notified, fingerprint)
		})

		first, err := f.manager.GenerateAndRegister(ctx, alice)
		require.NoError(t, err)
		second, err := f.manager.GenerateAndRegister(ctx, alice)
		require.NoError(t, err)
		assert.False(t, first.SameKey(second))

		handle, ok, err := f.store.Get(ctx, alice)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, handle.PublicMaterial().SameKey(second))

		registered, _, err := f.ledger.GetPublicKey(ctx, alice)
		require.NoError(t, err)
		assert.True(t, registered.SameKey(second))

		fp2, err := second.Fingerprint()
		require.NoError(t, err)
		require.Len(t, notified, 2)
		assert.Equal(t, fp2, notified[1])

		expected := `
# HELP keypair_regenerations_total Key pairs generated and registered
# TYPE keypair_regenerations_total counter
keypair_regenerations_total{reason="provision",service="keyx-test"} 1
keypair_regenerations_total{reason="regenerate",service="keyx-test"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "keypair_regenerations_total"))
	})

	t.Run("invalid identity", func(t *testing.T) {
		f := newFixture(t, ledger.DevOptions{}, retry.Fixed(3, time.Second))
		_, err := f.manager.GenerateAndRegister(ctx, "not-an-address")
		assert.ErrorIs(t, err, types.ErrInvalidIdentity)
	})
}

func TestManager_RegistryFailures(t *testing.T) {
	ctx := context.Background()
	newManager := func(t *testing.T, store keystore.Store, reg *stubRegistry) *Manager {
		m, err := NewManager(Options{
			Store:    store,
			Registry: reg,
			Readback: retry.Fixed(2, time.Millisecond),
			Clock:    retry.NewFakeClock(time.Unix(0, 0)),
			Generate: keytest.Generator(0),
		})
		require.NoError(t, err)
		return m
	}

	t.Run("submission failure", func(t *testing.T) {
		m := newManager(t, keystore.NewMemoryStore(), &stubRegistry{registerErr: errors.New("connection refused")})
		_, err := m.GenerateAndRegister(ctx, alice)
		assert.ErrorIs(t, err, types.ErrCollaboratorUnavailable)
	})

	t.Run("protocol error passes through", func(t *testing.T) {
		m := newManager(t, keystore.NewMemoryStore(), &stubRegistry{
			registerErr: types.NewError(types.KindCollaboratorUnavailable, "ledger is unavailable"),
		})
		_, err := m.GenerateAndRegister(ctx, alice)
		assert.ErrorIs(t, err, types.ErrCollaboratorUnavailable)
	})

	t.Run("confirmation failure", func(t *testing.T) {
		m := newManager(t, keystore.NewMemoryStore(), &stubRegistry{confirmErr: context.DeadlineExceeded})
		_, err := m.GenerateAndRegister(ctx, alice)
		assert.ErrorIs(t, err, types.ErrRegistrationNotConfirmed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("legacy artifacts removed", func(t *testing.T) {
		store := &legacyStore{MemoryStore: keystore.NewMemoryStore()}
		m := newManager(t, store, &stubRegistry{})
		_, err := m.GenerateAndRegister(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, []types.Identity{alice.Normalize()}, store.cleaned)
	})
}

func TestManager_PublicMaterial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.DevOptions{}, retry.Fixed(3, time.Second))

	_, ok, err := f.manager.PublicMaterial(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	public, err := f.manager.GenerateAndRegister(ctx, alice)
	require.NoError(t, err)

	got, ok, err := f.manager.PublicMaterial(ctx, alice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.SameKey(public))
}
