package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/medrex/dlt-keyx/internal/access"
	"github.com/medrex/dlt-keyx/internal/document"
	"github.com/medrex/dlt-keyx/internal/keypair"
	"github.com/medrex/dlt-keyx/internal/ledger"
	"github.com/medrex/dlt-keyx/internal/records"
	"github.com/medrex/dlt-keyx/internal/storage"
	"github.com/medrex/dlt-keyx/internal/verifier"
	"github.com/medrex/dlt-keyx/pkg/config"
	"github.com/medrex/dlt-keyx/pkg/database"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/keystore"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/retry"
)

// app holds every component built from the configuration
type app struct {
	cfg      *config.Config
	logger   *logger.Logger
	metrics  *monitoring.Metrics
	tracing  *monitoring.TracingManager
	monitor  *monitoring.MonitoringMiddleware
	ledger   ledger.Ledger
	storage  storage.Gateway
	keys     keystore.Store
	manager  *keypair.Manager
	verifier *verifier.Verifier
	access   *access.Protocol
	records  *records.Service
	health   *monitoring.HealthManager

	closers []io.Closer
}

// appOptions carries what the command line adds to the configuration
type appOptions struct {
	dataDir string
	decider verifier.Decider
	// generate overrides key generation, for tests
	generate func() (*encryption.PrivateHandle, error)
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	log := logger.NewWithOutput(cfg.LogLevel, os.Stderr)
	a := &app{cfg: cfg, logger: log, health: monitoring.NewHealthManager("keyx", version)}
	if err := a.wire(ctx, opts); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) (err error) {
	cfg, log := a.cfg, a.logger

	if cfg.Monitoring.Enabled {
		a.metrics = monitoring.NewMetrics("keyx")
	}
	if a.tracing, err = monitoring.NewTracingManager(cfg.Monitoring.Tracing, version); err != nil {
		return err
	}
	a.monitor = monitoring.NewMonitoringMiddleware(a.metrics, a.tracing, log)

	if a.ledger, err = a.openLedger(opts.dataDir); err != nil {
		return err
	}
	if a.storage, err = a.openStorage(opts.dataDir); err != nil {
		return err
	}
	if a.keys, err = a.openKeystore(ctx, opts.dataDir); err != nil {
		return err
	}

	a.manager, err = keypair.NewManager(keypair.Options{
		Store:               a.keys,
		Registry:            a.ledger,
		ConfirmationTimeout: cfg.Ledger.ConfirmationTimeout,
		Readback:            retry.Fixed(cfg.Registry.ReadbackAttempts, cfg.Registry.ReadbackInterval),
		Generate:            opts.generate,
		Monitor:             a.monitor,
		Logger:              log,
	})
	if err != nil {
		return err
	}

	a.verifier, err = verifier.New(verifier.Options{
		Store:       a.keys,
		Registry:    a.ledger,
		Provisioner: a.manager,
		Policy:      verifier.Policy(cfg.Verifier.DivergencePolicy),
		Decider:     opts.decider,
		Pending:     verifier.SharedRecordsChecker{Ledger: a.ledger},
		Monitor:     a.monitor,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	a.access, err = access.New(access.Options{Ledger: a.ledger, Registry: a.ledger, Monitor: a.monitor, Logger: log})
	if err != nil {
		return err
	}
	sealer, err := document.NewSealer(document.SealerOptions{Publisher: a.ledger, Storage: a.storage, Monitor: a.monitor, Logger: log})
	if err != nil {
		return err
	}
	codec, err := document.NewCodec(document.CodecOptions{Keys: a.access, Directory: a.ledger, Storage: a.storage, Monitor: a.monitor, Logger: log})
	if err != nil {
		return err
	}
	a.records, err = records.NewService(records.Options{
		Verifier: a.verifier,
		Keys:     a.keys,
		Access:   a.access,
		Sealer:   sealer,
		Codec:    codec,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	a.health.RegisterChecker("ledger", monitoring.NewPingHealthChecker(a.ledger))
	// key operations keep working while the storage gateway is down
	a.health.RegisterOptional("storage", monitoring.NewPingHealthChecker(a.storage))
	return nil
}

func dataPath(dataDir, configured, name string) string {
	if configured != "" {
		return configured
	}
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, name)
}

func (a *app) openLedger(dataDir string) (ledger.Ledger, error) {
	cfg := a.cfg.Ledger
	var next ledger.Ledger
	switch cfg.Mode {
	case config.LedgerModeGateway:
		gw, err := ledger.NewGatewayClient(ledger.GatewayConfig{
			Endpoint:       cfg.Endpoint,
			JWTSecret:      cfg.JWTSecret,
			Issuer:         cfg.Issuer,
			TokenTTL:       cfg.TokenTTL,
			RequestTimeout: cfg.RequestTimeout,
			PollInterval:   cfg.PollInterval,
			Logger:         a.logger,
		})
		if err != nil {
			return nil, err
		}
		next = gw
	case config.LedgerModeDev:
		dev, err := ledger.NewDevLedger(ledger.DevOptions{
			Path:                dataPath(dataDir, cfg.DevPath, "ledger"),
			ConfirmationLatency: cfg.ConfirmationLatency,
			PropagationLag:      cfg.PropagationLag,
			Logger:              a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, dev)
		next = dev
	default:
		return nil, fmt.Errorf("invalid ledger mode: %q", cfg.Mode)
	}
	return ledger.NewRetrying(next, ledger.RetryingOptions{
		Policy:  cfg.Retry.Policy(),
		Monitor: a.monitor,
		Logger:  a.logger,
	}), nil
}

func (a *app) openStorage(dataDir string) (storage.Gateway, error) {
	cfg := a.cfg.Storage
	var next storage.Gateway
	switch cfg.Mode {
	case config.StorageModeGateway:
		gw, err := storage.NewHTTPGateway(storage.HTTPOptions{
			Endpoint:       cfg.Endpoint,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         a.logger,
		})
		if err != nil {
			return nil, err
		}
		next = gw
	case config.StorageModeLocal:
		path := dataPath(dataDir, cfg.LocalPath, "bundles")
		if path == "" {
			return nil, fmt.Errorf("storage local_path or a data directory is required in local mode")
		}
		cas, err := storage.NewLocalCAS(storage.LocalOptions{Path: path, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cas)
		next = cas
	default:
		return nil, fmt.Errorf("invalid storage mode: %q", cfg.Mode)
	}
	return storage.NewRetrying(next, storage.RetryingOptions{
		Policy:  cfg.Retry.Policy(),
		Monitor: a.monitor,
		Logger:  a.logger,
	}), nil
}

func (a *app) openKeystore(ctx context.Context, dataDir string) (keystore.Store, error) {
	cfg := a.cfg.Keystore
	if cfg.Backend == config.KeystoreMemory {
		if dataPath(dataDir, a.cfg.Ledger.DevPath, "ledger") != "" {
			return nil, fmt.Errorf("the memory key store cannot be paired with a persistent ledger: configure keystore.backend badger or run without a data directory")
		}
		return keystore.NewMemoryStore(), nil
	}

	kek, err := encryption.DeriveDeviceKEK([]byte(cfg.DeviceSecret), cfg.Salt)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.KeystoreBadger:
		store, err := keystore.NewBadgerStore(keystore.BadgerConfig{
			Path:      dataPath(dataDir, cfg.Path, "keys"),
			DeviceKEK: kek,
			Logger:    a.logger.Logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case config.KeystoreSQL:
		db, err := database.NewConnection(ctx, &a.cfg.Database, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		if err := db.CreateSchema(ctx); err != nil {
			return nil, err
		}
		a.health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))
		return keystore.NewSQLStore(db.DB, kek, a.logger)
	}
	return nil, fmt.Errorf("invalid keystore backend: %q", cfg.Backend)
}

// Close releases every opened resource in reverse order
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}
}
