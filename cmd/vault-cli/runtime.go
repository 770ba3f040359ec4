package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/adapter/memadapter"
	"github.com/rybkr/vaultsync/internal/adapter/s3adapter"
	"github.com/rybkr/vaultsync/internal/cryptoadapter"
	"github.com/rybkr/vaultsync/internal/cryptocodec"
	"github.com/rybkr/vaultsync/internal/dirty"
	"github.com/rybkr/vaultsync/internal/eventbus"
	"github.com/rybkr/vaultsync/internal/metrics"
	"github.com/rybkr/vaultsync/internal/migration"
	"github.com/rybkr/vaultsync/internal/orchestrator"
	"github.com/rybkr/vaultsync/internal/pathfilter"
	"github.com/rybkr/vaultsync/internal/secretstore"
	"github.com/rybkr/vaultsync/internal/synclock"
	"github.com/rybkr/vaultsync/internal/transferqueue"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

// Runtime bundles one invocation's wired-up core: the Adapter (possibly
// wrapped with client-side encryption), the index store, and every
// collaborator the orchestrator needs. Built fresh per command since
// vault-cli is a one-shot operator tool, not a long-lived daemon — except
// for `watch`, which keeps it alive for the process's lifetime.
type Runtime struct {
	cfg *Config

	plainAdapter adapter.Adapter // always unencrypted; migration needs this directly
	adapter      adapter.Adapter // what the orchestrator talks to (wrapped if Encrypted)

	fs      *orchestrator.LocalFS
	index   *vaultindex.Store
	filter  *pathfilter.Filter
	dirty   *dirty.Tracker
	history *transferqueue.History
	queue   *transferqueue.Queue
	locker  *synclock.Locker
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
	secrets *secretstore.Store

	closers []func()
}

// Close releases every background resource the runtime opened (history
// file handles, Redis/NATS connections, the event bus's broadcast loop).
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// buildRuntime wires one vault's adapter, index store, transfer queue,
// merge lock, and orchestrator from cfg, building the Adapter first and
// then the layers that
// sit on top of it).
func buildRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{cfg: cfg}

	plain, err := buildAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.plainAdapter = plain

	secrets, err := secretstore.Open(cfg.secretStorePath(), passphraseFromEnv(cfg.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("vault-cli: opening secret store: %w", err)
	}
	rt.secrets = secrets

	rt.adapter = plain
	if cfg.Encrypted {
		wrapped, err := rt.withEncryption(ctx, plain, cfg)
		if err != nil {
			return nil, err
		}
		rt.adapter = wrapped
	}

	rt.filter = pathfilter.New(cfg.ExcludeGlobs)
	rt.dirty = dirty.New(nil)
	rt.fs = orchestrator.NewLocalFS(cfg.VaultRoot, rt.filter)

	idx, err := vaultindex.Open(cfg.localIndexPath(), cfg.remoteIndexLocalCachePath(), true)
	if err != nil {
		return nil, fmt.Errorf("vault-cli: opening index store: %w", err)
	}
	rt.index = idx

	history, err := transferqueue.OpenHistory(cfg.deviceLogDir())
	if err != nil {
		return nil, fmt.Errorf("vault-cli: opening transfer history: %w", err)
	}
	rt.history = history
	rt.closers = append(rt.closers, func() { _ = history.Close() })

	rt.queue = transferqueue.New(history)

	locker := synclock.New(rt.adapter, communicationDocPath, cfg.DeviceID, 0)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = locker.WithCache(synclock.NewRedisCache(client, "vaultsync:lock:"))
		rt.closers = append(rt.closers, func() { _ = client.Close() })
	}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("vault-cli: connecting to NATS: %w", err)
		}
		locker = locker.WithNotifier(synclock.NewNatsNotifier(nc, "vaultsync.lock."))
		rt.closers = append(rt.closers, nc.Close)
	}
	rt.locker = locker

	rt.bus = eventbus.New(logger)
	rt.closers = append(rt.closers, rt.bus.Close)

	rt.metrics = metrics.New()

	rt.orch = orchestrator.New(orchestrator.Config{
		DeviceID:         cfg.DeviceID,
		RemoteIndexPath:  remoteIndexRelPath,
		CommunicationDoc: communicationDocPath,
		DeferThreshold:   cfg.EncryptionThreshold,
		Logger:           logger,
	}, rt.adapter, rt.fs, rt.index, rt.filter, rt.dirty, rt.queue, rt.locker, rt.bus, rt.metrics)

	return rt, nil
}

func buildAdapter(ctx context.Context, cfg *Config) (adapter.Adapter, error) {
	switch cfg.Backend {
	case "memory":
		return memadapter.New(), nil
	case "s3", "":
		s3cfg := s3adapter.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: firstNonEmpty(cfg.S3.AccessKey, os.Getenv("AWS_ACCESS_KEY_ID")),
			SecretKey: firstNonEmpty(cfg.S3.SecretKey, os.Getenv("AWS_SECRET_ACCESS_KEY")),
			Prefix:    cfg.S3.Prefix,
			Versioned: cfg.S3.Versioned,
		}
		a, err := s3adapter.New(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("vault-cli: building s3 adapter: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("vault-cli: unknown backend %q", cfg.Backend)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// withEncryption downloads vault-lock, unwraps the master key under the
// operator-supplied password, and returns a cryptoadapter.Adapter wrapping
// plain. Returns an error naming the missing VAULTSYNC_PASSWORD env var if
// the vault is marked Encrypted but no password was supplied — there is no
// silent plaintext fallback for an encrypted vault.
func (rt *Runtime) withEncryption(ctx context.Context, plain adapter.Adapter, cfg *Config) (adapter.Adapter, error) {
	password := os.Getenv("VAULTSYNC_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("vault-cli: vault is encrypted; set VAULTSYNC_PASSWORD")
	}
	rec, err := plain.GetFileMetadata(ctx, vaultLockPath)
	if err != nil {
		return nil, fmt.Errorf("vault-cli: reading vault-lock metadata: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("vault-cli: vault is marked encrypted but %s is missing", vaultLockPath)
	}
	blob, err := plain.DownloadFile(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("vault-cli: downloading vault-lock: %w", err)
	}
	masterKey, err := migration.UnwrapMasterKey(password, blob)
	if err != nil {
		return nil, fmt.Errorf("vault-cli: unwrapping vault master key: %w", err)
	}
	engine, err := cryptocodec.NewEngine(masterKey)
	if err != nil {
		return nil, fmt.Errorf("vault-cli: building crypto engine: %w", err)
	}
	return cryptoadapter.New(plain, engine, cryptoadapter.Config{Threshold: cfg.EncryptionThreshold}, nil), nil
}
