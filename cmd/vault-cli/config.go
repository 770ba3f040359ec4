package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// S3Config names the bucket connection parameters passed straight through
// to s3adapter.Config.
type S3Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Versioned bool   `json:"versioned,omitempty"`
}

// Config is vault-cli's on-disk configuration document, one per vault.
type Config struct {
	DeviceID string `json:"device_id"`
	VaultRoot string `json:"vault_root"`
	DataDir   string `json:"data_dir,omitempty"`

	// Backend selects the Adapter implementation: "s3" (default) or
	// "memory" (a process-local adapter useful only for a single
	// invocation — there is nothing on the other end for a second
	// process to see).
	Backend string   `json:"backend,omitempty"`
	S3      S3Config `json:"s3,omitempty"`

	Encrypted           bool     `json:"encrypted,omitempty"`
	EncryptionThreshold int64    `json:"encryption_threshold,omitempty"`
	ExcludeGlobs        []string `json:"exclude_globs,omitempty"`

	// RedisAddr and NatsURL are optional accelerants for the distributed
	// merge lock: a read-through cache and a cross-device wake
	// notification channel, respectively. Empty means "communication
	// file only".
	RedisAddr string `json:"redis_addr,omitempty"`
	NatsURL   string `json:"nats_url,omitempty"`

	BgTransferIntervalSec int `json:"bg_transfer_interval_sec,omitempty"`
}

func (c *Config) defaults() {
	if c.DeviceID == "" {
		c.DeviceID = uuid.New().String()
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.VaultRoot, ".vaultsync")
	}
	if c.Backend == "" {
		c.Backend = "s3"
	}
	if c.EncryptionThreshold == 0 {
		c.EncryptionThreshold = 5 * 1024 * 1024 // 5 MiB, matches the streaming batch size
	}
}

func defaultConfigPath(vaultRoot string) string {
	return filepath.Join(vaultRoot, ".vaultsync", "config.json")
}

// LoadConfig reads path, defaulting VaultRoot to vaultRoot if the document
// leaves it blank (the common case: the config lives inside the vault it
// describes). A missing file is not an error — it yields a fresh Config
// rooted at vaultRoot so `vault-cli sync` works against a brand-new vault
// without a prior `init` step.
func LoadConfig(path, vaultRoot string) (*Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if os.IsNotExist(err) {
		cfg := &Config{VaultRoot: vaultRoot}
		cfg.defaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if cfg.VaultRoot == "" {
		cfg.VaultRoot = vaultRoot
	}
	cfg.defaults()
	return &cfg, nil
}

// Save persists cfg to path, creating its parent directory if needed. Used
// by `vault-cli migrate` to record Encrypted=true after a successful run,
// and available to an operator hand-editing the device id or backend.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// deviceLogDir is the per-device transfer-history directory.
func (c *Config) deviceLogDir() string {
	return filepath.Join(c.DataDir, "logs", c.DeviceID)
}

func (c *Config) localIndexPath() string {
	return filepath.Join(c.DataDir, "data", "local", "local-index.json")
}

// remoteIndexRelPath is the fixed remote (adapter-relative) path of the
// uploaded copy of the remote index.
const remoteIndexRelPath = "data/remote/sync-index.json"

// remoteIndexLocalCachePath is where the Store keeps its own read/write
// copy of the remote index between uploads.
func (c *Config) remoteIndexLocalCachePath() string {
	return filepath.Join(c.DataDir, "data", "remote", "sync-index.json")
}

const (
	communicationDocPath = "data/remote/communication.json"
	vaultLockPath        = "data/remote/vault-lock.vault"
	migrationLockPath    = "migration.lock"
)

func (c *Config) secretStorePath() string {
	return filepath.Join(c.DataDir, "data", "local", ".sync-state")
}

// passphraseFromEnv reads the file-based secret-store passphrase, falling
// back to a device-scoped default derived from the device id so a vault
// with no operator-supplied passphrase still gets an encrypted-at-rest
// secret store rather than none at all.
func passphraseFromEnv(deviceID string) string {
	if p := os.Getenv("VAULTSYNC_STORE_PASSPHRASE"); p != "" {
		return p
	}
	return "vaultsync-default-" + deviceID
}

// migrationBackupPrefix mirrors migration.Config.defaults()'s timestamped
// backup prefix; the CLI passes it to the coordinator as
// migration.Config.BackupPrefix.
func migrationBackupPrefix(now time.Time) string {
	return ".vaultsync-backup/" + now.UTC().Format("20060102-150405")
}
