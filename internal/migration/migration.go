// Package migration implements the migration coordinator: the one-time
// transition of an existing plaintext vault to client-side
// end-to-end encrypted form. The vault's entire contents are re-uploaded,
// encrypted, into a sibling "shadow" folder, then the canonical and shadow
// folders trade places — the original is moved aside as a dated backup
// rather than deleted, so any failure before the swap completes leaves the
// plaintext vault exactly as it was.
package migration

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/cryptoadapter"
	"github.com/rybkr/vaultsync/internal/cryptocodec"
	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/orchestrator"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

// MaxLockAge is how long a migration.lock is honored before a new attempt
// may treat it as abandoned by a crashed device.
const MaxLockAge = time.Hour

const (
	masterKeySize   = 32 // AES-256
	wrapSaltSize    = 16
	wrapPBKDF2Iters = 200_000
)

var (
	// ErrAlreadyEncrypted is returned when a vault-lock already exists:
	// this vault has already been migrated.
	ErrAlreadyEncrypted = errors.New("migration: vault is already encrypted")
	// ErrLockHeld is returned when another device's migration.lock is
	// still within MaxLockAge.
	ErrLockHeld = errors.New("migration: another device is migrating this vault")
	// ErrOrchestratorBusy is returned when a sync cycle is in flight and
	// migration cannot claim the idle orchestrator.
	ErrOrchestratorBusy = errors.New("migration: a sync cycle is in progress")
)

// Filesystem is the local-disk surface the coordinator needs: reading each
// tracked path's current plaintext content.
type Filesystem interface {
	ReadFile(path string) ([]byte, error)
}

// Config tunes one Coordinator.
type Config struct {
	DeviceID string

	MigrationLockPath string
	VaultLockPath     string
	RemoteIndexPath   string
	ShadowPrefix      string
	BackupPrefix      string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MigrationLockPath == "" {
		c.MigrationLockPath = "migration.lock"
	}
	if c.VaultLockPath == "" {
		c.VaultLockPath = "vault-lock"
	}
	if c.RemoteIndexPath == "" {
		c.RemoteIndexPath = "data/remote/sync-index.json"
	}
	if c.ShadowPrefix == "" {
		c.ShadowPrefix = ".vaultsync-migration"
	}
	if c.BackupPrefix == "" {
		c.BackupPrefix = ".vaultsync-backup/" + time.Now().UTC().Format("20060102-150405")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// lockDoc is migration.lock's JSON body.
type lockDoc struct {
	DeviceID string    `json:"device_id"`
	Ts       time.Time `json:"ts"`
}

// Coordinator drives one vault's plaintext-to-encrypted migration.
type Coordinator struct {
	cfg Config

	plain adapter.Adapter // the unencrypted remote adapter
	fs    Filesystem
	index *vaultindex.Store
	orch  *orchestrator.Orchestrator
}

// New builds a Coordinator. plain must be the vault's current
// (unencrypted) Adapter — the one the orchestrator otherwise talks to
// directly when encryption is off.
func New(cfg Config, plain adapter.Adapter, fs Filesystem, idx *vaultindex.Store, orch *orchestrator.Orchestrator) *Coordinator {
	cfg.defaults()
	return &Coordinator{cfg: cfg, plain: plain, fs: fs, index: idx, orch: orch}
}

// Migrate runs the full migration sequence. password derives the key that
// wraps the freshly generated vault master key; the master key itself is
// what cryptocodec.Engine ultimately encrypts file content with, and what
// every device will need to unwrap (out of scope here) to read the vault
// afterward.
func (c *Coordinator) Migrate(ctx context.Context, password string) (err error) {
	if err := c.checkPreconditions(ctx); err != nil {
		return err
	}

	now := time.Now()
	if uploadErr := c.writeLockDoc(ctx, now); uploadErr != nil {
		return fmt.Errorf("migration: writing migration.lock: %w", uploadErr)
	}

	if !c.orch.BeginMigration() {
		_ = c.removeLockDoc(ctx)
		return ErrOrchestratorBusy
	}
	defer func() {
		_ = c.removeLockDoc(ctx)
		if endErr := c.orch.EndMigration(ctx); endErr != nil && err == nil {
			err = endErr
		}
	}()

	masterKey := make([]byte, masterKeySize)
	if _, rerr := io.ReadFull(rand.Reader, masterKey); rerr != nil {
		return fmt.Errorf("migration: generating master key: %w", rerr)
	}
	engine, eerr := cryptocodec.NewEngine(masterKey)
	if eerr != nil {
		return fmt.Errorf("migration: initializing cipher: %w", eerr)
	}

	shadowCrypto := cryptoadapter.New(c.plain, engine, cryptoadapter.Config{}, nil)

	shadowIndex, rerr := c.reuploadAll(ctx, shadowCrypto)
	if rerr != nil {
		return fmt.Errorf("migration: re-uploading vault contents: %w", rerr)
	}

	vaultLock, werr := wrapMasterKey(password, masterKey)
	if werr != nil {
		return fmt.Errorf("migration: wrapping master key: %w", werr)
	}
	if _, uerr := c.plain.UploadFile(ctx, c.shadowPath(c.cfg.VaultLockPath), vaultLock, now, ""); uerr != nil {
		return fmt.Errorf("migration: uploading vault-lock: %w", uerr)
	}

	indexData, merr := json.MarshalIndent(shadowIndex, "", "  ")
	if merr != nil {
		return fmt.Errorf("migration: encoding shadow index: %w", merr)
	}
	if _, uerr := c.plain.UploadFile(ctx, c.shadowPath(c.cfg.RemoteIndexPath), indexData, now, ""); uerr != nil {
		return fmt.Errorf("migration: uploading shadow remote index: %w", uerr)
	}

	if err := c.swap(ctx); err != nil {
		return fmt.Errorf("migration: swapping shadow into place: %w", err)
	}

	c.index.Local = shadowIndex
	c.index.Remote = cloneIndex(shadowIndex)
	if err := c.index.PersistLocal(); err != nil {
		return fmt.Errorf("migration: persisting local index: %w", err)
	}
	if err := c.index.PersistRemote(); err != nil {
		return fmt.Errorf("migration: persisting remote index copy: %w", err)
	}

	shadowCrypto.Cache().Clear()

	return nil
}

func (c *Coordinator) checkPreconditions(ctx context.Context) error {
	vaultLockRec, err := c.plain.GetFileMetadata(ctx, c.cfg.VaultLockPath)
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return fmt.Errorf("migration: checking for vault-lock: %w", err)
	}
	if vaultLockRec != nil {
		return ErrAlreadyEncrypted
	}

	rec, err := c.plain.GetFileMetadata(ctx, c.cfg.MigrationLockPath)
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return fmt.Errorf("migration: checking migration.lock: %w", err)
	}
	if rec == nil {
		return nil
	}

	data, err := c.plain.DownloadFile(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("migration: reading migration.lock: %w", err)
	}
	var doc lockDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("migration: decoding migration.lock: %w", err)
	}
	if doc.DeviceID != c.cfg.DeviceID && time.Since(doc.Ts) < MaxLockAge {
		return ErrLockHeld
	}
	return nil
}

func (c *Coordinator) writeLockDoc(ctx context.Context, now time.Time) error {
	data, err := json.Marshal(lockDoc{DeviceID: c.cfg.DeviceID, Ts: now})
	if err != nil {
		return err
	}
	existing, err := c.plain.GetFileMetadata(ctx, c.cfg.MigrationLockPath)
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return err
	}
	existingID := ""
	if existing != nil {
		existingID = existing.ID
	}
	_, err = c.plain.UploadFile(ctx, c.cfg.MigrationLockPath, data, now, existingID)
	return err
}

func (c *Coordinator) removeLockDoc(ctx context.Context) error {
	rec, err := c.plain.GetFileMetadata(ctx, c.cfg.MigrationLockPath)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec == nil {
		return nil
	}
	return c.plain.DeleteFile(ctx, rec.ID)
}

func (c *Coordinator) shadowPath(path string) string {
	return c.cfg.ShadowPrefix + "/" + path
}

// reserved reports paths that are never re-uploaded as vault content: they are written
// (or already exist) as part of the migration protocol itself.
func (c *Coordinator) reserved(path string) bool {
	return path == c.cfg.MigrationLockPath || path == c.cfg.VaultLockPath || path == c.cfg.RemoteIndexPath ||
		strings.HasPrefix(path, c.cfg.ShadowPrefix+"/") || strings.HasPrefix(path, c.cfg.BackupPrefix+"/")
}

// reuploadAll re-encrypts and re-uploads every currently tracked path into
// the shadow prefix, building the index the shadow vault will use going
// forward. ancestor_hash is seeded to the freshly observed
// hash, since a device adopting the now-encrypted vault has no pre-
// migration merge history to diff against.
func (c *Coordinator) reuploadAll(ctx context.Context, shadow *cryptoadapter.Adapter) (*vaultindex.Index, error) {
	shadowIndex := vaultindex.New()
	for path := range c.index.Local.Entries {
		if c.reserved(path) {
			continue
		}
		content, err := c.fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		rec, err := shadow.UploadFile(ctx, c.shadowPath(path), content, time.Now(), "")
		if err != nil {
			return nil, fmt.Errorf("uploading %s: %w", path, err)
		}
		hash := hashutil.Normalize(rec.Hash)
		shadowIndex.Entries[path] = vaultindex.Entry{
			FileID: rec.ID, Hash: hash, PlainHash: hashutil.Bytes(content),
			AncestorHash: hash, Size: rec.Size, MTime: rec.MTime, LastAction: "push",
		}
	}
	return shadowIndex, nil
}

// swap trades the shadow and canonical prefixes. The Adapter contract has no folder-level
// rename primitive (CreateFolder/MoveFile operate on individual objects),
// so "rename the original folder" is expressed as moving every live
// object into the backup prefix before moving every shadow object into
// the vacated canonical prefix. This is not atomic the way a single
// directory rename would be, but it stays failure-safe in the direction
// that matters: a crash partway through the first loop leaves every
// unmoved object still at its canonical path (the original vault keeps
// working), and a crash partway through the second loop is recoverable by
// re-running the move from the backup and shadow prefixes by hand.
func (c *Coordinator) swap(ctx context.Context) error {
	live, err := c.plain.ListFiles(ctx, "")
	if err != nil {
		return fmt.Errorf("listing canonical objects: %w", err)
	}
	for _, rec := range live {
		if c.reserved(rec.Path) || rec.Path == c.cfg.MigrationLockPath {
			continue
		}
		if _, err := c.plain.MoveFile(ctx, rec.ID, c.cfg.BackupPrefix+"/"+rec.Path, ""); err != nil {
			return fmt.Errorf("backing up %s: %w", rec.Path, err)
		}
	}

	shadowRecords, err := c.plain.ListFiles(ctx, c.cfg.ShadowPrefix+"/")
	if err != nil {
		return fmt.Errorf("listing shadow objects: %w", err)
	}
	for _, rec := range shadowRecords {
		canonical := strings.TrimPrefix(rec.Path, c.cfg.ShadowPrefix+"/")
		if _, err := c.plain.MoveFile(ctx, rec.ID, canonical, ""); err != nil {
			return fmt.Errorf("promoting shadow %s: %w", rec.Path, err)
		}
	}
	return nil
}

func cloneIndex(idx *vaultindex.Index) *vaultindex.Index {
	out := vaultindex.New()
	for k, v := range idx.Entries {
		out.Entries[k] = v
	}
	return out
}

// wrapMasterKey seals masterKey under a PBKDF2 key derived from password,
// following the same envelope shape internal/secretstore uses for its own
// local file: a random salt plus an AES-GCM sealed payload, concatenated
// as salt‖iv‖ciphertext since the vault-lock file has no JSON wrapper of
// its own (it is read back by every device, including ones in other
// languages, as a single opaque blob).
func wrapMasterKey(password string, masterKey []byte) ([]byte, error) {
	salt := make([]byte, wrapSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, wrapPBKDF2Iters, masterKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, masterKey, nil)

	out := make([]byte, 0, len(salt)+len(iv)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnwrapMasterKey reverses wrapMasterKey, for a device adopting an
// already-migrated vault.
func UnwrapMasterKey(password string, blob []byte) ([]byte, error) {
	if len(blob) < wrapSaltSize+12 {
		return nil, fmt.Errorf("migration: vault-lock blob too short")
	}
	salt := blob[:wrapSaltSize]
	rest := blob[wrapSaltSize:]

	key := pbkdf2.Key([]byte(password), salt, wrapPBKDF2Iters, masterKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("migration: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("migration: new gcm: %w", err)
	}
	if len(rest) < aead.NonceSize() {
		return nil, fmt.Errorf("migration: vault-lock blob missing iv")
	}
	iv, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("migration: incorrect password or corrupted vault-lock: %w", err)
	}
	return plaintext, nil
}
