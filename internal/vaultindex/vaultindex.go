// Package vaultindex persists the two keyed maps the reconciler compares
// every cycle: the local index (per-device, never uploaded) and the
// remote index (mirrored to the vault so every device sees the same
// baseline). Both are plain JSON files written through a single
// temp-file-then-rename entry point, adapted from the self-update
// package's atomic binary replacement so a crash mid-write never leaves a
// torn index on disk.
package vaultindex

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PendingTransfer marks that a deferred transfer-queue item exists for
// this entry's path. It is set iff a matching queue item is pending.
type PendingTransfer struct {
	Direction    string    `json:"direction"` // push, pull
	SnapshotHash string    `json:"snapshot_hash"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Entry is one path's synchronization baseline.
type Entry struct {
	FileID          string           `json:"file_id,omitempty"`
	Hash            string           `json:"hash"`
	PlainHash       string           `json:"plain_hash"`
	AncestorHash    string           `json:"ancestor_hash"`
	Size            int64            `json:"size"`
	MTime           time.Time        `json:"mtime"`
	LastAction      string           `json:"last_action"` // push, pull, merge
	PendingTransfer *PendingTransfer `json:"pending_transfer,omitempty"`
}

// Index is a keyed map of vault-relative path to Entry, persisted as a
// single JSON document.
type Index struct {
	Entries map[string]Entry `json:"entries"`
}

// legacyEntry is the old flat representation this package migrates away
// from: it had no ancestor_hash or last_action field.
type legacyEntry struct {
	Hash  string    `json:"hash"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// New returns an empty Index.
func New() *Index {
	return &Index{Entries: make(map[string]Entry)}
}

// Load reads an Index from path. A gzip-compressed file is detected by its
// magic bytes and transparently decompressed. A missing file yields a
// fresh empty Index, not an error — the first sync cycle on a new device
// has nothing to load yet.
func Load(path string) (*Index, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator-configured, not user input
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("vaultindex: reading %s: %w", path, err)
	}

	raw, err = maybeDecompress(raw)
	if err != nil {
		return nil, fmt.Errorf("vaultindex: decompressing %s: %w", path, err)
	}

	idx, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("vaultindex: decoding %s: %w", path, err)
	}
	return idx, nil
}

func maybeDecompress(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	gr, err := gzip.NewReader(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// decode tries the current Index shape first, then falls back to the
// legacy flat shape and migrates it in place: ancestor_hash ← hash,
// last_action ← "push".
func decode(raw []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(raw, &idx); err == nil && idx.Entries != nil {
		return &idx, nil
	}

	var legacy map[string]legacyEntry
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("neither current nor legacy index shape: %w", err)
	}
	migrated := New()
	for path, le := range legacy {
		migrated.Entries[path] = Entry{
			Hash:         le.Hash,
			AncestorHash: le.Hash,
			Size:         le.Size,
			MTime:        le.MTime,
			LastAction:   "push",
		}
	}
	return migrated, nil
}

// SaveOptions controls how Save persists an Index.
type SaveOptions struct {
	Compress bool
}

// Save writes idx to path atomically: encode to a temp file in the same
// directory, fsync, then rename over the destination. A partial write or a
// crash mid-rename never corrupts the existing file.
func Save(path string, idx *Index, opts SaveOptions) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("vaultindex: encoding: %w", err)
	}
	if opts.Compress {
		data, err = compress(data)
		if err != nil {
			return fmt.Errorf("vaultindex: compressing: %w", err)
		}
	}
	return atomicWrite(path, data)
}

func compress(data []byte) ([]byte, error) {
	var buf strings.Builder
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vaultindex-*")
	if err != nil {
		return fmt.Errorf("vaultindex: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("vaultindex: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("vaultindex: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("vaultindex: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("vaultindex: renaming into place: %w", err)
	}
	return nil
}

// Store bundles the local and remote indices plus the paths they persist
// to, and implements the two-write self-reference:
// after a remote-index upload returns the server-assigned hash for the
// remote index file itself, the caller updates that one entry and
// persists the local copy a second time so the next load sees a
// consistent loop.
type Store struct {
	LocalPath  string
	RemotePath string
	Local      *Index
	Remote     *Index
	Compress   bool
}

// Open loads both indices, creating empty ones if absent.
func Open(localPath, remotePath string, compress bool) (*Store, error) {
	local, err := Load(localPath)
	if err != nil {
		return nil, err
	}
	remote, err := Load(remotePath)
	if err != nil {
		return nil, err
	}
	return &Store{LocalPath: localPath, RemotePath: remotePath, Local: local, Remote: remote, Compress: compress}, nil
}

// PersistLocal writes the local index atomically.
func (s *Store) PersistLocal() error {
	return Save(s.LocalPath, s.Local, SaveOptions{Compress: s.Compress})
}

// PersistRemote writes the remote index atomically. Callers must still
// upload this file through the Adapter; persisting only updates the local
// on-disk copy that will be uploaded.
func (s *Store) PersistRemote() error {
	return Save(s.RemotePath, s.Remote, SaveOptions{Compress: s.Compress})
}

// RecordRemoteIndexSelfHash updates the local index's entry for the remote
// index file's path with the hash the adapter returned after upload, then
// persists the local copy a second time. The second write is intentional:
// it closes the loop between "what the remote index file's hash now is"
// and "what the local index remembers that hash to be".
func (s *Store) RecordRemoteIndexSelfHash(remoteIndexPath, newHash string, size int64, mtime time.Time) error {
	entry := s.Local.Entries[remoteIndexPath]
	entry.Hash = newHash
	entry.Size = size
	entry.MTime = mtime
	entry.LastAction = "push"
	s.Local.Entries[remoteIndexPath] = entry
	return s.PersistLocal()
}
