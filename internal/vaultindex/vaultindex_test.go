package vaultindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestSaveLoadRoundTrip verifies that an Index written with Save reads
// back identically through Load.
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")

	idx := New()
	idx.Entries["docs/a.txt"] = Entry{Hash: "abc123", AncestorHash: "abc123", Size: 10, LastAction: "push"}

	if err := Save(path, idx, SaveOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := loaded.Entries["docs/a.txt"]
	if !ok {
		t.Fatal("missing entry after round trip")
	}
	if got.Hash != "abc123" || got.Size != 10 {
		t.Errorf("entry = %+v, want hash abc123 size 10", got)
	}
}

// TestSaveCompressedRoundTrip verifies that a gzip-compressed index is
// transparently decompressed on Load.
func TestSaveCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json.gz")

	idx := New()
	idx.Entries["a"] = Entry{Hash: "h1"}
	if err := Save(path, idx, SaveOptions{Compress: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Entries["a"].Hash != "h1" {
		t.Errorf("got %+v", loaded.Entries["a"])
	}
}

// TestLoadMissingFileReturnsEmptyIndex verifies a fresh device with no
// on-disk index yet gets an empty Index, not an error.
func TestLoadMissingFileReturnsEmptyIndex(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(idx.Entries) != 0 {
		t.Errorf("expected empty index, got %d entries", len(idx.Entries))
	}
}

// TestLoadMigratesLegacyFlatShape verifies that an old flat
// path→{hash,size,mtime} document is upgraded in place: ancestor_hash is
// filled from hash and last_action is set to "push".
func TestLoadMigratesLegacyFlatShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")

	legacy := map[string]legacyEntry{
		"readme.md": {Hash: "deadbeef", Size: 42, MTime: time.Unix(1000, 0)},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	idx, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := idx.Entries["readme.md"]
	if !ok {
		t.Fatal("migrated index missing entry")
	}
	if entry.AncestorHash != "deadbeef" {
		t.Errorf("ancestor_hash = %q, want %q", entry.AncestorHash, "deadbeef")
	}
	if entry.LastAction != "push" {
		t.Errorf("last_action = %q, want push", entry.LastAction)
	}
}

// TestRecordRemoteIndexSelfHash verifies the two-write self-reference
// behavior: updating the remote index's own hash persists the local index
// a second time with the new value recorded against the remote index's
// own path.
func TestRecordRemoteIndexSelfHash(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "local.json"), filepath.Join(dir, "remote.json"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const remoteIndexPath = ".vaultsync/remote-index.json"
	if err := store.RecordRemoteIndexSelfHash(remoteIndexPath, "serverhash1", 128, time.Unix(2000, 0)); err != nil {
		t.Fatalf("RecordRemoteIndexSelfHash: %v", err)
	}

	reloaded, err := Load(store.LocalPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entry, ok := reloaded.Entries[remoteIndexPath]
	if !ok {
		t.Fatal("self-reference entry missing after persist")
	}
	if entry.Hash != "serverhash1" || entry.Size != 128 {
		t.Errorf("entry = %+v, want hash serverhash1 size 128", entry)
	}
}
