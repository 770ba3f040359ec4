// Package synclock implements the distributed merge lock: a JSON
// "communication file" on the shared remote store maps path → holder,
// guarded by an optimistic read-write-read protocol rather than a real
// compare-and-swap, because the Adapter contract promises no such
// primitive. Acquisition re-reads the document after writing and backs
// off if another device's write raced in first.
package synclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
)

// DefaultTTL is the lock lifetime after which any device may treat a
// held lock as abandoned.
const DefaultTTL = 5 * time.Minute

// LockEntry is one path's merge-lock state within the communication doc.
type LockEntry struct {
	HolderDeviceID string        `json:"holder_device_id"`
	AcquiredAt     time.Time     `json:"acquired_at"`
	TTL            time.Duration `json:"ttl"`
}

func (e LockEntry) expired(now time.Time) bool {
	return now.Sub(e.AcquiredAt) > e.TTL
}

// Doc is the full communication document. Only
// MergeLocks is mutated by this package; DeviceMessages is preserved
// verbatim across read-modify-write cycles for whatever other subsystem
// populates it.
type Doc struct {
	MergeLocks     map[string]LockEntry `json:"merge_locks"`
	DeviceMessages json.RawMessage      `json:"device_messages,omitempty"`
}

func newDoc() *Doc {
	return &Doc{MergeLocks: make(map[string]LockEntry)}
}

// CheckResult is the read-only answer to Check.
type CheckResult struct {
	Locked    bool
	Holder    string
	ExpiresIn time.Duration
}

// Cache is an optional read-through accelerant in front of the
// communication file, so a device polling lock state doesn't round-trip to
// the remote store on every check. Locker works without one.
type Cache interface {
	Get(ctx context.Context, path string) (LockEntry, bool, error)
	Set(ctx context.Context, path string, entry LockEntry, ttl time.Duration) error
	Invalidate(ctx context.Context, path string) error
}

// Notifier optionally wakes peer devices waiting on a lock release instead
// of leaving them to poll the communication file on a timer.
type Notifier interface {
	PublishReleased(ctx context.Context, path string) error
}

// Locker acquires and releases merge locks against a communication document
// stored through an Adapter.
type Locker struct {
	inner    adapter.Adapter
	docPath  string
	deviceID string
	ttl      time.Duration

	cache    Cache
	notifier Notifier
}

// New builds a Locker. docPath is the fixed remote path of the
// communication document. ttl of zero uses DefaultTTL.
func New(inner adapter.Adapter, docPath, deviceID string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{inner: inner, docPath: docPath, deviceID: deviceID, ttl: ttl}
}

// WithCache attaches a read-through cache for Check calls.
func (l *Locker) WithCache(c Cache) *Locker {
	l.cache = c
	return l
}

// WithNotifier attaches a wake-notification publisher fired on Release.
func (l *Locker) WithNotifier(n Notifier) *Locker {
	l.notifier = n
	return l
}

// Acquire attempts to take the merge lock on path. A false result with a
// nil error means the path is already validly held by another device, or
// this device's write raced with another's — both are "try again later",
// not an error.
func (l *Locker) Acquire(ctx context.Context, path string) (bool, error) {
	doc, existingID, err := l.loadDoc(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now()
	pruneExpired(doc, now)

	if entry, held := doc.MergeLocks[path]; held && entry.HolderDeviceID != l.deviceID {
		return false, nil
	}

	doc.MergeLocks[path] = LockEntry{HolderDeviceID: l.deviceID, AcquiredAt: now, TTL: l.ttl}
	if err := l.saveDoc(ctx, doc, existingID); err != nil {
		return false, err
	}
	if l.cache != nil {
		_ = l.cache.Invalidate(ctx, path)
	}

	// Read-your-write check: another device may have clobbered this entry
	// between our write and now.
	readBack, _, err := l.loadDoc(ctx)
	if err != nil {
		return false, err
	}
	entry, ok := readBack.MergeLocks[path]
	if !ok || entry.HolderDeviceID != l.deviceID {
		return false, nil
	}
	return true, nil
}

// Release drops the lock on path if this device holds it. Releasing a lock
// this device does not hold is a no-op, not an error.
func (l *Locker) Release(ctx context.Context, path string) error {
	doc, existingID, err := l.loadDoc(ctx)
	if err != nil {
		return err
	}
	entry, held := doc.MergeLocks[path]
	if !held || entry.HolderDeviceID != l.deviceID {
		return nil
	}
	delete(doc.MergeLocks, path)
	if err := l.saveDoc(ctx, doc, existingID); err != nil {
		return err
	}
	if l.cache != nil {
		_ = l.cache.Invalidate(ctx, path)
	}
	if l.notifier != nil {
		_ = l.notifier.PublishReleased(ctx, path)
	}
	return nil
}

// Check reports the current lock state for path without mutating it. A
// cache hit (if configured) avoids the round trip to the communication
// file entirely.
func (l *Locker) Check(ctx context.Context, path string) (CheckResult, error) {
	now := time.Now()
	if l.cache != nil {
		if entry, ok, err := l.cache.Get(ctx, path); err == nil && ok {
			if entry.expired(now) {
				return CheckResult{Locked: false}, nil
			}
			return CheckResult{Locked: true, Holder: entry.HolderDeviceID, ExpiresIn: entry.TTL - now.Sub(entry.AcquiredAt)}, nil
		}
	}

	doc, _, err := l.loadDoc(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	entry, held := doc.MergeLocks[path]
	if !held || entry.expired(now) {
		return CheckResult{Locked: false}, nil
	}
	if l.cache != nil {
		remaining := entry.TTL - now.Sub(entry.AcquiredAt)
		_ = l.cache.Set(ctx, path, entry, remaining)
	}
	return CheckResult{Locked: true, Holder: entry.HolderDeviceID, ExpiresIn: entry.TTL - now.Sub(entry.AcquiredAt)}, nil
}

// ListLocks returns every currently-valid (non-expired) lock in the
// communication document, for operator tooling that needs to see the whole
// picture rather than check one path at a time (e.g. `vault-cli locks`).
// It does not consult or populate the cache, since a full listing is
// inherently a cold read of the document.
func (l *Locker) ListLocks(ctx context.Context) (map[string]LockEntry, error) {
	doc, _, err := l.loadDoc(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make(map[string]LockEntry, len(doc.MergeLocks))
	for path, entry := range doc.MergeLocks {
		if !entry.expired(now) {
			out[path] = entry
		}
	}
	return out, nil
}

func pruneExpired(doc *Doc, now time.Time) {
	for path, entry := range doc.MergeLocks {
		if entry.expired(now) {
			delete(doc.MergeLocks, path)
		}
	}
}

// loadDoc downloads and decodes the communication document. A missing
// document is not an error — the first device to ever take a lock creates
// it. existingID is empty when the document does not exist yet, so the
// caller's subsequent UploadFile creates rather than replaces.
func (l *Locker) loadDoc(ctx context.Context) (*Doc, string, error) {
	rec, err := l.inner.GetFileMetadata(ctx, l.docPath)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return newDoc(), "", nil
		}
		return nil, "", fmt.Errorf("synclock: reading %s metadata: %w", l.docPath, err)
	}
	if rec == nil {
		return newDoc(), "", nil
	}
	raw, err := l.inner.DownloadFile(ctx, rec.ID)
	if err != nil {
		return nil, "", fmt.Errorf("synclock: downloading %s: %w", l.docPath, err)
	}
	var doc Doc
	if len(raw) == 0 {
		return newDoc(), rec.ID, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("synclock: decoding %s: %w", l.docPath, err)
	}
	if doc.MergeLocks == nil {
		doc.MergeLocks = make(map[string]LockEntry)
	}
	return &doc, rec.ID, nil
}

func (l *Locker) saveDoc(ctx context.Context, doc *Doc, existingID string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("synclock: encoding %s: %w", l.docPath, err)
	}
	if _, err := l.inner.UploadFile(ctx, l.docPath, data, time.Now(), existingID); err != nil {
		return fmt.Errorf("synclock: uploading %s: %w", l.docPath, err)
	}
	return nil
}
