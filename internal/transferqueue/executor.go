package transferqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/metrics"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

// The backoff schedule is 5s*2^(n-1) capped at 60s, three attempts
// before an item is marked failed.
const (
	maxRetries  = 3
	baseBackoff = 5 * time.Second
	maxBackoff  = 60 * time.Second
)

// backoffFor returns the delay before retry attempt n (1-indexed).
func backoffFor(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// CancelError reports a pre-transfer re-check failure: the world moved on
// since the item was enqueued, so the item is cancelled outright — no
// retries, no user-visible error — and the next sync cycle owns the path.
// Distinct from a transient transfer failure, which goes through the retry
// schedule instead.
type CancelError struct {
	Reason string
	// MarkDirty asks the worker to re-mark the path dirty so the next
	// cycle reconciles (and possibly merges) it.
	MarkDirty bool
}

func (e *CancelError) Error() string { return e.Reason }

// Filesystem is the local-disk surface the executor needs: reading a push
// item's current bytes for the staleness re-check, and writing a pull
// item's downloaded bytes to disk. Small and injectable so ExecutePush and
// ExecutePull are unit-testable without a real filesystem, mirroring
// mergeengine's pure-function style.
type Filesystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFileAtomic(path string, data []byte, mtime time.Time) error
	Remove(path string) error
}

// Executor runs one transfer item to completion (or to a terminal failure)
// against a remote Adapter, a local Filesystem, and the index pair the
// reconciler also consumes. A deferred item may sit in the queue long
// enough for the world to have moved on since it was enqueued, so the
// staleness and remote-conflict re-checks run immediately before the
// wire transfer rather than trusting the enqueue-time snapshot.
type Executor struct {
	Remote adapter.Adapter
	FS     Filesystem
	Index  *vaultindex.Store

	// OnDirty is called to clear a path's dirty-tracker mark after a
	// successful push, so the dirty set and the index stay consistent.
	OnDirty func(path string)

	// IsDirty reports whether a path has pending local edits. A pull item
	// whose path is dirty is cancelled: a merge is owed, and overwriting
	// the local edits would lose them.
	IsDirty func(path string) bool

	// MarkDirty re-marks a path dirty when a cancelled item hands its work
	// back to the next sync cycle.
	MarkDirty func(path string)

	// Metrics, when non-nil, receives per-attempt transfer counters.
	Metrics *metrics.Metrics
}

// ExecutePush uploads item's buffered content, after re-verifying the local
// file has not changed again since it was enqueued and the remote has not
// been modified by another device in the meantime. Either re-check failing
// returns a *CancelError rather than an ordinary error.
func (e *Executor) ExecutePush(ctx context.Context, item *Item) error {
	current, err := e.FS.ReadFile(item.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &CancelError{Reason: fmt.Sprintf("%s was removed locally before it could be pushed", item.Path)}
		}
		return fmt.Errorf("transferqueue: re-reading %s before push: %w", item.Path, err)
	}
	if hashutil.Bytes(current) != item.SnapshotHash {
		return &CancelError{
			Reason:    fmt.Sprintf("%s changed again since it was queued, deferring to next cycle", item.Path),
			MarkDirty: true,
		}
	}

	entry := e.Index.Local.Entries[item.Path]
	if entry.FileID != "" {
		remoteRec, err := e.Remote.GetFileMetadataByID(ctx, entry.FileID, item.Path)
		if err != nil && !errors.Is(err, adapter.ErrNotFound) {
			return fmt.Errorf("transferqueue: checking remote state of %s: %w", item.Path, err)
		}
		if remoteRec != nil && remoteRec.HasHash && !hashutil.Equal(remoteRec.Hash, entry.Hash) {
			return &CancelError{
				Reason:    fmt.Sprintf("%s was modified remotely since it was queued, needs reconciliation", item.Path),
				MarkDirty: true,
			}
		}
	}

	rec, err := e.Remote.UploadFile(ctx, item.Path, item.Content, item.MTime, entry.FileID)
	if err != nil {
		return fmt.Errorf("transferqueue: uploading %s: %w", item.Path, err)
	}

	item.RemoteHash = hashutil.Normalize(rec.Hash)
	entry.FileID = rec.ID
	entry.Hash = hashutil.Normalize(rec.Hash)
	entry.PlainHash = hashutil.Normalize(item.SnapshotHash)
	entry.AncestorHash = hashutil.Normalize(rec.Hash)
	entry.Size = rec.Size
	entry.MTime = rec.MTime
	entry.LastAction = "push"
	entry.PendingTransfer = nil
	e.Index.Local.Entries[item.Path] = entry

	if e.OnDirty != nil {
		e.OnDirty(item.Path)
	}
	return nil
}

// ExecutePull downloads the remote content for item and writes it to disk.
// A dirty path cancels the pull outright — a merge is owed and the next
// cycle will produce it — as does the remote object having moved on from
// (or vanished since) the hash observed at enqueue time.
func (e *Executor) ExecutePull(ctx context.Context, item *Item) error {
	if e.IsDirty != nil && e.IsDirty(item.Path) {
		return &CancelError{Reason: fmt.Sprintf("%s has local edits pending merge, refusing to overwrite", item.Path)}
	}

	entry := e.Index.Local.Entries[item.Path]
	rec, err := e.Remote.GetFileMetadata(ctx, item.Path)
	if err != nil {
		return fmt.Errorf("transferqueue: checking remote state of %s: %w", item.Path, err)
	}
	if rec == nil {
		return &CancelError{Reason: fmt.Sprintf("%s no longer exists remotely, needs reconciliation", item.Path)}
	}
	if rec.HasHash && item.SnapshotHash != "" && !hashutil.Equal(rec.Hash, item.SnapshotHash) {
		return &CancelError{Reason: fmt.Sprintf("%s changed remotely again since it was queued, deferring to next cycle", item.Path)}
	}

	data, err := e.Remote.DownloadFile(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("transferqueue: downloading %s: %w", item.Path, err)
	}
	if err := e.FS.WriteFileAtomic(item.Path, data, rec.MTime); err != nil {
		return fmt.Errorf("transferqueue: writing %s: %w", item.Path, err)
	}

	entry.FileID = rec.ID
	entry.Hash = hashutil.Normalize(rec.Hash)
	entry.PlainHash = hashutil.Bytes(data)
	entry.AncestorHash = hashutil.Normalize(rec.Hash)
	entry.Size = rec.Size
	entry.MTime = rec.MTime
	entry.LastAction = "pull"
	entry.PendingTransfer = nil
	e.Index.Local.Entries[item.Path] = entry

	if e.OnDirty != nil {
		e.OnDirty(item.Path)
	}
	return nil
}

// Run drives the queue's single serial worker loop until ctx is cancelled.
// Between attempts a failed-but-retryable item is reverted to pending (so
// HasPendingItems stays true) and the loop sleeps the backoff duration
// before the next pop.
func (e *Executor) Run(ctx context.Context, q *Queue, throttle time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !q.canRun() {
			if !sleepCtx(ctx, 250*time.Millisecond) {
				return
			}
			continue
		}

		item := q.pop()
		if item == nil {
			if !sleepCtx(ctx, 250*time.Millisecond) {
				return
			}
			continue
		}

		e.runOne(ctx, q, item)

		if throttle > 0 {
			if !sleepCtx(ctx, throttle) {
				return
			}
		}
	}
}

// Drain processes pending items until the queue is empty, the queue's
// gating flags stop it, or ctx is cancelled. Used by one-shot callers that
// want deferred transfers finished before exiting, without the long-lived
// worker loop Run provides.
func (e *Executor) Drain(ctx context.Context, q *Queue) {
	for q.canRun() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item := q.pop()
		if item == nil {
			return
		}
		e.runOne(ctx, q, item)
	}
}

func (e *Executor) runOne(ctx context.Context, q *Queue, item *Item) {
	started := time.Now()

	var err error
	switch item.Direction {
	case DirectionPush:
		err = e.ExecutePush(ctx, item)
	case DirectionPull:
		err = e.ExecutePull(ctx, item)
	default:
		err = fmt.Errorf("transferqueue: unknown direction %q", item.Direction)
	}

	if err == nil {
		q.finish(item, StatusCompleted, "")
		if e.Metrics != nil {
			e.Metrics.RecordTransferAttempt(string(item.Direction), "completed", time.Since(started))
		}
		return
	}

	// A re-check cancel is terminal immediately: the next sync cycle owns
	// the path, so retrying the stale item would only repeat the refusal.
	var cancel *CancelError
	if errors.As(err, &cancel) {
		e.clearPendingMarker(item.Path)
		if cancel.MarkDirty && e.MarkDirty != nil {
			e.MarkDirty(item.Path)
		}
		q.finish(item, StatusCancelled, cancel.Reason)
		if e.Metrics != nil {
			e.Metrics.RecordTransferAttempt(string(item.Direction), "cancelled", 0)
		}
		return
	}

	item.Retries++
	if item.Retries >= maxRetries {
		e.clearPendingMarker(item.Path)
		q.finish(item, StatusFailed, err.Error())
		if e.Metrics != nil {
			e.Metrics.RecordTransferAttempt(string(item.Direction), "failed", 0)
			e.Metrics.RecordTransferFailure()
		}
		return
	}

	if e.Metrics != nil {
		e.Metrics.RecordTransferAttempt(string(item.Direction), "retrying", 0)
		e.Metrics.RecordTransferRetry()
	}
	delay := backoffFor(item.Retries)
	q.requeuePending(item)
	sleepCtx(ctx, delay)
}

// clearPendingMarker removes the index's pending-transfer marker for path
// once its queue item reaches a terminal status, keeping the marker's
// set-iff-queued invariant intact on the cancel and failure paths too.
func (e *Executor) clearPendingMarker(path string) {
	if e.Index == nil {
		return
	}
	entry, ok := e.Index.Local.Entries[path]
	if !ok || entry.PendingTransfer == nil {
		return
	}
	entry.PendingTransfer = nil
	e.Index.Local.Entries[path] = entry
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
