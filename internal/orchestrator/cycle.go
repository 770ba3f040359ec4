package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/cryptoadapter"
	"github.com/rybkr/vaultsync/internal/eventbus"
	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/mergeengine"
	"github.com/rybkr/vaultsync/internal/reconciler"
	"github.com/rybkr/vaultsync/internal/transferqueue"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

// runCycle is one sync cycle: pause the transfer queue,
// fetch the remote listing once, short-circuit if nothing changed, run
// smart pull (merges included) then smart push, persist the indices, then
// upload the remote index (the two-write self-reference closes the loop),
// and finally resume the queue.
func (o *Orchestrator) runCycle(ctx context.Context, req Request) error {
	o.queue.Pause()
	defer o.queue.Resume()

	if ca, ok := o.adapter.(*cryptoadapter.Adapter); ok {
		ca.Cache().Clear()
	}

	remoteRecords, err := o.adapter.ListFiles(ctx, "")
	if err != nil {
		return fmt.Errorf("orchestrator: listing remote: %w", err)
	}
	remote := make(map[string]adapter.Record, len(remoteRecords))
	for _, r := range remoteRecords {
		if r.Kind == adapter.KindFile {
			remote[r.Path] = r
		}
	}

	if !req.ScanVault && o.shortCircuit(remote) {
		o.cfg.Logger.Debug("orchestrator: short-circuiting cycle, remote index unchanged and nothing dirty")
		return nil
	}

	localFiles, err := o.fs.List(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: listing local tree: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordCycle()
	}

	plan := reconciler.Reconcile(localFiles, remote, o.index.Local, o.index.Remote, o.filter, reconciler.Config{
		DeferThreshold: o.cfg.DeferThreshold,
	})

	for _, msg := range plan.SafetyRefusals {
		o.cfg.Logger.Warn("orchestrator: safety refusal", "reason", msg)
		if o.metrics != nil {
			o.metrics.RecordSafetyRefusal()
		}
		o.publish(eventbus.EventSafetyRefusal, msg)
	}

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Merges run during the pull half of the cycle, before any push.
	o.setState(StateMerging)
	for _, mi := range plan.Merge {
		if o.metrics != nil {
			o.metrics.RecordDecision("merge")
		}
		note(o.handleMerge(ctx, mi, remote))
	}

	o.setState(StatePulling)
	for _, it := range plan.Download {
		if o.metrics != nil {
			o.metrics.RecordDecision("download")
		}
		note(o.handleDownload(ctx, it, remote))
	}

	o.setState(StatePushing)
	for _, it := range plan.Upload {
		if o.metrics != nil {
			o.metrics.RecordDecision("upload")
		}
		note(o.handleUpload(ctx, it, localFiles))
	}

	for _, it := range plan.DeleteLocal {
		if o.metrics != nil {
			o.metrics.RecordDecision("delete_local")
		}
		note(o.handleDeleteLocal(it.Path))
	}
	for _, it := range plan.DeleteRemote {
		if o.metrics != nil {
			o.metrics.RecordDecision("delete_remote")
		}
		note(o.handleDeleteRemote(ctx, it.Path))
	}

	if err := o.persistAndPublish(ctx); err != nil {
		note(err)
	}

	if o.metrics != nil {
		o.metrics.SetTransferQueueDepth(o.queue.Depth())
	}
	o.publish(eventbus.EventCycleCompleted, map[string]int{
		"upload": len(plan.Upload), "download": len(plan.Download),
		"merge": len(plan.Merge), "delete_local": len(plan.DeleteLocal),
		"delete_remote": len(plan.DeleteRemote),
	})

	return firstErr
}

// shortCircuit reports whether the remote's own copy of the remote index
// file still has the hash this device last observed, and this device has
// nothing locally dirty to push — in which case the whole cycle has
// nothing to do. A dirty local path always forces a full
// pass even when the remote side is quiescent, since "nothing changed
// remotely" says nothing about pending local pushes.
func (o *Orchestrator) shortCircuit(remote map[string]adapter.Record) bool {
	rrec, ok := remote[o.cfg.RemoteIndexPath]
	if !ok || !rrec.HasHash {
		return false
	}
	known := o.index.Local.Entries[o.cfg.RemoteIndexPath]
	if !hashutil.Equal(rrec.Hash, known.Hash) {
		return false
	}
	return o.dirty.Len() == 0
}

// persistAndPublish writes both indices to disk and uploads the remote
// index (the two-write self-reference): the remote index's own entry
// for its own path is only known once the upload returns a server hash,
// so the local copy is persisted a second time afterward.
func (o *Orchestrator) persistAndPublish(ctx context.Context) error {
	// The remote index mirrors this device's full picture of every path it
	// just reconciled, so other devices short-circuit correctly next time
	// they look at it.
	for path, entry := range o.index.Local.Entries {
		o.index.Remote.Entries[path] = entry
	}

	if err := o.index.PersistLocal(); err != nil {
		return fmt.Errorf("orchestrator: persisting local index: %w", err)
	}
	if err := o.index.PersistRemote(); err != nil {
		return fmt.Errorf("orchestrator: persisting remote index copy: %w", err)
	}

	data, err := json.Marshal(o.index.Remote)
	if err != nil {
		return fmt.Errorf("orchestrator: encoding remote index: %w", err)
	}
	existingID := o.index.Local.Entries[o.cfg.RemoteIndexPath].FileID
	rec, err := o.adapter.UploadFile(ctx, o.cfg.RemoteIndexPath, data, time.Now(), existingID)
	if err != nil {
		return fmt.Errorf("orchestrator: uploading remote index: %w", err)
	}
	if err := o.index.RecordRemoteIndexSelfHash(o.cfg.RemoteIndexPath, hashutil.Normalize(rec.Hash), rec.Size, rec.MTime); err != nil {
		return fmt.Errorf("orchestrator: recording remote index self hash: %w", err)
	}
	return nil
}

// handleUpload executes an upload decision inline or defers it to the
// transfer queue per its Deferred flag.
func (o *Orchestrator) handleUpload(ctx context.Context, item reconciler.Item, local map[string]reconciler.LocalFile) error {
	lf, ok := local[item.Path]
	if !ok {
		return fmt.Errorf("orchestrator: upload decision for %s has no local listing entry", item.Path)
	}
	data, err := o.fs.ReadFile(item.Path)
	if err != nil {
		return fmt.Errorf("orchestrator: reading %s for upload: %w", item.Path, err)
	}

	if item.Deferred {
		o.queue.Enqueue(&transferqueue.Item{
			Direction: transferqueue.DirectionPush, Path: item.Path, Size: item.Size,
			Priority: transferqueue.PriorityNormal, Content: data, MTime: lf.MTime, SnapshotHash: lf.Hash,
		})
		entry := o.index.Local.Entries[item.Path]
		entry.PendingTransfer = &vaultindex.PendingTransfer{Direction: "push", SnapshotHash: lf.Hash, EnqueuedAt: time.Now()}
		o.index.Local.Entries[item.Path] = entry
		return nil
	}

	o.queue.MarkInlineStart(item.Path, transferqueue.DirectionPush)
	defer o.queue.MarkInlineEnd(item.Path, transferqueue.DirectionPush)

	tqItem := &transferqueue.Item{Path: item.Path, Direction: transferqueue.DirectionPush, Content: data, SnapshotHash: lf.Hash, MTime: lf.MTime, Size: item.Size}
	if err := o.executor.ExecutePush(ctx, tqItem); err != nil {
		var cancel *transferqueue.CancelError
		if errors.As(err, &cancel) {
			o.cfg.Logger.Info("orchestrator: inline push deferred", "path", item.Path, "reason", cancel.Reason)
			return nil
		}
		o.cfg.Logger.Warn("orchestrator: inline push failed", "path", item.Path, "err", err)
		return err
	}
	return nil
}

// handleDownload executes a download decision inline or defers it.
func (o *Orchestrator) handleDownload(ctx context.Context, item reconciler.Item, remote map[string]adapter.Record) error {
	rrec, ok := remote[item.Path]
	if !ok {
		return fmt.Errorf("orchestrator: download decision for %s has no remote record", item.Path)
	}

	if item.Deferred {
		o.queue.Enqueue(&transferqueue.Item{
			Direction: transferqueue.DirectionPull, Path: item.Path, Size: item.Size,
			Priority: transferqueue.PriorityNormal, SnapshotHash: hashutil.Normalize(rrec.Hash),
		})
		entry := o.index.Local.Entries[item.Path]
		entry.PendingTransfer = &vaultindex.PendingTransfer{Direction: "pull", SnapshotHash: hashutil.Normalize(rrec.Hash), EnqueuedAt: time.Now()}
		o.index.Local.Entries[item.Path] = entry
		return nil
	}

	o.queue.MarkInlineStart(item.Path, transferqueue.DirectionPull)
	defer o.queue.MarkInlineEnd(item.Path, transferqueue.DirectionPull)

	tqItem := &transferqueue.Item{Path: item.Path, Direction: transferqueue.DirectionPull, SnapshotHash: hashutil.Normalize(rrec.Hash)}
	if err := o.executor.ExecutePull(ctx, tqItem); err != nil {
		var cancel *transferqueue.CancelError
		if errors.As(err, &cancel) {
			o.cfg.Logger.Info("orchestrator: inline pull deferred", "path", item.Path, "reason", cancel.Reason)
			return nil
		}
		o.cfg.Logger.Warn("orchestrator: inline pull failed", "path", item.Path, "err", err)
		return err
	}
	return nil
}

// handleMerge runs the full merge ladder for one path: acquire the
// distributed lock, resolve an ancestor, diff3-merge, and either push the
// clean result inline or conflict-rename.
func (o *Orchestrator) handleMerge(ctx context.Context, mi reconciler.MergeItem, remote map[string]adapter.Record) error {
	acquired, err := o.locker.Acquire(ctx, mi.Path)
	if err != nil {
		return fmt.Errorf("orchestrator: acquiring merge lock for %s: %w", mi.Path, err)
	}
	if !acquired {
		if o.metrics != nil {
			o.metrics.RecordMergeLockWait()
		}
		o.dirty.Mark(mi.Path) // deferred to a later cycle; keep it dirty
		return nil
	}
	if o.metrics != nil {
		o.metrics.RecordMergeLockHold()
	}
	defer func() { _ = o.locker.Release(ctx, mi.Path) }()

	rrec, ok := remote[mi.Path]
	if !ok {
		return fmt.Errorf("orchestrator: merge decision for %s has no remote record", mi.Path)
	}

	localContent, err := o.fs.ReadFile(mi.Path)
	if err != nil {
		return fmt.Errorf("orchestrator: reading %s for merge: %w", mi.Path, err)
	}
	remoteContent, err := o.adapter.DownloadFile(ctx, rrec.ID)
	if err != nil {
		return fmt.Errorf("orchestrator: downloading %s for merge: %w", mi.Path, err)
	}

	ancestorContent, ancestorKnown := o.resolveAncestor(ctx, mi.Path, mi.AncestorHash)

	outcome, err := mergeengine.Merge(mi.Path, ancestorContent, localContent, remoteContent, ancestorKnown, time.Now())
	if err != nil {
		return fmt.Errorf("orchestrator: merging %s: %w", mi.Path, err)
	}

	if outcome.Clean {
		return o.applyCleanMerge(ctx, mi.Path, outcome, rrec)
	}
	return o.applyConflictRename(mi.Path, outcome, remoteContent, rrec)
}

// applyCleanMerge writes a conflict-free merge result locally and pushes
// it inline, never through the deferred queue.
func (o *Orchestrator) applyCleanMerge(ctx context.Context, path string, outcome *mergeengine.Outcome, rrec adapter.Record) error {
	now := time.Now()
	if err := o.fs.WriteFileAtomic(path, outcome.Merged, now); err != nil {
		return fmt.Errorf("orchestrator: writing merged %s: %w", path, err)
	}

	existingID := o.index.Local.Entries[path].FileID
	if existingID == "" {
		existingID = rrec.ID
	}
	rec, err := o.adapter.UploadFile(ctx, path, outcome.Merged, now, existingID)
	if err != nil {
		return fmt.Errorf("orchestrator: pushing merged %s: %w", path, err)
	}

	newHash := hashutil.Normalize(rec.Hash)
	entry := vaultindex.Entry{
		FileID: rec.ID, Hash: newHash, PlainHash: hashutil.Bytes(outcome.Merged),
		AncestorHash: newHash, Size: rec.Size, MTime: rec.MTime, LastAction: "merge",
	}
	o.index.Local.Entries[path] = entry
	o.index.Remote.Entries[path] = entry
	o.dirty.Clear(path)
	o.recordBaseline(path, outcome.Merged)
	o.cfg.Logger.Info("orchestrator: merged cleanly", "path", path, "notice", outcome.Notice)
	return nil
}

// applyConflictRename is the keep-both fallback: the local edit
// survives as a dated sibling, and the remote content lands at the
// original path.
func (o *Orchestrator) applyConflictRename(path string, outcome *mergeengine.Outcome, remoteContent []byte, rrec adapter.Record) error {
	if err := o.fs.Rename(path, outcome.RenamedPath); err != nil {
		return fmt.Errorf("orchestrator: renaming %s to %s: %w", path, outcome.RenamedPath, err)
	}
	if err := o.fs.WriteFileAtomic(path, remoteContent, rrec.MTime); err != nil {
		return fmt.Errorf("orchestrator: pulling remote %s after conflict: %w", path, err)
	}

	entry := vaultindex.Entry{
		FileID: rrec.ID, Hash: hashutil.Normalize(rrec.Hash), PlainHash: hashutil.Bytes(remoteContent),
		AncestorHash: hashutil.Normalize(rrec.Hash), Size: rrec.Size, MTime: rrec.MTime, LastAction: "pull",
	}
	o.index.Local.Entries[path] = entry
	o.index.Remote.Entries[path] = entry
	delete(o.index.Local.Entries, outcome.RenamedPath) // untracked; next cycle uploads it as new
	o.baseline.Forget(path)
	o.dirty.Clear(path)
	o.dirty.Mark(outcome.RenamedPath)

	o.cfg.Logger.Warn("orchestrator: conflict rename", "path", path, "renamed_to", outcome.RenamedPath, "notice", outcome.Notice)
	o.publish(eventbus.EventKind("merge_conflict"), map[string]string{"path": path, "renamed_to": outcome.RenamedPath, "notice": outcome.Notice})
	return nil
}

func (o *Orchestrator) handleDeleteLocal(path string) error {
	if err := o.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("orchestrator: deleting local orphan %s: %w", path, err)
	}
	delete(o.index.Local.Entries, path)
	delete(o.index.Remote.Entries, path)
	o.baseline.Forget(path)
	o.dirty.Clear(path)
	return nil
}

func (o *Orchestrator) handleDeleteRemote(ctx context.Context, path string) error {
	entry := o.index.Local.Entries[path]
	if entry.FileID != "" {
		if err := o.adapter.DeleteFile(ctx, entry.FileID); err != nil && !errors.Is(err, adapter.ErrNotFound) {
			return fmt.Errorf("orchestrator: deleting remote %s: %w", path, err)
		}
	}
	delete(o.index.Local.Entries, path)
	delete(o.index.Remote.Entries, path)
	o.baseline.Forget(path)
	return nil
}
