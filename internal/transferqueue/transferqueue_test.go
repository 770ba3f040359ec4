package transferqueue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/adapter/memadapter"
	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

// memFS is an in-memory Filesystem fake for executor tests.
type memFS struct {
	files map[string][]byte
}

func newMemFS() *memFS { return &memFS{files: make(map[string][]byte)} }

func (f *memFS) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *memFS) WriteFileAtomic(path string, data []byte, _ time.Time) error {
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *memFS) Remove(path string) error {
	delete(f.files, path)
	return nil
}

func newStore() *vaultindex.Store {
	return &vaultindex.Store{Local: vaultindex.New(), Remote: vaultindex.New()}
}

func TestEnqueueDedupesByPathAndDirection(t *testing.T) {
	q := New(nil)
	first := q.Enqueue(&Item{Path: "notes/a.md", Direction: DirectionPush, Priority: PriorityNormal, Content: []byte("v1")})
	second := q.Enqueue(&Item{Path: "notes/a.md", Direction: DirectionPush, Priority: PriorityNormal, Content: []byte("v2")})

	if q.Depth() != 1 {
		t.Fatalf("expected one pending item after dedup, got depth %d", q.Depth())
	}
	if first.Content != nil {
		t.Error("expected the superseded item's content to be released")
	}
	if string(second.Content) != "v2" {
		t.Error("expected the replacement item to keep its content")
	}
}

func TestPriorityOrderingCriticalFirst(t *testing.T) {
	q := New(nil)
	q.Enqueue(&Item{Path: "low.md", Direction: DirectionPush, Priority: PriorityLow})
	q.Enqueue(&Item{Path: "normal.md", Direction: DirectionPush, Priority: PriorityNormal})
	q.Enqueue(&Item{Path: "critical.md", Direction: DirectionPush, Priority: PriorityCritical})

	item := q.pop()
	if item.Path != "critical.md" {
		t.Fatalf("expected critical priority item first, got %s", item.Path)
	}
}

func TestFIFOTiebreakWithinSamePriority(t *testing.T) {
	q := New(nil)
	q.Enqueue(&Item{Path: "first.md", Direction: DirectionPush, Priority: PriorityNormal})
	q.Enqueue(&Item{Path: "second.md", Direction: DirectionPush, Priority: PriorityNormal})

	item := q.pop()
	if item.Path != "first.md" {
		t.Fatalf("expected FIFO order to pop first.md first, got %s", item.Path)
	}
}

func TestPauseStopsWorkerFromStartingNewItems(t *testing.T) {
	q := New(nil)
	q.Pause()
	if q.canRun() {
		t.Fatal("expected canRun to be false while paused")
	}
	q.Resume()
	if !q.canRun() {
		t.Fatal("expected canRun to be true after resume")
	}
}

func TestOfflineGatesWorker(t *testing.T) {
	q := New(nil)
	q.SetOnline(false)
	if q.canRun() {
		t.Fatal("expected canRun to be false while offline")
	}
}

func TestEncryptionLockGatesWorker(t *testing.T) {
	q := New(nil)
	q.SetEncryptionLocked(true)
	if q.canRun() {
		t.Fatal("expected canRun to be false while encryption-locked")
	}
}

func TestInlineAccountingTracksInFlightTransfer(t *testing.T) {
	q := New(nil)
	q.MarkInlineStart("big.bin", DirectionPush)
	transfers := q.CurrentlyTransferring()
	if len(transfers) != 1 || transfers[0].Path != "big.bin" {
		t.Fatalf("expected one inline transfer recorded, got %+v", transfers)
	}
	q.MarkInlineEnd("big.bin", DirectionPush)
	if len(q.CurrentlyTransferring()) != 0 {
		t.Fatal("expected inline transfer to be cleared")
	}
}

func TestExecutePushUploadsAndUpdatesIndex(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	content := []byte("hello vault")
	fs.files["notes/a.md"] = content
	item := &Item{
		Path: "notes/a.md", Direction: DirectionPush, Content: content,
		SnapshotHash: hashutil.Bytes(content), MTime: time.Now(),
	}

	exec := &Executor{Remote: remote, FS: fs, Index: store}
	if err := exec.ExecutePush(ctx, item); err != nil {
		t.Fatalf("ExecutePush: %v", err)
	}

	entry, ok := store.Local.Entries["notes/a.md"]
	if !ok {
		t.Fatal("expected local index entry to be written")
	}
	if entry.PlainHash != hashutil.Bytes(content) {
		t.Error("expected index plain hash to match pushed content")
	}

	rec, err := remote.GetFileMetadata(ctx, "notes/a.md")
	if err != nil || rec == nil {
		t.Fatalf("expected remote object to exist: rec=%v err=%v", rec, err)
	}
}

func TestExecutePushRefusesWhenLocalChangedAgainSinceEnqueue(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	fs.files["notes/a.md"] = []byte("changed after enqueue")
	item := &Item{
		Path: "notes/a.md", Direction: DirectionPush,
		Content: []byte("stale snapshot"), SnapshotHash: hashutil.Bytes([]byte("stale snapshot")),
	}

	exec := &Executor{Remote: remote, FS: fs, Index: store}
	err := exec.ExecutePush(ctx, item)
	var cancel *CancelError
	if !errors.As(err, &cancel) {
		t.Fatalf("expected staleness re-check to cancel the push, got %v", err)
	}
	if !cancel.MarkDirty {
		t.Error("expected a stale push cancel to re-mark the path dirty")
	}
}

func TestExecutePushRefusesWhenRemoteChangedSinceEnqueue(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	content := []byte("local content")
	fs.files["notes/a.md"] = content

	rec := remote.Seed("notes/a.md", []byte("someone else's edit"), time.Now())
	store.Local.Entries["notes/a.md"] = vaultindex.Entry{FileID: rec.ID, Hash: "stale-remote-hash"}

	item := &Item{
		Path: "notes/a.md", Direction: DirectionPush, Content: content,
		SnapshotHash: hashutil.Bytes(content),
	}
	exec := &Executor{Remote: remote, FS: fs, Index: store}
	err := exec.ExecutePush(ctx, item)
	var cancel *CancelError
	if !errors.As(err, &cancel) {
		t.Fatalf("expected remote-conflict re-check to cancel the push, got %v", err)
	}
	if !cancel.MarkDirty {
		t.Error("expected a remote-conflict cancel to re-mark the path dirty")
	}
}

func TestExecutePullDownloadsAndWritesFile(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	rec := remote.Seed("notes/b.md", []byte("remote content"), time.Now())

	item := &Item{Path: "notes/b.md", Direction: DirectionPull, SnapshotHash: rec.Hash}
	exec := &Executor{Remote: remote, FS: fs, Index: store}
	if err := exec.ExecutePull(ctx, item); err != nil {
		t.Fatalf("ExecutePull: %v", err)
	}

	if string(fs.files["notes/b.md"]) != "remote content" {
		t.Errorf("expected downloaded content on disk, got %q", fs.files["notes/b.md"])
	}
	if store.Local.Entries["notes/b.md"].FileID != rec.ID {
		t.Error("expected index entry to record the remote file id")
	}
}

func TestExecutePullRefusesWhenRemoteMovedOnAgain(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	remote.Seed("notes/b.md", []byte("newer content"), time.Now())

	item := &Item{Path: "notes/b.md", Direction: DirectionPull, SnapshotHash: "stale-hash-from-enqueue-time"}
	exec := &Executor{Remote: remote, FS: fs, Index: store}
	err := exec.ExecutePull(ctx, item)
	var cancel *CancelError
	if !errors.As(err, &cancel) {
		t.Fatalf("expected staleness re-check to cancel the pull, got %v", err)
	}
}

func TestExecutePullCancelsWhenPathDirty(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	rec := remote.Seed("notes/b.md", []byte("remote content"), time.Now())
	fs.files["notes/b.md"] = []byte("local edits not yet pushed")

	item := &Item{Path: "notes/b.md", Direction: DirectionPull, SnapshotHash: rec.Hash}
	exec := &Executor{
		Remote: remote, FS: fs, Index: store,
		IsDirty: func(path string) bool { return path == "notes/b.md" },
	}
	err := exec.ExecutePull(ctx, item)
	var cancel *CancelError
	if !errors.As(err, &cancel) {
		t.Fatalf("expected a dirty path to cancel the pull, got %v", err)
	}
	if string(fs.files["notes/b.md"]) != "local edits not yet pushed" {
		t.Error("expected the dirty local file to be left untouched")
	}
}

func TestExecutePullCancelsWhenRemoteObjectGone(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	item := &Item{Path: "notes/gone.md", Direction: DirectionPull}
	exec := &Executor{Remote: remote, FS: fs, Index: store}
	err := exec.ExecutePull(ctx, item)
	var cancel *CancelError
	if !errors.As(err, &cancel) {
		t.Fatalf("expected pull of a vanished remote object to cancel, got %v", err)
	}
}

func TestBackoffScheduleDoublesCappedAtSixtySeconds(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{10, 60 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(c.attempt); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

// brokenUploadAdapter wraps memadapter but fails every upload, standing in
// for a flaky network so the retry path (not the cancel path) is
// exercised.
type brokenUploadAdapter struct {
	*memadapter.Adapter
	uploads int
}

func (a *brokenUploadAdapter) UploadFile(_ context.Context, _ string, _ []byte, _ time.Time, _ string) (adapter.Record, error) {
	a.uploads++
	return adapter.Record{}, errors.New("503 service unavailable")
}

func TestRunRetriesThenMarksFailedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	remote := &brokenUploadAdapter{Adapter: memadapter.New()}
	fs := newMemFS()
	store := newStore()

	content := []byte("x")
	fs.files["flaky.md"] = content
	item := &Item{
		Path: "flaky.md", Direction: DirectionPush, Content: content,
		SnapshotHash: hashutil.Bytes(content),
	}

	q := New(nil)
	var failedItem *Item
	q.OnTransferFailed(func(i *Item) { failedItem = i })
	q.Enqueue(item)

	exec := &Executor{Remote: remote, FS: fs, Index: store}

	for attempts := 0; attempts < maxRetries; attempts++ {
		popped := q.pop()
		if popped == nil {
			t.Fatal("expected an item to retry")
		}
		exec.runOne(ctx, q, popped)
	}

	if failedItem == nil {
		t.Fatal("expected onTransferFailed to fire after exhausting retries")
	}
	if failedItem.Status != StatusFailed {
		t.Errorf("expected final status failed, got %s", failedItem.Status)
	}
	if failedItem.Retries != maxRetries {
		t.Errorf("expected %d retries recorded, got %d", maxRetries, failedItem.Retries)
	}
	if remote.uploads != maxRetries {
		t.Errorf("expected %d upload attempts, got %d", maxRetries, remote.uploads)
	}
}

func TestRunCancelsStalePushWithoutRetry(t *testing.T) {
	ctx := context.Background()
	remote := memadapter.New()
	fs := newMemFS()
	store := newStore()

	original := []byte("v1")
	fs.files["p.md"] = original
	item := &Item{
		Path: "p.md", Direction: DirectionPush, Content: original,
		SnapshotHash: hashutil.Bytes(original),
	}

	q := New(nil)
	q.Enqueue(item)
	store.Local.Entries["p.md"] = vaultindex.Entry{
		PendingTransfer: &vaultindex.PendingTransfer{Direction: "push", SnapshotHash: item.SnapshotHash},
	}

	// The file changes again before the queue drains.
	fs.files["p.md"] = []byte("v2, written after enqueue")

	var dirtied []string
	exec := &Executor{
		Remote: remote, FS: fs, Index: store,
		MarkDirty: func(path string) { dirtied = append(dirtied, path) },
	}

	popped := q.pop()
	exec.runOne(ctx, q, popped)

	if popped.Status != StatusCancelled {
		t.Fatalf("expected a stale push to be cancelled, got %s", popped.Status)
	}
	if popped.Retries != 0 {
		t.Errorf("expected no retries for a cancelled item, got %d", popped.Retries)
	}
	if rec, _ := remote.GetFileMetadata(ctx, "p.md"); rec != nil {
		t.Error("expected no upload to have reached the remote")
	}
	if len(dirtied) != 1 || dirtied[0] != "p.md" {
		t.Errorf("expected the path to be re-marked dirty, got %v", dirtied)
	}
	if store.Local.Entries["p.md"].PendingTransfer != nil {
		t.Error("expected the pending-transfer marker to be cleared on cancel")
	}
	if q.HasPendingItems() {
		t.Error("expected no pending items after the cancel")
	}
}

func TestHistoryPersistsAndReloadsRecentRecords(t *testing.T) {
	dir := t.TempDir()

	h, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	h.Append(Record{ID: "1", Path: "a.md", Status: StatusCompleted, CreatedAt: time.Now()})
	h.Append(Record{ID: "2", Path: "b.md", Status: StatusFailed, CreatedAt: time.Now()})
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("reopen OpenHistory: %v", err)
	}
	recent := reopened.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 reloaded records, got %d", len(recent))
	}
	if recent[0].ID != "1" || recent[1].ID != "2" {
		t.Errorf("expected records in append order, got %+v", recent)
	}
}

func TestHistoryPrunesFilesOlderThanRetentionWindow(t *testing.T) {
	dir := t.TempDir()
	staleDay := time.Now().UTC().AddDate(0, 0, -historyRetentionDays-1).Format("2006-01-02")
	stalePath := filepath.Join(dir, "transfers-"+staleDay+".jsonl")
	if err := os.WriteFile(stalePath, []byte(`{"id":"old"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenHistory(dir); err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}

	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("expected the stale history file to be pruned")
	}
}

func TestHistoryRingCapsAtFiveHundred(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHistory(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < historyRingCap+50; i++ {
		h.Append(Record{ID: "r", Status: StatusCompleted})
	}
	if len(h.Recent(historyRingCap+50)) != historyRingCap {
		t.Errorf("expected ring capped at %d, got %d", historyRingCap, len(h.Recent(historyRingCap+50)))
	}
}

var _ adapter.Adapter = (*memadapter.Adapter)(nil)
