package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rybkr/vaultsync/internal/eventbus"
	"github.com/rybkr/vaultsync/internal/hashutil"
)

// scanChunkSize bounds how many paths the full scan processes between
// cooperative yield points, so checking a large vault never starves the
// event loop for long.
const scanChunkSize = 64

// ScanProgress is the checkpoint of an in-progress full scan: a
// cursor into the sorted path list and the time progress was last
// recorded. A checkpoint older than fullScanStaleAfter is discarded rather
// than resumed, since the vault may have changed enough that resuming
// from a stale cursor would miss paths.
type ScanProgress struct {
	Cursor   int
	LastTick time.Time
	Total    int
}

func (p *ScanProgress) stale(now time.Time) bool {
	return now.Sub(p.LastTick) > fullScanStaleAfter
}

// ScanProgress reports the current full-scan checkpoint, or nil if no scan
// has ever run or the last one completed.
func (o *Orchestrator) ScanProgress() *ScanProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scan == nil {
		return nil
	}
	cp := *o.scan
	return &cp
}

// runFullScan performs an interruptible, resumable walk of the entire
// local tree, re-marking dirty every path whose content no longer matches
// its indexed baseline (plus paths the index has never seen, and indexed
// paths that have vanished from disk). It does not itself decide
// push/pull/merge — that is the reconciler's job on the next smart-sync
// pass, which the dirty marks force past the nothing-changed
// short-circuit; this is what catches edits made while no watcher was
// running. Interruption is cooperative: ctx cancellation stops the scan
// at the next chunk boundary, leaving a checkpoint for the next call to
// resume from, unless that checkpoint has gone stale.
func (o *Orchestrator) runFullScan(ctx context.Context) error {
	o.setState(StateScanning)

	now := time.Now()
	o.mu.Lock()
	if o.scan != nil && o.scan.stale(now) {
		o.scan = nil
	}
	start := 0
	if o.scan != nil {
		start = o.scan.Cursor
	}
	o.mu.Unlock()

	listing, err := o.fs.List(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("orchestrator: full scan listing local tree: %w", err)
	}

	paths := make([]string, 0, len(listing))
	for p := range listing {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if start > len(paths) {
		start = 0
	}

	for i := start; i < len(paths); i += scanChunkSize {
		end := i + scanChunkSize
		if end > len(paths) {
			end = len(paths)
		}
		for _, p := range paths[i:end] {
			if o.filter != nil && o.filter.ShouldIgnore(p) {
				continue
			}
			lf := listing[p]
			entry, indexed := o.index.Local.Entries[p]
			if !indexed || !hashutil.Equal(entry.PlainHash, lf.Hash) {
				o.dirty.Mark(p)
			}
		}

		o.publish(eventbus.EventFullScanProgress, map[string]int{"done": end, "total": len(paths)})
		o.checkpoint(end, len(paths))

		if err := ctx.Err(); err != nil && end < len(paths) {
			return err
		}
	}

	// Indexed paths missing from the listing are local deletions that
	// happened while no watcher was running; mark them so the next cycle
	// propagates the delete instead of short-circuiting past it.
	for p := range o.index.Local.Entries {
		if o.filter != nil && o.filter.ShouldIgnore(p) {
			continue
		}
		if _, onDisk := listing[p]; !onDisk {
			o.dirty.Mark(p)
		}
	}

	o.mu.Lock()
	o.scan = nil
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) checkpoint(cursor, total int) {
	o.mu.Lock()
	o.scan = &ScanProgress{Cursor: cursor, LastTick: time.Now(), Total: total}
	o.mu.Unlock()
}
