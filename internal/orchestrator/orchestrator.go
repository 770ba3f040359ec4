// Package orchestrator implements the sync state machine:
// IDLE → SCANNING (only when a full scan is requested) → MERGING →
// PULLING → PUSHING → IDLE (MIGRATING is
// driven externally by internal/migration, which borrows this package's
// state field rather than duplicating it). Requests issued while the
// machine is not IDLE are coalesced into a single trailing re-request so a
// burst of host-side dirty-path notifications collapses into one cycle.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/dirty"
	"github.com/rybkr/vaultsync/internal/eventbus"
	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/metrics"
	"github.com/rybkr/vaultsync/internal/pathfilter"
	"github.com/rybkr/vaultsync/internal/reconciler"
	"github.com/rybkr/vaultsync/internal/synclock"
	"github.com/rybkr/vaultsync/internal/transferqueue"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

// State is one of the orchestrator's cooperative states.
type State string

const (
	StateIdle      State = "idle"
	StatePulling   State = "pulling"
	StateMerging   State = "merging"
	StatePushing   State = "pushing"
	StateScanning  State = "scanning"
	StateMigrating State = "migrating"
)

// fullScanStaleAfter is how old a checkpoint may get before a resumed
// full scan starts over from the beginning.
const fullScanStaleAfter = 5 * time.Minute

// Filesystem is the local-disk surface the orchestrator needs beyond what
// transferqueue.Executor already uses: listing the whole vault tree (for
// reconciliation and full scans) and renaming a path (for conflict
// resolution). Kept as a superset interface, not a redefinition, so a
// single concrete implementation (see LocalFS) satisfies both.
type Filesystem interface {
	transferqueue.Filesystem
	Rename(oldPath, newPath string) error
	List(ctx context.Context) (map[string]reconciler.LocalFile, error)
}

// Request is one sync request's parameters. Merging two pending
// requests uses OR for ScanVault (a full scan
// asked for by either caller must run) and AND for Silent (the cycle is
// only silent if every coalesced request wanted it silent).
type Request struct {
	Silent    bool
	ScanVault bool
}

func (r Request) merge(other Request) Request {
	return Request{
		Silent:    r.Silent && other.Silent,
		ScanVault: r.ScanVault || other.ScanVault,
	}
}

// Config tunes one orchestrator instance.
type Config struct {
	DeviceID         string
	RemoteIndexPath  string
	CommunicationDoc string // unused directly; synclock owns its own path, kept for logging context
	DeferThreshold   int64  // reconciler.Config.DeferThreshold
	Logger           *slog.Logger
}

func (c *Config) defaults() {
	if c.RemoteIndexPath == "" {
		c.RemoteIndexPath = "data/remote/sync-index.json"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator drives one device's sync cycles against a single vault.
type Orchestrator struct {
	cfg Config

	adapter  adapter.Adapter
	fs       Filesystem
	index    *vaultindex.Store
	filter   *pathfilter.Filter
	dirty    *dirty.Tracker
	queue    *transferqueue.Queue
	executor *transferqueue.Executor
	locker   *synclock.Locker
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	baseline *BaselineStore

	mu             sync.Mutex
	state          State
	stateEnteredAt time.Time
	running        bool
	rerequest      *Request
	scan           *ScanProgress
}

// New builds an Orchestrator. fs, idx, filter, dirtyTracker, queue, and
// locker are required; bus and m may be nil (no event publication / no
// metrics, respectively) for callers that don't need them, e.g. tests.
func New(cfg Config, a adapter.Adapter, fs Filesystem, idx *vaultindex.Store, filter *pathfilter.Filter, dirtyTracker *dirty.Tracker, queue *transferqueue.Queue, locker *synclock.Locker, bus *eventbus.Bus, m *metrics.Metrics) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		cfg:            cfg,
		adapter:        a,
		fs:             fs,
		index:          idx,
		filter:         filter,
		dirty:          dirtyTracker,
		queue:          queue,
		locker:         locker,
		bus:            bus,
		metrics:        m,
		baseline:       NewBaselineStore(),
		state:          StateIdle,
		stateEnteredAt: time.Now(),
	}
	o.executor = &transferqueue.Executor{
		Remote:    a,
		FS:        fs,
		Index:     idx,
		OnDirty:   dirtyTracker.Clear,
		IsDirty:   dirtyTracker.IsDirty,
		MarkDirty: dirtyTracker.Mark,
		Metrics:   m,
	}
	queue.OnTransferFailed(func(item *transferqueue.Item) {
		o.cfg.Logger.Warn("orchestrator: transfer failed after retries",
			"path", item.Path, "direction", string(item.Direction), "err", item.Error)
		o.publish(eventbus.EventTransferUpdate, map[string]string{
			"path":      item.Path,
			"direction": string(item.Direction),
			"status":    string(item.Status),
			"error":     item.Error,
		})
	})
	return o
}

// RunQueueWorker drives the background transfer queue's worker loop until
// ctx is cancelled. Long-lived callers (the watch loop) run this on its
// own goroutine; throttle is the optional minimum inter-item interval.
func (o *Orchestrator) RunQueueWorker(ctx context.Context, throttle time.Duration) {
	o.executor.Run(ctx, o.queue, throttle)
}

// DrainQueue processes deferred transfers until the queue is empty or ctx
// is cancelled, for one-shot callers that want background work finished
// before exiting.
func (o *Orchestrator) DrainQueue(ctx context.Context) {
	o.executor.Drain(ctx, o.queue)
}

// State reports the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// setState transitions the state machine, recording dwell time in the
// prior state.
func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	dwell := time.Since(o.stateEnteredAt)
	o.state = s
	o.stateEnteredAt = time.Now()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordStateTransition(string(prev), dwell, string(s))
	}
	o.publish(eventbus.EventStateChanged, map[string]string{"from": string(prev), "to": string(s)})
}

func (o *Orchestrator) publish(kind eventbus.EventKind, data interface{}) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Kind: kind, Data: data})
	}
}

// RequestSync asks the orchestrator to run a sync cycle. If a cycle is
// already in flight, req is merged into the pending trailing re-request
// and this call returns immediately without waiting for that re-request to
// run — a burst of requests collapses to at most one trailing cycle. If
// no cycle is running, this call runs the cycle (and any
// requests that arrive while it runs) to completion before returning.
func (o *Orchestrator) RequestSync(ctx context.Context, req Request) error {
	o.mu.Lock()
	if o.running {
		if o.rerequest == nil {
			o.rerequest = &req
		} else {
			merged := o.rerequest.merge(req)
			o.rerequest = &merged
		}
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	var firstErr error
	for {
		if err := o.runOnce(ctx, req); err != nil && firstErr == nil {
			firstErr = err
		}

		o.mu.Lock()
		if o.rerequest == nil {
			o.running = false
			o.mu.Unlock()
			break
		}
		req = *o.rerequest
		o.rerequest = nil
		o.mu.Unlock()
	}
	return firstErr
}

// runOnce executes exactly one sync cycle (optionally preceded by a full
// scan) and always leaves the machine back in IDLE.
func (o *Orchestrator) runOnce(ctx context.Context, req Request) error {
	defer o.setState(StateIdle)

	if req.ScanVault {
		if err := o.runFullScan(ctx); err != nil {
			o.cfg.Logger.Error("orchestrator: full scan failed", "err", err)
		}
	}

	return o.runCycle(ctx, req)
}

// BeginMigration claims the orchestrator for an in-progress migration.
// It reports false if a sync cycle is
// already running, in which case the caller must not proceed. On success
// the state machine reports MIGRATING until EndMigration is called.
func (o *Orchestrator) BeginMigration() bool {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return false
	}
	o.running = true
	o.mu.Unlock()
	o.setState(StateMigrating)
	return true
}

// EndMigration releases the claim BeginMigration took, returns the state
// machine to IDLE, and — matching RequestSync's own coalescing contract —
// runs any sync request that arrived while the migration was in progress.
func (o *Orchestrator) EndMigration(ctx context.Context) error {
	o.setState(StateIdle)
	o.mu.Lock()
	o.running = false
	rerequest := o.rerequest
	o.rerequest = nil
	o.mu.Unlock()
	if rerequest != nil {
		return o.RequestSync(ctx, *rerequest)
	}
	return nil
}

// resolveAncestor walks the ancestor-recovery ladder: revision
// history on the remote file matching ancestorHash, then the device's own
// sidecar baseline, then "no ancestor".
func (o *Orchestrator) resolveAncestor(ctx context.Context, path, ancestorHash string) (data []byte, known bool) {
	if ancestorHash == "" {
		return nil, false
	}
	caps := o.adapter.Capabilities()
	if caps.SupportsHistory {
		if revs, err := o.adapter.ListRevisions(ctx, path); err == nil {
			for _, rev := range revs {
				content, gerr := o.adapter.GetRevisionContent(ctx, path, rev.ID)
				if gerr != nil {
					continue
				}
				if hashutil.Bytes(content) == ancestorHash {
					return content, true
				}
			}
		}
	}
	if content, ok := o.baseline.Get(path); ok {
		return content, true
	}
	return nil, false
}

// recordBaseline stores path's post-merge content as the new sidecar
// baseline, so a future merge on a backend without revision history (or
// where the matching revision has been pruned) still has something to
// diff against.
func (o *Orchestrator) recordBaseline(path string, content []byte) {
	o.baseline.Put(path, content)
}

