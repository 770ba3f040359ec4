// Package transferqueue implements the background transfer queue: a
// priority queue of deferred large-file push/pull items, each processed
// serially by a single worker loop with staleness/remote-conflict
// re-checks, retry backoff, pause/offline gating, and persisted history.
package transferqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders items within the queue; lower values run first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Direction distinguishes an upload-bound item from a download-bound one.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Status is an item's lifecycle state: pending → active → {completed,
// failed, cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Item is one queued transfer.
type Item struct {
	ID        string
	Direction Direction
	Path      string
	Size      int64
	Priority  Priority
	Status    Status
	Retries   int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Content is a buffered plaintext snapshot for push items, released
	// (set to nil) once the item reaches a terminal status.
	Content []byte
	MTime   time.Time

	SnapshotHash string // hash content was believed to have when enqueued
	RemoteHash   string // remote hash observed at completion, if any
	Error        string

	seq uint64 // insertion order, tie-breaks equal-priority items
}

func (i *Item) key() string { return string(i.Direction) + "\x00" + i.Path }

func (i *Item) release() { i.Content = nil }

// Record is an immutable snapshot of a terminal item, what gets appended
// to history.
type Record struct {
	ID          string    `json:"id"`
	Direction   Direction `json:"direction"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Status      Status    `json:"status"`
	Retries     int       `json:"retries"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RemoteHash  string    `json:"remote_hash,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func recordOf(i *Item) Record {
	return Record{
		ID: i.ID, Direction: i.Direction, Path: i.Path, Size: i.Size,
		Status: i.Status, Retries: i.Retries, CreatedAt: i.CreatedAt,
		StartedAt: i.StartedAt, CompletedAt: i.CompletedAt,
		RemoteHash: i.RemoteHash, Error: i.Error,
	}
}

// itemHeap is a container/heap backing the priority queue: lowest Priority
// first, insertion order (seq) breaks ties.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(a, b int) bool {
	if h[a].Priority != h[b].Priority {
		return h[a].Priority < h[b].Priority
	}
	return h[a].seq < h[b].seq
}
func (h itemHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// InlineTransfer describes a transfer the orchestrator is running inline
// (outside the background queue) that should still appear in a unified
// "currently transferring" view.
type InlineTransfer struct {
	Path      string
	Direction Direction
	StartedAt time.Time
}

// Queue is the background transfer queue. Safe for concurrent use; Enqueue
// may be called from the orchestrator while the worker loop drains items.
type Queue struct {
	mu      sync.Mutex
	pending itemHeap
	byKey   map[string]*Item // dedupe index, (direction,path) -> the one pending/active item
	seq     uint64

	paused           bool
	online           bool
	encryptionLocked bool

	inline map[string]InlineTransfer

	history *History

	onTransferFailed func(*Item)
}

// New builds an empty Queue. history may be nil to disable persistence
// (tests commonly pass nil).
func New(history *History) *Queue {
	return &Queue{
		byKey:  make(map[string]*Item),
		inline: make(map[string]InlineTransfer),
		online: true,
		history: history,
	}
}

// OnTransferFailed registers a callback fired when an item exhausts its
// retry budget and moves to failed.
func (q *Queue) OnTransferFailed(fn func(*Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTransferFailed = fn
}

// Enqueue adds item to the queue. Per the "at most one item per
// (path, direction)" invariant, a pre-existing pending item for the same
// key is replaced and its buffered content released.
func (q *Queue) Enqueue(item *Item) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.Status = StatusPending

	if prior, exists := q.byKey[item.key()]; exists && prior.Status == StatusPending {
		q.removeFromHeap(prior)
		prior.release()
	}

	q.seq++
	item.seq = q.seq
	q.byKey[item.key()] = item
	heap.Push(&q.pending, item)
	return item
}

func (q *Queue) removeFromHeap(target *Item) {
	for idx, it := range q.pending {
		if it == target {
			heap.Remove(&q.pending, idx)
			return
		}
	}
}

// pop removes and returns the highest-priority pending item, or nil if the
// queue is empty.
func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	item := heap.Pop(&q.pending).(*Item)
	item.Status = StatusActive
	now := time.Now()
	item.StartedAt = &now
	return item
}

// finish records a terminal status for item, removes it from the dedupe
// index, releases its buffered content, and appends a history record.
func (q *Queue) finish(item *Item, status Status, errMsg string) {
	now := time.Now()
	item.Status = status
	item.CompletedAt = &now
	item.Error = errMsg
	item.release()

	q.mu.Lock()
	if cur, ok := q.byKey[item.key()]; ok && cur == item {
		delete(q.byKey, item.key())
	}
	cb := q.onTransferFailed
	q.mu.Unlock()

	if status == StatusFailed && cb != nil {
		cb(item)
	}
	if q.history != nil {
		q.history.Append(recordOf(item))
	}
}

// requeuePending reverts item to pending after a failed attempt that
// still has retries left, so HasPendingItems stays true between
// attempts.
func (q *Queue) requeuePending(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.Status = StatusPending
	item.StartedAt = nil
	q.seq++
	item.seq = q.seq
	heap.Push(&q.pending, item)
}

// Pause stops the worker loop from starting new items; items already
// active run to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume clears Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// SetOnline updates the host connectivity signal. The caller owns the
// platform-level registration; Queue only consumes the resulting
// boolean.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

// SetEncryptionLocked gates the worker loop while the vault key is
// unavailable (e.g. mid-migration).
func (q *Queue) SetEncryptionLocked(locked bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.encryptionLocked = locked
}

// canRun reports whether the worker loop should attempt to process another
// item right now.
func (q *Queue) canRun() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.paused && q.online && !q.encryptionLocked
}

// HasPendingItems reports whether any item is pending or active.
func (q *Queue) HasPendingItems() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0 || len(q.byKey) > len(q.pending)
}

// Depth returns the number of pending items; an item being transferred is
// not counted.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// MarkInlineStart records an inline (orchestrator-run, non-queued)
// transfer so status views can unify it with background items.
func (q *Queue) MarkInlineStart(path string, dir Direction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inline[string(dir)+"\x00"+path] = InlineTransfer{Path: path, Direction: dir, StartedAt: time.Now()}
}

// MarkInlineEnd clears an inline transfer marker.
func (q *Queue) MarkInlineEnd(path string, dir Direction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inline, string(dir)+"\x00"+path)
}

// CurrentlyTransferring returns the unified view of active transfers,
// inline items prepended to the background list so callers see the
// inline work first.
func (q *Queue) CurrentlyTransferring() []InlineTransfer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]InlineTransfer, 0, len(q.inline))
	for _, t := range q.inline {
		out = append(out, t)
	}
	for _, it := range q.byKey {
		if it.StartedAt != nil {
			out = append(out, InlineTransfer{Path: it.Path, Direction: it.Direction, StartedAt: *it.StartedAt})
		}
	}
	return out
}
