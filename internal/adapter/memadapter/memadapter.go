// Package memadapter is a deterministic in-memory Adapter implementation
// used by the core's unit tests (C7/C8/C9/C10) in place of a real object
// store. It implements every optional capability so tests can exercise
// resumable uploads and revision history without network I/O.
package memadapter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/hashutil"
)

type revision struct {
	id          string
	data        []byte
	mtime       time.Time
	keepForever bool
}

type object struct {
	record    adapter.Record
	data      []byte
	revisions []revision
}

type session struct {
	path      string
	mtime     time.Time
	existing  string
	total     int64
	buf       []byte
}

// Adapter is an in-memory object store keyed by path.
type Adapter struct {
	mu       sync.Mutex
	objects  map[string]*object
	sessions map[string]*session
	nextID   int
	token    int
	caps     adapter.Capabilities
}

// New creates an empty in-memory Adapter advertising every optional
// capability.
func New() *Adapter {
	return &Adapter{
		objects:  make(map[string]*object),
		sessions: make(map[string]*session),
		caps: adapter.Capabilities{
			Name:               "memadapter",
			VaultName:          "test-vault",
			SupportsChangesAPI: true,
			SupportsHash:       true,
			SupportsHistory:    true,
			SupportsResumable:  true,
		},
	}
}

func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

// Seed directly installs a remote object, bypassing Upload bookkeeping —
// useful for test setup that needs the remote to already have content.
func (a *Adapter) Seed(path string, data []byte, mtime time.Time) adapter.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.put(path, data, mtime, "")
}

func (a *Adapter) put(path string, data []byte, mtime time.Time, existingID string) adapter.Record {
	id := existingID
	if id == "" {
		a.nextID++
		id = fmt.Sprintf("id-%d", a.nextID)
	}
	rec := adapter.Record{
		ID:      id,
		Path:    path,
		Kind:    adapter.KindFile,
		MTime:   mtime,
		Size:    int64(len(data)),
		Hash:    hashutil.Bytes(data),
		HasHash: true,
	}
	obj, exists := a.objects[path]
	if !exists {
		obj = &object{}
		a.objects[path] = obj
	}
	obj.record = rec
	obj.data = append([]byte(nil), data...)
	a.nextID++
	revID := fmt.Sprintf("rev-%d", a.nextID)
	obj.revisions = append(obj.revisions, revision{id: revID, data: obj.data, mtime: mtime})
	a.token++
	return rec
}

func (a *Adapter) ListFiles(_ context.Context, folder string) ([]adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []adapter.Record
	for _, obj := range a.objects {
		if folder == "" || hasPrefix(obj.record.Path, folder) {
			out = append(out, obj.record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func (a *Adapter) GetFileMetadata(_ context.Context, path string) (*adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.objects[path]
	if !ok {
		return nil, nil
	}
	rec := obj.record
	return &rec, nil
}

func (a *Adapter) GetFileMetadataByID(_ context.Context, id string, knownPath string) (*adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if knownPath != "" {
		if obj, ok := a.objects[knownPath]; ok && obj.record.ID == id {
			rec := obj.record
			return &rec, nil
		}
	}
	for _, obj := range a.objects {
		if obj.record.ID == id {
			rec := obj.record
			return &rec, nil
		}
	}
	return nil, nil
}

func (a *Adapter) DownloadFile(_ context.Context, id string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, obj := range a.objects {
		if obj.record.ID == id {
			return append([]byte(nil), obj.data...), nil
		}
	}
	return nil, adapter.ErrNotFound
}

func (a *Adapter) UploadFile(_ context.Context, path string, data []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.put(path, data, mtime, existingID), nil
}

func (a *Adapter) DeleteFile(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for path, obj := range a.objects {
		if obj.record.ID == id {
			delete(a.objects, path)
			a.token++
			return nil
		}
	}
	return adapter.ErrNotFound
}

func (a *Adapter) MoveFile(_ context.Context, id, newName, _ string) (adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for path, obj := range a.objects {
		if obj.record.ID == id {
			delete(a.objects, path)
			obj.record.Path = newName
			a.objects[newName] = obj
			return obj.record, nil
		}
	}
	return adapter.Record{}, adapter.ErrNotFound
}

func (a *Adapter) CreateFolder(_ context.Context, path string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("folder-%d", a.nextID)
	a.objects[path] = &object{record: adapter.Record{ID: id, Path: path, Kind: adapter.KindFolder}}
	return id, nil
}

func (a *Adapter) EnsureFoldersExist(ctx context.Context, paths []string, progress func(done, total int)) error {
	for i, p := range paths {
		if _, err := a.CreateFolder(ctx, p); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(paths))
		}
	}
	return nil
}

func (a *Adapter) GetStartPageToken(_ context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strconv.Itoa(a.token), nil
}

func (a *Adapter) GetChanges(_ context.Context, _ string) (adapter.ChangeSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var changes []adapter.Record
	for _, obj := range a.objects {
		changes = append(changes, obj.record)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return adapter.ChangeSet{NewToken: strconv.Itoa(a.token), Changes: changes}, nil
}

func (a *Adapter) InitiateResumableSession(_ context.Context, path string, total int64, mtime time.Time, existingID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	sessionID := fmt.Sprintf("session-%d", a.nextID)
	a.sessions[sessionID] = &session{path: path, mtime: mtime, existing: existingID, total: total}
	return sessionID, nil
}

func (a *Adapter) UploadChunk(_ context.Context, sessionID string, chunk []byte, offset, total int64, path string, mtime time.Time) (*adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("memadapter: unknown session %q", sessionID)
	}
	if offset%adapter.ChunkAlignment != 0 && offset+int64(len(chunk)) != total {
		return nil, fmt.Errorf("memadapter: chunk offset %d not aligned", offset)
	}
	if int64(len(s.buf)) != offset {
		return nil, fmt.Errorf("memadapter: out-of-order chunk at offset %d (have %d bytes)", offset, len(s.buf))
	}
	s.buf = append(s.buf, chunk...)
	if int64(len(s.buf)) < total {
		return nil, nil
	}
	delete(a.sessions, sessionID)
	rec := a.put(path, s.buf, mtime, s.existing)
	return &rec, nil
}

func (a *Adapter) ListRevisions(_ context.Context, path string) ([]adapter.Revision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.objects[path]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	out := make([]adapter.Revision, len(obj.revisions))
	for i, r := range obj.revisions {
		out[i] = adapter.Revision{ID: r.id, MTime: r.mtime, Size: int64(len(r.data)), KeepForever: r.keepForever}
	}
	return out, nil
}

func (a *Adapter) GetRevisionContent(_ context.Context, path, revisionID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.objects[path]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	for _, r := range obj.revisions {
		if r.id == revisionID {
			return append([]byte(nil), r.data...), nil
		}
	}
	return nil, adapter.ErrNotFound
}

func (a *Adapter) SetRevisionKeepForever(_ context.Context, path, revisionID string, keep bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.objects[path]
	if !ok {
		return adapter.ErrNotFound
	}
	for i, r := range obj.revisions {
		if r.id == revisionID {
			obj.revisions[i].keepForever = keep
			return nil
		}
	}
	return adapter.ErrNotFound
}

func (a *Adapter) DeleteRevision(_ context.Context, path, revisionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.objects[path]
	if !ok {
		return adapter.ErrNotFound
	}
	for i, r := range obj.revisions {
		if r.id == revisionID {
			obj.revisions = append(obj.revisions[:i], obj.revisions[i+1:]...)
			return nil
		}
	}
	return adapter.ErrNotFound
}

func (a *Adapter) Initialize(_ context.Context) error          { return nil }
func (a *Adapter) IsAuthenticated(_ context.Context) (bool, error) { return true, nil }
func (a *Adapter) Logout(_ context.Context) error              { return nil }
func (a *Adapter) Reset(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects = make(map[string]*object)
	a.sessions = make(map[string]*session)
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
