// Package adapter declares the capability contract the synchronization core
// requires of a remote object-store client. The core never talks to a
// concrete cloud API directly — it only ever holds an Adapter. Optional
// capabilities (resumable uploads, revision history) are advertised via
// boolean flags on Capabilities rather than runtime type assertions or nil
// checks: a caller that
// invokes an unsupported optional operation gets a typed *CapabilityError
// instead of a generic failure.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes a file from a folder record.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Record describes a single remote entry as reported by the Adapter.
type Record struct {
	ID     string
	Path   string
	Kind   Kind
	MTime  time.Time
	Size   int64
	Hash   string // may be empty for virtual/proprietary files lacking a hash
	HasHash bool
}

// Revision identifies one historical version of a file, when the Adapter
// supports history.
type Revision struct {
	ID          string
	MTime       time.Time
	Size        int64
	KeepForever bool
}

// ChangeSet is the result of polling the Adapter's changes API.
type ChangeSet struct {
	NewToken string
	Changes  []Record
}

// Capabilities advertises which optional operations an Adapter implements.
// The core consults this before calling an optional method; it never probes
// by calling-and-catching.
type Capabilities struct {
	Name                 string
	VaultName            string
	SupportsChangesAPI   bool
	SupportsHash         bool
	SupportsHistory      bool
	SupportsResumable    bool
}

// CapabilityError is returned when the core (or a caller) invokes an
// operation the Adapter did not advertise support for.
type CapabilityError struct {
	Adapter   string
	Operation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("adapter %q does not support %q", e.Adapter, e.Operation)
}

// ErrNotFound is returned by lookups that find nothing, distinct from a
// transport error.
var ErrNotFound = errors.New("adapter: not found")

// Adapter is the full capability set the synchronization core depends on.
// Required methods must always work; optional methods must return
// *CapabilityError when Capabilities says they are unsupported.
type Adapter interface {
	Capabilities() Capabilities

	ListFiles(ctx context.Context, folder string) ([]Record, error)
	GetFileMetadata(ctx context.Context, path string) (*Record, error)
	GetFileMetadataByID(ctx context.Context, id string, knownPath string) (*Record, error)

	DownloadFile(ctx context.Context, id string) ([]byte, error)
	UploadFile(ctx context.Context, path string, data []byte, mtime time.Time, existingID string) (Record, error)

	DeleteFile(ctx context.Context, id string) error
	MoveFile(ctx context.Context, id, newName, newParent string) (Record, error)
	CreateFolder(ctx context.Context, path string) (string, error)
	EnsureFoldersExist(ctx context.Context, paths []string, progress func(done, total int)) error

	GetStartPageToken(ctx context.Context) (string, error)
	GetChanges(ctx context.Context, token string) (ChangeSet, error)

	// Resumable upload, optional (Capabilities.SupportsResumable).
	InitiateResumableSession(ctx context.Context, path string, total int64, mtime time.Time, existingID string) (string, error)
	// UploadChunk returns a non-nil *Record only for the final chunk.
	UploadChunk(ctx context.Context, session string, chunk []byte, offset, total int64, path string, mtime time.Time) (*Record, error)

	// History, optional (Capabilities.SupportsHistory).
	ListRevisions(ctx context.Context, path string) ([]Revision, error)
	GetRevisionContent(ctx context.Context, path, revisionID string) ([]byte, error)
	SetRevisionKeepForever(ctx context.Context, path, revisionID string, keep bool) error
	DeleteRevision(ctx context.Context, path, revisionID string) error

	Initialize(ctx context.Context) error
	IsAuthenticated(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
	Reset(ctx context.Context) error
}

// ChunkAlignment is the required alignment (other than the final chunk)
// for the resumable upload protocol.
const ChunkAlignment = 256 * 1024
