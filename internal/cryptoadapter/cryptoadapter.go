// Package cryptoadapter wraps any adapter.Adapter with client-side
// end-to-end encryption. It encrypts on upload and decrypts on
// download, routes between the VSC1 and VSC2 wire formats by a
// configurable size threshold, and drives the streaming chunked-upload
// path when the underlying Adapter supports resumable sessions.
package cryptoadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/cryptocodec"
	"github.com/rybkr/vaultsync/internal/hashutil"
)

const (
	// batchSize is the minimum number of ciphertext bytes buffered before a
	// non-final flush.
	batchSize = 5 * 1024 * 1024 // 5 MiB
	// alignment is the 256 KiB boundary every non-terminal flush must respect.
	alignment = 256 * 1024
)

// Config controls routing and streaming behavior.
type Config struct {
	// Threshold is the plaintext-size cutoff (bytes) at or above which VSC2
	// is used instead of VSC1. Threshold == 0 means "always VSC1".
	Threshold int64
	// ChunkSize is the VSC2 plaintext chunk size; zero means the engine's
	// OptimalChunkSize().
	ChunkSize int
}

func (c *Config) defaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = cryptocodec.DefaultPlaintextChunkSize
	}
}

// DecryptCache is a process-local file_id → plaintext cache kept for the
// duration of one sync cycle, per the "per-cycle decrypt cache" design
// note. The orchestrator clears it at cycle boundaries via Clear.
type DecryptCache struct {
	mu    sync.Mutex
	plain map[string][]byte
}

// NewDecryptCache returns an empty cache.
func NewDecryptCache() *DecryptCache {
	return &DecryptCache{plain: make(map[string][]byte)}
}

func (c *DecryptCache) get(fileID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.plain[fileID]
	return v, ok
}

func (c *DecryptCache) put(fileID string, plaintext []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plain[fileID] = plaintext
}

// Clear empties the cache. Called by the orchestrator between sync cycles
// so memory use is bounded by one cycle's worth of downloads, not the
// vault's lifetime.
func (c *DecryptCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plain = make(map[string][]byte)
}

// Adapter wraps an underlying adapter.Adapter with transparent VSC1/VSC2
// encryption. It implements adapter.Adapter itself, so the reconciler and
// transfer queue never need to know encryption is in play.
type Adapter struct {
	inner  adapter.Adapter
	engine *cryptocodec.Engine
	cfg    Config
	cache  *DecryptCache
}

// New wraps inner with encryption driven by engine and cfg. cache may be
// shared across adapters (there is normally exactly one per vault); when it
// is nil a fresh cache is created, reachable through Cache so the
// orchestrator can clear it between cycles.
func New(inner adapter.Adapter, engine *cryptocodec.Engine, cfg Config, cache *DecryptCache) *Adapter {
	cfg.defaults()
	if cache == nil {
		cache = NewDecryptCache()
	}
	return &Adapter{inner: inner, engine: engine, cfg: cfg, cache: cache}
}

// Cache returns the adapter's decrypt cache, e.g. for the orchestrator to
// clear between cycles.
func (a *Adapter) Cache() *DecryptCache { return a.cache }

func (a *Adapter) Capabilities() adapter.Capabilities { return a.inner.Capabilities() }

// Download fetches and decrypts file content by Adapter-assigned ID,
// consulting and populating the per-cycle decrypt cache.
func (a *Adapter) Download(ctx context.Context, fileID string) ([]byte, error) {
	if cached, ok := a.cache.get(fileID); ok {
		return cached, nil
	}
	ciphertext, err := a.inner.DownloadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	plaintext, err := a.decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	a.cache.put(fileID, plaintext)
	return plaintext, nil
}

// DownloadFile implements adapter.Adapter by delegating to Download — kept
// so Adapter itself can stand in anywhere an adapter.Adapter is expected,
// e.g. when history operations need undecrypted passthrough is not
// desired.
func (a *Adapter) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	return a.Download(ctx, id)
}

func (a *Adapter) decrypt(ciphertext []byte) ([]byte, error) {
	if cryptocodec.IsChunked(ciphertext) {
		return a.engine.DecryptVSC2(ciphertext)
	}
	return a.engine.DecryptVSC1(ciphertext)
}

// Upload encrypts plaintext and stores it via the underlying Adapter,
// choosing VSC1, single-shot VSC2, or the streaming chunked path by size
// and capability. existingID, if non-empty, updates that remote object
// in place rather than creating a new one.
func (a *Adapter) Upload(ctx context.Context, path string, plaintext []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	size := int64(len(plaintext))
	caps := a.inner.Capabilities()

	switch {
	case a.cfg.Threshold == 0 || size < a.cfg.Threshold:
		return a.uploadVSC1(ctx, path, plaintext, mtime, existingID)
	case caps.SupportsResumable:
		return a.uploadStreaming(ctx, path, plaintext, mtime, existingID)
	default:
		return a.uploadVSC2Whole(ctx, path, plaintext, mtime, existingID)
	}
}

// UploadFile implements adapter.Adapter.
func (a *Adapter) UploadFile(ctx context.Context, path string, data []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	return a.Upload(ctx, path, data, mtime, existingID)
}

func (a *Adapter) uploadVSC1(ctx context.Context, path string, plaintext []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	ciphertext, err := a.engine.EncryptVSC1(plaintext)
	if err != nil {
		return adapter.Record{}, fmt.Errorf("cryptoadapter: vsc1 encrypt: %w", err)
	}
	return a.inner.UploadFile(ctx, path, ciphertext, mtime, existingID)
}

func (a *Adapter) uploadVSC2Whole(ctx context.Context, path string, plaintext []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	ciphertext, err := a.engine.EncryptVSC2(plaintext, a.cfg.ChunkSize)
	if err != nil {
		return adapter.Record{}, fmt.Errorf("cryptoadapter: vsc2 encrypt: %w", err)
	}
	return a.inner.UploadFile(ctx, path, ciphertext, mtime, existingID)
}

// uploadStreaming drives the chunked resumable-upload path: it
// holds at most BATCH(5MiB) + one encrypted chunk + a small margin in
// memory regardless of file size, flushing 256 KiB-aligned prefixes as
// chunks are lazily produced, and a final, possibly-short flush for the
// terminating PUT.
func (a *Adapter) uploadStreaming(ctx context.Context, path string, plaintext []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	total := int64(len(plaintext))
	declaredTotal := cryptocodec.VSC2Size(total, a.cfg.ChunkSize)
	session, err := a.inner.InitiateResumableSession(ctx, path, declaredTotal, mtime, existingID)
	if err != nil {
		return adapter.Record{}, fmt.Errorf("cryptoadapter: initiate resumable session: %w", err)
	}

	producer := cryptocodec.NewChunkProducer(a.engine, bytes.NewReader(plaintext), total, a.cfg.ChunkSize)

	var buf []byte
	var offset int64
	var finalRecord *adapter.Record

	header := vsc2Header(a.cfg.ChunkSize, producer.Total())
	buf = append(buf, header...)

	flush := func(n int, final bool) error {
		if n == 0 && !final {
			return nil
		}
		chunk := buf[:n]
		rec, upErr := a.inner.UploadChunk(ctx, session, chunk, offset, declaredTotal, path, mtime)
		if upErr != nil {
			return fmt.Errorf("cryptoadapter: upload chunk at offset %d: %w", offset, upErr)
		}
		offset += int64(n)
		buf = append([]byte(nil), buf[n:]...)
		if rec != nil {
			finalRecord = rec
		}
		return nil
	}

	for {
		chunk, nextErr := producer.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return adapter.Record{}, nextErr
		}
		isLast := chunk.Index+1 >= chunk.Total

		buf = append(buf, chunk.IV...)
		buf = append(buf, chunk.Ciphertext...)

		if isLast {
			if err := flush(len(buf), true); err != nil {
				return adapter.Record{}, err
			}
			break
		}

		if int64(len(buf)) >= batchSize {
			flushN := (len(buf) / alignment) * alignment
			if flushN == 0 {
				continue
			}
			if err := flush(flushN, false); err != nil {
				return adapter.Record{}, err
			}
		}
	}

	if finalRecord == nil {
		return adapter.Record{}, fmt.Errorf("cryptoadapter: streaming upload of %q completed without a final record", path)
	}
	return *finalRecord, nil
}

// vsc2Header builds the 12-byte VSC2 header directly (magic ‖ chunk size ‖
// total chunks) so the streaming path can write it before any chunk has
// been produced, without holding a whole encrypted blob just to borrow its
// header bytes.
func vsc2Header(chunkSize int, total uint32) []byte {
	if chunkSize <= 0 {
		chunkSize = cryptocodec.DefaultPlaintextChunkSize
	}
	return encodeHeader(chunkSize, total)
}

func encodeHeader(chunkSize int, total uint32) []byte {
	out := make([]byte, 12)
	copy(out[0:4], "VSC2")
	putUint32LE(out[4:8], uint32(chunkSize)) //nolint:gosec // chunkSize bounded by config
	putUint32LE(out[8:12], total)
	return out
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// PlainHash computes the plaintext digest of data for the caller to store
// in IndexEntry.PlainHash — exported so reconciler/transferqueue code that
// already has the plaintext bytes in hand doesn't need to reach past this
// package into hashutil directly when working through an Adapter.
func PlainHash(data []byte) string { return hashutil.Bytes(data) }

// Listing, lookup, and lifecycle operations pass straight through — they
// carry no file content, so there is nothing to encrypt or decrypt.

func (a *Adapter) ListFiles(ctx context.Context, folder string) ([]adapter.Record, error) {
	return a.inner.ListFiles(ctx, folder)
}

func (a *Adapter) GetFileMetadata(ctx context.Context, path string) (*adapter.Record, error) {
	return a.inner.GetFileMetadata(ctx, path)
}

func (a *Adapter) GetFileMetadataByID(ctx context.Context, id, knownPath string) (*adapter.Record, error) {
	return a.inner.GetFileMetadataByID(ctx, id, knownPath)
}

func (a *Adapter) DeleteFile(ctx context.Context, id string) error {
	return a.inner.DeleteFile(ctx, id)
}

func (a *Adapter) MoveFile(ctx context.Context, id, newName, newParent string) (adapter.Record, error) {
	return a.inner.MoveFile(ctx, id, newName, newParent)
}

func (a *Adapter) CreateFolder(ctx context.Context, path string) (string, error) {
	return a.inner.CreateFolder(ctx, path)
}

func (a *Adapter) EnsureFoldersExist(ctx context.Context, paths []string, progress func(done, total int)) error {
	return a.inner.EnsureFoldersExist(ctx, paths, progress)
}

func (a *Adapter) GetStartPageToken(ctx context.Context) (string, error) {
	return a.inner.GetStartPageToken(ctx)
}

func (a *Adapter) GetChanges(ctx context.Context, token string) (adapter.ChangeSet, error) {
	return a.inner.GetChanges(ctx, token)
}

func (a *Adapter) InitiateResumableSession(ctx context.Context, path string, total int64, mtime time.Time, existingID string) (string, error) {
	return a.inner.InitiateResumableSession(ctx, path, total, mtime, existingID)
}

func (a *Adapter) UploadChunk(ctx context.Context, session string, chunk []byte, offset, total int64, path string, mtime time.Time) (*adapter.Record, error) {
	return a.inner.UploadChunk(ctx, session, chunk, offset, total, path, mtime)
}

// ListRevisions forwards to the underlying Adapter; revision metadata
// carries no content, so there is nothing to decrypt.
func (a *Adapter) ListRevisions(ctx context.Context, path string) ([]adapter.Revision, error) {
	return a.inner.ListRevisions(ctx, path)
}

// GetRevisionContent forwards to the underlying Adapter and decrypts the
// returned bytes, same as Download.
func (a *Adapter) GetRevisionContent(ctx context.Context, path, revisionID string) ([]byte, error) {
	ciphertext, err := a.inner.GetRevisionContent(ctx, path, revisionID)
	if err != nil {
		return nil, err
	}
	return a.decrypt(ciphertext)
}

func (a *Adapter) SetRevisionKeepForever(ctx context.Context, path, revisionID string, keep bool) error {
	return a.inner.SetRevisionKeepForever(ctx, path, revisionID, keep)
}

func (a *Adapter) DeleteRevision(ctx context.Context, path, revisionID string) error {
	return a.inner.DeleteRevision(ctx, path, revisionID)
}

func (a *Adapter) Initialize(ctx context.Context) error          { return a.inner.Initialize(ctx) }
func (a *Adapter) IsAuthenticated(ctx context.Context) (bool, error) { return a.inner.IsAuthenticated(ctx) }
func (a *Adapter) Logout(ctx context.Context) error { return a.inner.Logout(ctx) }
func (a *Adapter) Reset(ctx context.Context) error  { return a.inner.Reset(ctx) }

var _ adapter.Adapter = (*Adapter)(nil)
