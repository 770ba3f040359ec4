// Package s3adapter implements adapter.Adapter against an S3-compatible
// bucket using aws-sdk-go-v2. File identity is the object key (path);
// mtime and content hash ride as user metadata since S3 itself only tracks
// ETag and LastModified. Resumable upload uses S3 multipart upload, and
// revision history uses S3 object versioning when the bucket has it
// enabled; both are advertised to the core via Capabilities so unversioned
// buckets degrade gracefully instead of failing at call time.
package s3adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/hashutil"
)

const (
	metaMTime = "vaultsync-mtime"
	metaHash  = "vaultsync-hash"
)

// Config configures a bucket connection. Endpoint is only set for
// S3-compatible providers other than AWS.
type Config struct {
	Bucket      string
	Region      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Prefix      string // key prefix scoping this vault within the bucket
	Versioned   bool   // true if the bucket has object versioning enabled
}

// Adapter is an S3-backed adapter.Adapter.
type Adapter struct {
	client *s3.Client
	cfg    Config
	caps   adapter.Capabilities

	// sessions tracks in-progress multipart uploads by session id.
	sessions map[string]*multipartSession
}

type multipartSession struct {
	uploadID string
	key      string
	mtime    time.Time
	partNum  int32
	parts    []types.CompletedPart
}

// New creates an S3-backed Adapter from cfg.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3adapter: loading aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Adapter{
		client:   s3.NewFromConfig(awsCfg, opts...),
		cfg:      cfg,
		sessions: make(map[string]*multipartSession),
		caps: adapter.Capabilities{
			Name:               "s3adapter",
			VaultName:          cfg.Bucket,
			SupportsChangesAPI: false, // S3 has no native change-feed token
			SupportsHash:       true,
			SupportsHistory:    cfg.Versioned,
			SupportsResumable:  true,
		},
	}, nil
}

func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

func (a *Adapter) key(path string) string {
	if a.cfg.Prefix == "" {
		return path
	}
	return strings.TrimSuffix(a.cfg.Prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (a *Adapter) pathFromKey(key string) string {
	prefix := strings.TrimSuffix(a.cfg.Prefix, "/") + "/"
	if a.cfg.Prefix != "" && strings.HasPrefix(key, prefix) {
		return strings.TrimPrefix(key, prefix)
	}
	return key
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (a *Adapter) ListFiles(ctx context.Context, folder string) ([]adapter.Record, error) {
	prefix := a.key(folder)
	var out []adapter.Record
	var token *string
	for {
		resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3adapter: list %s: %w", prefix, err)
		}
		for _, obj := range resp.Contents {
			rec, err := a.headToRecord(ctx, aws.ToString(obj.Key))
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func (a *Adapter) headToRecord(ctx context.Context, key string) (adapter.Record, error) {
	resp, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return adapter.Record{}, err
	}
	return recordFromHead(a.pathFromKey(key), key, resp.Metadata, aws.ToInt64(resp.ContentLength), resp.LastModified), nil
}

func recordFromHead(path, key string, meta map[string]string, size int64, lastModified *time.Time) adapter.Record {
	rec := adapter.Record{
		ID:   key,
		Path: path,
		Kind: adapter.KindFile,
		Size: size,
	}
	if lastModified != nil {
		rec.MTime = *lastModified
	}
	if v, ok := meta[metaMTime]; ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.MTime = time.Unix(sec, 0).UTC()
		}
	}
	if v, ok := meta[metaHash]; ok {
		rec.Hash = v
		rec.HasHash = true
	}
	return rec
}

func (a *Adapter) GetFileMetadata(ctx context.Context, path string) (*adapter.Record, error) {
	rec, err := a.headToRecord(ctx, a.key(path))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3adapter: head %s: %w", path, err)
	}
	return &rec, nil
}

func (a *Adapter) GetFileMetadataByID(ctx context.Context, id string, knownPath string) (*adapter.Record, error) {
	// The object key is the ID, so id is looked up directly as a key;
	// knownPath is not consulted.
	rec, err := a.headToRecord(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3adapter: head by id %s: %w", id, err)
	}
	return &rec, nil
}

func (a *Adapter) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("s3adapter: get %s: %w", id, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3adapter: reading body of %s: %w", id, err)
	}
	return data, nil
}

func (a *Adapter) UploadFile(ctx context.Context, path string, data []byte, mtime time.Time, existingID string) (adapter.Record, error) {
	key := a.key(path)
	if existingID != "" {
		key = existingID
	}
	hash := hashutil.Bytes(data)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			metaMTime: strconv.FormatInt(mtime.Unix(), 10),
			metaHash:  hash,
		},
	})
	if err != nil {
		return adapter.Record{}, fmt.Errorf("s3adapter: put %s: %w", key, err)
	}
	return adapter.Record{ID: key, Path: path, Kind: adapter.KindFile, MTime: mtime, Size: int64(len(data)), Hash: hash, HasHash: true}, nil
}

func (a *Adapter) DeleteFile(ctx context.Context, id string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("s3adapter: delete %s: %w", id, err)
	}
	return nil
}

// MoveFile on S3 is a copy-then-delete; there is no atomic rename primitive.
func (a *Adapter) MoveFile(ctx context.Context, id, newName, newParent string) (adapter.Record, error) {
	newPath := newName
	if newParent != "" {
		newPath = strings.TrimSuffix(newParent, "/") + "/" + newName
	}
	newKey := a.key(newPath)
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.cfg.Bucket),
		Key:        aws.String(newKey),
		CopySource: aws.String(a.cfg.Bucket + "/" + id),
	})
	if err != nil {
		return adapter.Record{}, fmt.Errorf("s3adapter: copy %s -> %s: %w", id, newKey, err)
	}
	if err := a.DeleteFile(ctx, id); err != nil {
		return adapter.Record{}, fmt.Errorf("s3adapter: cleanup after move %s: %w", id, err)
	}
	rec, err := a.headToRecord(ctx, newKey)
	if err != nil {
		return adapter.Record{}, fmt.Errorf("s3adapter: head after move %s: %w", newKey, err)
	}
	return rec, nil
}

// CreateFolder writes a zero-byte marker object: S3 has no real folders,
// only key prefixes, so the marker stands in for UI listings that expect
// folder entries to exist.
func (a *Adapter) CreateFolder(ctx context.Context, path string) (string, error) {
	key := strings.TrimSuffix(a.key(path), "/") + "/"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return "", fmt.Errorf("s3adapter: create folder marker %s: %w", key, err)
	}
	return key, nil
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

// GetStartPageToken and GetChanges are unsupported: plain S3 has no native
// change-feed token comparable to the folder-sync providers this adapter
// family otherwise supports. Capabilities.SupportsChangesAPI is false, so
// the core must fall back to periodic full listing for this adapter.
func (a *Adapter) GetStartPageToken(context.Context) (string, error) {
	return "", &adapter.CapabilityError{Adapter: a.caps.Name, Operation: "GetStartPageToken"}
}

func (a *Adapter) GetChanges(context.Context, string) (adapter.ChangeSet, error) {
	return adapter.ChangeSet{}, &adapter.CapabilityError{Adapter: a.caps.Name, Operation: "GetChanges"}
}

func (a *Adapter) InitiateResumableSession(_ context.Context, path string, _ int64, mtime time.Time, existingID string) (string, error) {
	key := a.key(path)
	if existingID != "" {
		key = existingID
	}
	resp, err := a.client.CreateMultipartUpload(context.Background(), &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Metadata: map[string]string{
			metaMTime: strconv.FormatInt(mtime.Unix(), 10),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3adapter: create multipart upload %s: %w", key, err)
	}
	session := aws.ToString(resp.UploadId)
	a.sessions[session] = &multipartSession{uploadID: session, key: key, mtime: mtime}
	return session, nil
}

func (a *Adapter) UploadChunk(ctx context.Context, sessionID string, chunk []byte, offset, total int64, path string, mtime time.Time) (*adapter.Record, error) {
	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("s3adapter: unknown multipart session %q", sessionID)
	}
	sess.partNum++
	partResp, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(a.cfg.Bucket),
		Key:        aws.String(sess.key),
		UploadId:   aws.String(sess.uploadID),
		PartNumber: aws.Int32(sess.partNum),
		Body:       bytes.NewReader(chunk),
	})
	if err != nil {
		return nil, fmt.Errorf("s3adapter: upload part %d of %s: %w", sess.partNum, sess.key, err)
	}
	sess.parts = append(sess.parts, types.CompletedPart{ETag: partResp.ETag, PartNumber: aws.Int32(sess.partNum)})

	if offset+int64(len(chunk)) < total {
		return nil, nil
	}

	_, err = a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(sess.key),
		UploadId:        aws.String(sess.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: sess.parts},
	})
	if err != nil {
		return nil, fmt.Errorf("s3adapter: complete multipart upload %s: %w", sess.key, err)
	}
	delete(a.sessions, sessionID)

	rec := adapter.Record{ID: sess.key, Path: path, Kind: adapter.KindFile, MTime: mtime, Size: total}
	return &rec, nil
}

func (a *Adapter) ListRevisions(ctx context.Context, path string) ([]adapter.Revision, error) {
	if !a.caps.SupportsHistory {
		return nil, &adapter.CapabilityError{Adapter: a.caps.Name, Operation: "ListRevisions"}
	}
	resp, err := a.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(a.key(path)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3adapter: list versions of %s: %w", path, err)
	}
	var out []adapter.Revision
	for _, v := range resp.Versions {
		if aws.ToString(v.Key) != a.key(path) {
			continue
		}
		out = append(out, adapter.Revision{
			ID:    aws.ToString(v.VersionId),
			Size:  aws.ToInt64(v.Size),
			MTime: aws.ToTime(v.LastModified),
		})
	}
	return out, nil
}

func (a *Adapter) GetRevisionContent(ctx context.Context, path, revisionID string) ([]byte, error) {
	if !a.caps.SupportsHistory {
		return nil, &adapter.CapabilityError{Adapter: a.caps.Name, Operation: "GetRevisionContent"}
	}
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(a.cfg.Bucket),
		Key:       aws.String(a.key(path)),
		VersionId: aws.String(revisionID),
	})
	if err != nil {
		return nil, fmt.Errorf("s3adapter: get version %s of %s: %w", revisionID, path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// SetRevisionKeepForever has no S3 equivalent without object-lock
// governance mode, which this adapter does not configure.
func (a *Adapter) SetRevisionKeepForever(context.Context, string, string, bool) error {
	return &adapter.CapabilityError{Adapter: a.caps.Name, Operation: "SetRevisionKeepForever"}
}

func (a *Adapter) DeleteRevision(ctx context.Context, path, revisionID string) error {
	if !a.caps.SupportsHistory {
		return &adapter.CapabilityError{Adapter: a.caps.Name, Operation: "DeleteRevision"}
	}
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(a.cfg.Bucket),
		Key:       aws.String(a.key(path)),
		VersionId: aws.String(revisionID),
	})
	if err != nil {
		return fmt.Errorf("s3adapter: delete version %s of %s: %w", revisionID, path, err)
	}
	return nil
}

func (a *Adapter) Initialize(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("s3adapter: bucket %s unreachable: %w", a.cfg.Bucket, err)
	}
	return nil
}

func (a *Adapter) IsAuthenticated(ctx context.Context) (bool, error) {
	err := a.Initialize(ctx)
	return err == nil, nil
}

// Logout is a no-op: credentials are supplied by configuration, not an
// interactive session this adapter owns.
func (a *Adapter) Logout(context.Context) error { return nil }

func (a *Adapter) Reset(ctx context.Context) error {
	objs, err := a.ListFiles(ctx, "")
	if err != nil {
		return err
	}
	for _, o := range objs {
		if err := a.DeleteFile(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
