// Package s3 implements the versioned blob store on Amazon S3 or
// S3-compatible storage.
//
// Snapshot ids are S3 object version ids, so the target bucket must have
// versioning enabled. Metadata maps onto S3 user metadata.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gristlabs/grist-hsm/pkg/blob"
)

// API is the subset of the S3 client the store uses. *s3.Client satisfies
// it; tests substitute a fake.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	s3.ListObjectVersionsAPIClient
}

// Store implements blob.Store over a versioned S3 bucket.
//
// Thread safety: safe for concurrent use. Concurrent uploads to the same key
// produce distinct version ids, never corruption; S3 orders them by arrival.
type Store struct {
	client API
	bucket string
}

// Config contains configuration for the S3 blob store.
type Config struct {
	// Client is the configured S3 client.
	Client API

	// Bucket is the S3 bucket name. Versioning must be enabled on it.
	Bucket string
}

// NewClientFromConfig creates an S3 client from configuration parameters.
// This is a helper for wiring the store from YAML configuration.
func NewClientFromConfig(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})
	return client, nil
}

// New creates a new S3-backed blob store. The bucket must already exist;
// this function verifies access but does not create it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{client: cfg.Client, bucket: cfg.Bucket}, nil
}

// Exists reports whether the key (or the specific version) is addressable.
func (s *Store) Exists(ctx context.Context, key, snapshotID string) (bool, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if snapshotID != "" {
		input.VersionId = aws.String(snapshotID)
	}

	_, err := s.client.HeadObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %q failed: %w", key, err)
	}
	return true, nil
}

// Head returns the requested version, or the latest with an empty id.
func (s *Store) Head(ctx context.Context, key, snapshotID string) (*blob.Snapshot, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if snapshotID != "" {
		input.VersionId = aws.String(snapshotID)
	}

	out, err := s.client.HeadObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("head object %q failed: %w", key, err)
	}

	snap := &blob.Snapshot{Metadata: out.Metadata}
	if out.VersionId != nil {
		snap.SnapshotID = *out.VersionId
	}
	if out.LastModified != nil {
		snap.LastModified = *out.LastModified
	}
	return snap, nil
}

// Upload stores localPath as a new object version and returns the minted
// version id.
func (s *Store) Upload(ctx context.Context, key, localPath string, metadata map[string]string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %q: %w", localPath, err)
	}
	defer f.Close()

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     f,
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("put object %q failed: %w", key, err)
	}
	if out.VersionId == nil {
		return "", fmt.Errorf("bucket %q did not return a version id; is versioning enabled?", s.bucket)
	}
	return *out.VersionId, nil
}

// Download writes the requested version to localPath via a temp file so no
// partially valid file is ever published.
func (s *Store) Download(ctx context.Context, key, localPath, snapshotID string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if snapshotID != "" {
		input.VersionId = aws.String(snapshotID)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			if snapshotID != "" {
				return "", blob.ErrSnapshotNotFound
			}
			return "", blob.ErrKeyNotFound
		}
		return "", fmt.Errorf("get object %q failed: %w", key, err)
	}
	defer out.Body.Close()

	// Stage beside the destination; the final rename must not cross
	// filesystems.
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".hsm-download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := copyAndSync(tmp, out.Body); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to stream object %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to place download at %q: %w", localPath, err)
	}

	if out.VersionId != nil {
		return *out.VersionId, nil
	}
	return "", nil
}

// Versions lists all versions of key, newest first.
func (s *Store) Versions(ctx context.Context, key string) ([]blob.Snapshot, error) {
	var snaps []blob.Snapshot

	paginator := s3.NewListObjectVersionsPaginator(s.client, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list versions of %q failed: %w", key, err)
		}
		for _, v := range page.Versions {
			// Prefix listing may include sibling keys.
			if v.Key == nil || *v.Key != key {
				continue
			}
			snap := blob.Snapshot{}
			if v.VersionId != nil {
				snap.SnapshotID = *v.VersionId
			}
			if v.LastModified != nil {
				snap.LastModified = *v.LastModified
			}
			snaps = append(snaps, snap)
		}
	}

	// ListObjectVersions never carries user metadata; a HeadObject per
	// version fills it in.
	for i := range snaps {
		if err := s.headMetadata(ctx, key, &snaps[i]); err != nil {
			return nil, err
		}
	}

	// ListObjectVersions returns newest first per key.
	return snaps, nil
}

// headMetadata fills in the metadata for a listed snapshot.
func (s *Store) headMetadata(ctx context.Context, key string, snap *blob.Snapshot) error {
	full, err := s.Head(ctx, key, snap.SnapshotID)
	if err != nil {
		return err
	}
	if full != nil {
		snap.Metadata = full.Metadata
	}
	return nil
}

// Remove deletes the given versions, or all versions of the key with no ids.
func (s *Store) Remove(ctx context.Context, key string, snapshotIDs ...string) error {
	if len(snapshotIDs) == 0 {
		versions, err := s.Versions(ctx, key)
		if err != nil {
			return err
		}
		for _, v := range versions {
			snapshotIDs = append(snapshotIDs, v.SnapshotID)
		}
		if len(snapshotIDs) == 0 {
			return nil
		}
	}

	objects := make([]types.ObjectIdentifier, 0, len(snapshotIDs))
	for _, id := range snapshotIDs {
		objects = append(objects, types.ObjectIdentifier{
			Key:       aws.String(key),
			VersionId: aws.String(id),
		})
	}

	// DeleteObjects accepts at most 1000 entries per call.
	for len(objects) > 0 {
		batch := objects
		if len(batch) > 1000 {
			batch = batch[:1000]
		}
		objects = objects[len(batch):]

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("delete versions of %q failed: %w", key, err)
		}
	}
	return nil
}

// URL returns a human-displayable locator for the key.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// IsFatalError classifies S3 failures for the push scheduler. Missing keys,
// missing versions and access denials will not heal on retry; everything
// else (network, throttling, 5xx) is considered transient.
func (s *Store) IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, blob.ErrKeyNotFound) || errors.Is(err, blob.ErrSnapshotNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchVersion", "NoSuchBucket", "NotFound", "AccessDenied", "InvalidAccessKeyId":
			return true
		}
	}
	return false
}

// Close releases resources. The S3 client has no close semantics.
func (s *Store) Close() error { return nil }

// HealthCheck verifies bucket access with a short deadline.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %q not reachable: %w", s.bucket, err)
	}
	return nil
}

func copyAndSync(dst *os.File, src io.Reader) error {
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchVersion", "NotFound":
			return true
		}
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

var _ blob.Store = (*Store)(nil)
