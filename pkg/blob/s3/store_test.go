package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gristlabs/grist-hsm/pkg/blob"
)

type fakeVersion struct {
	id       string
	data     []byte
	metadata map[string]string
	modified time.Time
}

// fakeAPI is an in-memory stand-in for the S3 client. It mirrors the shape
// of the real service where it matters here: ListObjectVersions returns
// newest first and never carries user metadata.
type fakeAPI struct {
	mu       sync.Mutex
	objects  map[string][]fakeVersion
	nextID   int
	wrapBody func(io.ReadCloser) io.ReadCloser
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string][]fakeVersion{}}
}

func (f *fakeAPI) find(key, versionID string) (fakeVersion, bool) {
	versions := f.objects[key]
	if len(versions) == 0 {
		return fakeVersion{}, false
	}
	if versionID == "" {
		return versions[len(versions)-1], true
	}
	for _, v := range versions {
		if v.id == versionID {
			return v, true
		}
	}
	return fakeVersion{}, false
}

func (f *fakeAPI) HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return &awss3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var versionID string
	if in.VersionId != nil {
		versionID = *in.VersionId
	}
	v, ok := f.find(*in.Key, versionID)
	if !ok {
		return nil, &types.NotFound{}
	}
	modified := v.modified
	return &awss3.HeadObjectOutput{
		VersionId:    &v.id,
		Metadata:     v.metadata,
		LastModified: &modified,
	}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var versionID string
	if in.VersionId != nil {
		versionID = *in.VersionId
	}
	v, ok := f.find(*in.Key, versionID)
	if !ok {
		return nil, &types.NotFound{}
	}
	body := io.ReadCloser(io.NopCloser(bytes.NewReader(v.data)))
	if f.wrapBody != nil {
		body = f.wrapBody(body)
	}
	return &awss3.GetObjectOutput{Body: body, VersionId: &v.id}, nil
}

func (f *fakeAPI) PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	v := fakeVersion{
		id:       fmt.Sprintf("ver-%04d", f.nextID),
		data:     data,
		metadata: in.Metadata,
		modified: time.Now().UTC(),
	}
	f.objects[*in.Key] = append(f.objects[*in.Key], v)
	return &awss3.PutObjectOutput{VersionId: &v.id}, nil
}

func (f *fakeAPI) DeleteObjects(ctx context.Context, in *awss3.DeleteObjectsInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, obj := range in.Delete.Objects {
		versions := f.objects[*obj.Key]
		kept := versions[:0]
		for _, v := range versions {
			if obj.VersionId == nil || v.id != *obj.VersionId {
				kept = append(kept, v)
			}
		}
		f.objects[*obj.Key] = kept
	}
	return &awss3.DeleteObjectsOutput{}, nil
}

func (f *fakeAPI) ListObjectVersions(ctx context.Context, in *awss3.ListObjectVersionsInput, optFns ...func(*awss3.Options)) (*awss3.ListObjectVersionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &awss3.ListObjectVersionsOutput{}
	for key, versions := range f.objects {
		if in.Prefix != nil && !strings.HasPrefix(key, *in.Prefix) {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- {
			v := versions[i]
			k, id, modified := key, v.id, v.modified
			out.Versions = append(out.Versions, types.ObjectVersion{
				Key:          &k,
				VersionId:    &id,
				LastModified: &modified,
			})
		}
	}
	return out, nil
}

// readHook runs a callback before each read of the wrapped stream.
type readHook struct {
	io.ReadCloser
	onRead func()
}

func (r *readHook) Read(p []byte) (int, error) {
	r.onRead()
	return r.ReadCloser.Read(p)
}

func newTestStore(t *testing.T, api API) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Client: api, Bucket: "test-bucket"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func writeTemp(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestStore_VersionsCarryMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeAPI())

	meta1 := map[string]string{"tz": "UTC", "h": "hash1"}
	meta2 := map[string]string{"tz": "America/New_York", "h": "hash2", "label": "nightly"}
	id1, err := s.Upload(ctx, "doc/d1", writeTemp(t, "v1"), meta1)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	id2, err := s.Upload(ctx, "doc/d1", writeTemp(t, "v2"), meta2)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	versions, err := s.Versions(ctx, "doc/d1")
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("Versions returned %d entries, want 2", len(versions))
	}
	if versions[0].SnapshotID != id2 || versions[1].SnapshotID != id1 {
		t.Errorf("Versions not newest first: got %q, %q", versions[0].SnapshotID, versions[1].SnapshotID)
	}
	if versions[0].Metadata["label"] != "nightly" || versions[0].Metadata["h"] != "hash2" {
		t.Errorf("newest version metadata = %v, want %v", versions[0].Metadata, meta2)
	}
	if versions[1].Metadata["tz"] != "UTC" || versions[1].Metadata["h"] != "hash1" {
		t.Errorf("oldest version metadata = %v, want %v", versions[1].Metadata, meta1)
	}
}

func TestStore_VersionsSkipSiblingKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeAPI())

	if _, err := s.Upload(ctx, "doc/d1", writeTemp(t, "trunk"), nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := s.Upload(ctx, "doc/d1~fork1", writeTemp(t, "fork"), nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	versions, err := s.Versions(ctx, "doc/d1")
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("Versions returned %d entries, want 1", len(versions))
	}
}

func TestStore_DownloadStagesBesideDestination(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	s := newTestStore(t, api)

	id, err := s.Upload(ctx, "doc/d1", writeTemp(t, "document body"), nil)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "d1.grist")

	// Capture the staging location while the stream is still being copied.
	var stagedInDestDir bool
	api.wrapBody = func(body io.ReadCloser) io.ReadCloser {
		return &readHook{ReadCloser: body, onRead: func() {
			entries, err := os.ReadDir(destDir)
			if err != nil {
				t.Errorf("ReadDir failed: %v", err)
				return
			}
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".hsm-download-") {
					stagedInDestDir = true
				}
			}
		}}
	}

	gotID, err := s.Download(ctx, "doc/d1", dest, "")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if gotID != id {
		t.Errorf("Download returned snapshot %q, want %q", gotID, id)
	}
	if !stagedInDestDir {
		t.Error("download was not staged in the destination directory")
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "document body" {
		t.Errorf("Download wrote %q, want %q", data, "document body")
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("destination directory has %d entries after download, want only the document", len(entries))
	}
}

func TestStore_DownloadMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeAPI())

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := s.Download(ctx, "doc/none", dest, ""); !errors.Is(err, blob.ErrKeyNotFound) {
		t.Errorf("Download of missing key returned %v, want ErrKeyNotFound", err)
	}
	if _, err := s.Download(ctx, "doc/none", dest, "ver-0001"); !errors.Is(err, blob.ErrSnapshotNotFound) {
		t.Errorf("Download of missing version returned %v, want ErrSnapshotNotFound", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed download left a file at the destination")
	}
}
