package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
)

type fakeS3 struct {
	objects  map[string][]byte
	failures int
	gets     int
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k, v := range f.objects {
		if len(k) >= len(aws.ToString(in.Prefix)) && k[:len(aws.ToString(in.Prefix))] == aws.ToString(in.Prefix) {
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(k),
				Size:         aws.Int64(int64(len(v))),
				LastModified: aws.Time(time.Unix(1700000000, 0)),
			})
		}
	}
	return out, nil
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri       string
		bucket    string
		key       string
		shouldErr bool
	}{
		{"s3://fw-bucket/livox/mid360.bin", "fw-bucket", "livox/mid360.bin", false},
		{"s3://fw-bucket/", "", "", true},
		{"s3://fw-bucket", "", "", true},
		{"https://example.com/a.bin", "", "", true},
	}

	for _, tt := range tests {
		bucket, key, err := ParseURI(tt.uri)
		if tt.shouldErr {
			if err == nil {
				t.Errorf("expected error for %s", tt.uri)
			}
			continue
		}
		if err != nil || bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseURI(%s) = %s, %s, %v", tt.uri, bucket, key, err)
		}
	}
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	payload := []byte("firmware bytes")
	api := &fakeS3{objects: map[string][]byte{"fw/a.bin": payload}, failures: 2}
	fs := afero.NewMemMapFs()
	c := NewClientWithAPI(api, "bucket", fs)

	res, err := c.Download(context.Background(), "fw/a.bin", "/cache/a.bin")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if api.gets != 3 {
		t.Errorf("expected 3 attempts, got %d", api.gets)
	}

	sum := sha256.Sum256(payload)
	if res.SHA256 != hex.EncodeToString(sum[:]) || res.Size != int64(len(payload)) {
		t.Errorf("unexpected result %+v", res)
	}
	got, err := afero.ReadFile(fs, "/cache/a.bin")
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("local file = %q, %v", got, err)
	}
}

func TestDownloadMissingKeyIsPermanent(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{}}
	c := NewClientWithAPI(api, "bucket", afero.NewMemMapFs())

	if _, err := c.Download(context.Background(), "missing.bin", "/cache/missing.bin"); err == nil {
		t.Fatal("expected error")
	}
	if api.gets != 1 {
		t.Errorf("missing key retried %d times", api.gets)
	}
}

func TestListAndExists(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{
		"livox/a.bin":   make([]byte, 10),
		"livox/b.bin":   make([]byte, 20),
		"vehicle/c.bin": make([]byte, 30),
	}}
	c := NewClientWithAPI(api, "bucket", afero.NewMemMapFs())

	objs, err := c.ListObjects(context.Background(), "livox/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 2 {
		t.Errorf("expected 2 objects, got %d", len(objs))
	}

	ok, err := c.Exists(context.Background(), "vehicle/c.bin")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	ok, err = c.Exists(context.Background(), "vehicle/z.bin")
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
}
