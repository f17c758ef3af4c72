package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string][]byte
	put     map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, put: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.put[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref         string
		bucket, key string
		ok          bool
	}{
		{"s3://media/raw/in.mp4", "media", "raw/in.mp4", true},
		{"s3://media", "", "", false},
		{"s3:///key", "", "", false},
		{"/local/in.mp4", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := ParseRef(tt.ref)
		if bucket != tt.bucket || key != tt.key || ok != tt.ok {
			t.Fatalf("ParseRef(%q) = %q %q %v", tt.ref, bucket, key, ok)
		}
	}
}

func TestFetchSourceLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	client := NewLocal(dir, nil)

	for _, ref := range []string{path, "file://" + path} {
		src, cleanup, err := client.FetchSource(context.Background(), ref)
		if err != nil {
			t.Fatalf("FetchSource(%s) returned error: %v", ref, err)
		}
		if src.Path != path || src.Filename != "in.mp4" || src.Size != 5 {
			t.Fatalf("unexpected source: %+v", src)
		}
		if err := cleanup(); err != nil {
			t.Fatalf("cleanup returned error: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("local source removed by cleanup: %v", err)
		}
	}
}

func TestFetchSourceErrors(t *testing.T) {
	dir := t.TempDir()
	client := NewLocal(dir, nil)

	if _, _, err := client.FetchSource(context.Background(), filepath.Join(dir, "missing.mp4")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, _, err := client.FetchSource(context.Background(), dir); err == nil {
		t.Fatal("expected error for directory source")
	}
	if _, _, err := client.FetchSource(context.Background(), "s3://bucket/key.mp4"); err == nil {
		t.Fatal("expected error when object storage is not configured")
	}
}

func TestFetchSourceFromS3(t *testing.T) {
	api := newFakeS3()
	api.objects["media/raw/in.mp4"] = []byte("remote video bytes")
	client := NewWithAPI(api, Config{TempDir: t.TempDir()}, nil)

	src, cleanup, err := client.FetchSource(context.Background(), "s3://media/raw/in.mp4")
	if err != nil {
		t.Fatalf("FetchSource returned error: %v", err)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "remote video bytes" || src.Filename != "in.mp4" {
		t.Fatalf("unexpected download: %q %+v", data, src)
	}

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup returned error: %v", err)
	}
	if _, err := os.Stat(src.Path); !os.IsNotExist(err) {
		t.Fatalf("temporary download not removed: %v", err)
	}
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(path, []byte("final"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	local := NewLocal(dir, nil)
	loc, err := local.Publish(context.Background(), path, "videos/out.mp4")
	if err != nil || loc != path {
		t.Fatalf("local publish should return the path, got %q %v", loc, err)
	}

	api := newFakeS3()
	remote := NewWithAPI(api, Config{OutputBucket: "results"}, nil)
	loc, err = remote.Publish(context.Background(), path, "videos/out.mp4")
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if loc != "s3://results/videos/out.mp4" {
		t.Fatalf("unexpected location: %s", loc)
	}
	if string(api.put["results/videos/out.mp4"]) != "final" {
		t.Fatalf("uploaded body mismatch: %q", api.put["results/videos/out.mp4"])
	}
	if api.types["results/videos/out.mp4"] == "" {
		t.Fatal("content type not set")
	}
}

func TestEnsureFreeSpace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	client := NewLocal("", nil)

	if err := client.EnsureFreeSpace(context.Background(), dir, 1); err != nil {
		t.Fatalf("EnsureFreeSpace(1 byte) returned error: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	err := client.EnsureFreeSpace(context.Background(), dir, ^uint64(0))
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}
