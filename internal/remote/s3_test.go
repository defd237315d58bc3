package remote

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

// mockObjectClient implements ObjectClient for testing.
type mockObjectClient struct {
	putFunc    func(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	removeFunc func(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error

	putKeys     []string
	presignKeys []string
	presignTTL  time.Duration
	removeKeys  []string
}

func (m *mockObjectClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	m.putKeys = append(m.putKeys, key)
	if m.putFunc != nil {
		return m.putFunc(ctx, bucket, key, reader, size, opts)
	}
	data, _ := io.ReadAll(reader)
	return minio.UploadInfo{Size: int64(len(data))}, nil
}

func (m *mockObjectClient) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, reqParams url.Values) (*url.URL, error) {
	m.presignKeys = append(m.presignKeys, key)
	m.presignTTL = expiry
	return url.Parse("https://s3.example.com/" + bucket + "/" + key + "?X-Amz-Signature=abc")
}

func (m *mockObjectClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	m.removeKeys = append(m.removeKeys, key)
	if m.removeFunc != nil {
		return m.removeFunc(ctx, bucket, key, opts)
	}
	return nil
}

func TestS3_Key(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		handle string
		want   string
	}{
		{"no prefix", "", "abc123", "abc123"},
		{"with prefix", "chunks", "abc123", "chunks/abc123"},
		{"prefix with trailing slash normalizes", "chunks/", "abc123", "chunks/abc123"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host := NewS3WithClient(nil, "bucket", tc.prefix, 0)
			got := host.key(tc.handle)
			if got != tc.want {
				t.Errorf("key(%q) = %q, want %q", tc.handle, got, tc.want)
			}
		})
	}
}

func TestS3_UploadAndResolve(t *testing.T) {
	client := &mockObjectClient{}
	host := NewS3WithClient(client, "bucket", "chunks", time.Hour)

	handle, err := host.Upload(context.Background(), "movie.mkv", strings.NewReader("data"), 4)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if !strings.HasSuffix(handle, ".mkv") {
		t.Errorf("handle %q should keep the file extension", handle)
	}
	if len(client.putKeys) != 1 || client.putKeys[0] != "chunks/"+handle {
		t.Errorf("unexpected put keys %v", client.putKeys)
	}

	u, err := host.Resolve(context.Background(), handle)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(u, "chunks/"+handle) {
		t.Errorf("resolved url %q does not reference the object", u)
	}
	if client.presignTTL != time.Hour {
		t.Errorf("presign ttl = %v, want 1h", client.presignTTL)
	}
}

func TestS3_UploadFailureIsTransient(t *testing.T) {
	client := &mockObjectClient{
		putFunc: func(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
			return minio.UploadInfo{}, errors.New("connection reset")
		},
	}
	host := NewS3WithClient(client, "bucket", "", 0)

	_, err := host.Upload(context.Background(), "f", strings.NewReader("x"), 1)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestS3_DeleteNotFound(t *testing.T) {
	client := &mockObjectClient{
		removeFunc: func(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
			return minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
		},
	}
	host := NewS3WithClient(client, "bucket", "", 0)

	if err := host.Delete(context.Background(), "gone"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
