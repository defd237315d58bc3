package remote

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chunkrelay/internal/logging"
)

// ObjectClient is the subset of the minio client used by S3.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// S3 implements Host on any S3-compatible bucket. Handles are object names and
// direct URLs are presigned GETs, so they expire like the messaging host's do.
type S3 struct {
	client ObjectClient
	bucket string
	prefix string
	urlTTL time.Duration
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint string        // S3_ENDPOINT
	KeyID    string        // S3_KEY_ID
	AppKey   string        // S3_APP_KEY
	Bucket   string        // S3_BUCKET
	Prefix   string        // S3_PREFIX - optional folder prefix for all objects
	Secure   bool          // S3_SECURE
	URLTTL   time.Duration // lifetime of presigned URLs
}

// NewS3 creates a new S3-backed host.
func NewS3(cfg S3Config) (*S3, error) {
	logging.S3.Printf("initializing host (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		logging.S3.Printf("failed to create client: %v", err)
		return nil, err
	}

	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix, cfg.URLTTL), nil
}

// NewS3WithClient wraps an existing client; used by tests.
func NewS3WithClient(client ObjectClient, bucket, prefix string, urlTTL time.Duration) *S3 {
	if urlTTL == 0 {
		urlTTL = time.Hour
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
		urlTTL: urlTTL,
	}
}

func (s *S3) Name() string {
	return "s3:" + s.bucket
}

func (s *S3) key(handle string) string {
	if s.prefix == "" {
		return handle
	}
	return path.Join(s.prefix, handle)
}

func (s *S3) Upload(ctx context.Context, filename string, data io.Reader, size int64) (string, error) {
	handle := uuid.NewString() + path.Ext(filename)
	key := s.key(handle)
	logging.S3.Printf("uploading %s as %s to bucket %s", filename, key, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		logging.S3.Printf("upload failed for %s: %v", key, err)
		return "", classifyMinio("put", err)
	}

	logging.S3.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return handle, nil
}

func (s *S3) Resolve(ctx context.Context, handle string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.key(handle), s.urlTTL, nil)
	if err != nil {
		logging.S3.Printf("failed to presign %s: %v", handle, err)
		return "", classifyMinio("presign", err)
	}
	return u.String(), nil
}

func (s *S3) Delete(ctx context.Context, handle string) error {
	key := s.key(handle)
	logging.S3.Printf("deleting %s from bucket %s", key, s.bucket)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.S3.Printf("failed to delete %s: %v", key, err)
		return classifyMinio("remove", err)
	}
	return nil
}

func classifyMinio(op string, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.StatusCode == 0 {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	if errResp.Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return APIError(op, errResp.StatusCode, errResp.Message)
}
