package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/config"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrTargetRejected is returned by Put when the presigned target refuses the
// upload because it expired or its signature no longer matches.
var ErrTargetRejected = errors.New("upload target rejected")

type UploadTarget struct {
	UploadURL string
	FinalURL  string
	ExpiresIn time.Duration
}

type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	http   *http.Client
}

func NewMinioStore(ctx context.Context, cfg config.MinIOConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// 确保存储桶存在
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStore{
		client: client,
		bucket: cfg.BucketName,
		expiry: cfg.UploadURLExpiry,
		http:   &http.Client{},
	}, nil
}

// ObjectName keys uploads by material so a regenerated target overwrites the
// same object instead of leaving an orphan behind.
func ObjectName(materialID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return ObjectPrefix(materialID) + name
}

// PresignUpload returns a time-limited PUT target for objectName.
func (s *MinioStore) PresignUpload(ctx context.Context, objectName string) (UploadTarget, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectName, s.expiry)
	if err != nil {
		return UploadTarget{}, fmt.Errorf("failed to generate presigned upload URL: %w", err)
	}
	return UploadTarget{
		UploadURL: u.String(),
		FinalURL:  ObjectURL(s.bucket, objectName),
		ExpiresIn: s.expiry,
	}, nil
}

// Put streams the local file at filePath to uploadURL, reporting 0-100.
func (s *MinioStore) Put(ctx context.Context, filePath, uploadURL, contentType string, onProgress func(percent int)) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filePath, err)
	}

	body := newProgressReader(f, info.Size(), onProgress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body.finish()
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: http %d: %s", ErrTargetRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("upload http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

// RemoveMaterialObjects deletes every object stored under the material's
// prefix, including partial uploads that never reached NotifyUploadComplete.
func (s *MinioStore) RemoveMaterialObjects(ctx context.Context, materialID uuid.UUID) error {
	prefix := ObjectPrefix(materialID)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %s from MinIO: %w", obj.Key, err)
		}
	}
	return nil
}

func ObjectPrefix(materialID uuid.UUID) string {
	return "materials/" + materialID.String() + "/"
}

func ObjectURL(bucket, object string) string {
	return "s3://" + bucket + "/" + object
}
