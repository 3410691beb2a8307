package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cineforge-server/config"
)

// Uploader publishes finished artifacts (final films, rendered clips) to a
// MinIO bucket and hands back a presigned download URL. Construction fails
// when MinIO is configured but unreachable; a server without MinIO simply
// runs with no uploader and keeps artifacts on local paths.
type Uploader struct {
	client *minio.Client
	bucket string
}

func NewUploader(cfg *config.Config) (*Uploader, error) {
	mc := cfg.MinIO
	client, err := minio.New(mc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(mc.AccessKey, mc.SecretKey, ""),
		Secure: mc.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio init: %w", err)
	}
	return &Uploader{client: client, bucket: mc.Bucket}, nil
}

// UploadFile uploads a local file under objectName and returns a presigned
// URL valid for 72 hours.
func (u *Uploader) UploadFile(ctx context.Context, localPath, objectName string) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket: %w", err)
		}
		log.Printf("[OSS] bucket %q created", u.bucket)
	}

	_, err = u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}

	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, 72*time.Hour, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	log.Printf("[OSS] uploaded %s", objectName)
	return presigned.String(), nil
}

func contentTypeFor(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
