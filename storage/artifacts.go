package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Artifacts mirrors generated avatar assets. Every artifact is written to its
// canonical local path by the producing stage; Artifacts adds two best-effort
// replicas: a local static directory (served without the pipeline running)
// and, when configured, a MinIO/S3 bucket.
type Artifacts struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewArtifactsFromEnv initialises the MinIO mirror from MINIO_* environment
// variables. Returns (nil, nil) when the mirror is not configured; a nil
// *Artifacts is valid and mirrors only to the static directory.
func NewArtifactsFromEnv() (*Artifacts, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &Artifacts{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Mirror copies localPath into the given static directory and, when the
// MinIO mirror is configured, uploads it under category/filename. Mirror
// failures are logged and swallowed: the canonical local artifact is the
// source of truth.
func (a *Artifacts) Mirror(ctx context.Context, localPath, staticDir, category string) {
	if localPath == "" {
		return
	}
	if staticDir != "" {
		if err := copyToDir(localPath, staticDir); err != nil {
			log.Printf("storage: static mirror of %s failed: %v", localPath, err)
		}
	}
	if a == nil || a.client == nil {
		return
	}

	objectName := path.Join(category, filepath.Base(localPath))
	data, err := os.ReadFile(localPath)
	if err != nil {
		log.Printf("storage: read %s for mirror: %v", localPath, err)
		return
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err = a.client.PutObject(uploadCtx, a.bucket, objectName,
		strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{
			ContentType:  detectContentType(localPath, data),
			CacheControl: "public, max-age=604800",
		})
	if err != nil {
		log.Printf("storage: minio mirror of %s failed: %v", localPath, err)
		return
	}
}

// PublicURL returns the mirror's public URL for an already mirrored object,
// or "" when the mirror is not configured.
func (a *Artifacts) PublicURL(category, filename string) string {
	if a == nil || a.client == nil {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", a.publicURL, a.bucket, path.Join(category, filename))
}

// PresignedURL returns a temporary access URL for a mirrored object.
func (a *Artifacts) PresignedURL(ctx context.Context, category, filename string, expiry time.Duration) (string, error) {
	if a == nil || a.client == nil {
		return "", nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := a.client.PresignedGetObject(presignCtx, a.bucket, path.Join(category, filename), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign %s/%s: %w", category, filename, err)
	}
	return u.String(), nil
}

func copyToDir(localPath, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, filepath.Base(localPath)))
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func detectContentType(localPath string, data []byte) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	}
	return http.DetectContentType(data)
}
