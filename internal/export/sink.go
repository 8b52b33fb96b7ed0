package export

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stemmix/internal/metadata"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink delivers a finished file and returns the URL it can be fetched from
type Sink interface {
	Deliver(ctx context.Context, localPath, fileName string) (string, error)
}

// FileSink keeps exports in a local directory
type FileSink struct {
	Dir string
}

// NewFileSink creates the directory if needed
func NewFileSink(dir string) (*FileSink, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &FileSink{Dir: abs}, nil
}

// Deliver moves the file into Dir and returns a file:// URL. An existing
// file is never replaced; the name gets a numeric suffix instead.
func (s *FileSink) Deliver(ctx context.Context, localPath, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		os.Remove(localPath)
		return "", err
	}
	target, err := s.reserve(fileName)
	if err != nil {
		return "", err
	}
	if err := os.Rename(localPath, target); err != nil {
		// work dir on another filesystem
		if err := copyFile(ctx, localPath, target); err != nil {
			os.Remove(target)
			return "", err
		}
		os.Remove(localPath)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

// maxNameAttempts bounds the numeric suffixes tried for a taken name
const maxNameAttempts = 1000

// reserve claims a free path for fileName in Dir by creating it empty
func (s *FileSink) reserve(fileName string) (string, error) {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	for i := 0; i < maxNameAttempts; i++ {
		name := fileName
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		target := filepath.Join(s.Dir, name)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return target, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create export file: %w", err)
		}
	}
	return "", fmt.Errorf("no free file name for %s", fileName)
}

// PathOf returns the local path behind a URL returned by Deliver
func (s *FileSink) PathOf(fileURL string) (string, bool) {
	u, err := url.Parse(fileURL)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := ctx.Err(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// MinioConfig configures a MinioSink
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	URLExpiry time.Duration
}

// MinioSink uploads exports to an S3-compatible bucket and returns a
// presigned download URL
type MinioSink struct {
	client *minio.Client
	cfg    MinioConfig
}

// NewMinioSink connects to the object store and makes sure the bucket exists
func NewMinioSink(cfg MinioConfig) (*MinioSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 24 * time.Hour
	}
	return &MinioSink{client: client, cfg: cfg}, nil
}

// Deliver uploads the file, removes the local copy and presigns a GET URL
func (s *MinioSink) Deliver(ctx context.Context, localPath, fileName string) (string, error) {
	object := "exports/" + time.Now().UTC().Format("2006/01/02") + "/" + uuid.New().String() + "/" + fileName
	_, err := s.client.FPutObject(ctx, s.cfg.Bucket, object, localPath, minio.PutObjectOptions{
		ContentType: metadata.GetContentType(fileName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	os.Remove(localPath)

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, object, s.cfg.URLExpiry, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign export URL: %w", err)
	}
	return u.String(), nil
}
