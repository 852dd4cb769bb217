package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cocoatrack/GeoParcel/config"
)

// ErrPresignUnsupported is returned by drivers that cannot mint signed URLs;
// callers fall back to streaming the blob through the API.
var ErrPresignUnsupported = errors.New("blob driver does not support presigned URLs")

// BlobService stores uploaded archives under content-addressed keys.
type BlobService interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// NewBlobService picks the driver from config: "s3" for any S3-compatible
// endpoint, "fs" for a local directory (default, dev).
func NewBlobService() (BlobService, error) {
	if config.StorageDriver == "s3" {
		return NewS3BlobService(context.Background(), config.StorageBucket, config.StorageEndpoint, config.StorageRegion)
	}
	return NewFSBlobService(config.Download), nil
}

type FSBlobService struct {
	RootPath string
}

func NewFSBlobService(rootPath string) *FSBlobService {
	absRoot, _ := filepath.Abs(rootPath)
	return &FSBlobService{RootPath: absRoot}
}

func (s *FSBlobService) path(key string) (string, error) {
	fpath := filepath.Join(s.RootPath, filepath.FromSlash(key))
	if !strings.HasPrefix(fpath, s.RootPath+string(os.PathSeparator)) {
		return "", os.ErrPermission
	}
	return fpath, nil
}

func (s *FSBlobService) Put(ctx context.Context, key string, data []byte) error {
	fpath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(fpath, data, 0o644)
}

func (s *FSBlobService) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fpath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(fpath)
}

func (s *FSBlobService) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

type S3BlobService struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func NewS3BlobService(ctx context.Context, bucket string, endpoint string, region string) (*S3BlobService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3BlobService{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

func (s *S3BlobService) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3BlobService) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *S3BlobService) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
