package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var _ Destination = (*MinioDestination)(nil)

type minioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioOptions configures NewMinioDestination.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// MinioDestination writes objects to a MinIO (or other S3-compatible)
// bucket through minio-go.
type MinioDestination struct {
	client minioAPI
	bucket string
	prefix string
}

// NewMinioDestination creates a MinioDestination with static credentials.
func NewMinioDestination(opts MinioOptions) (*MinioDestination, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create minio client: %w", err)
	}
	return &MinioDestination{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Put uploads content. minio-go computes and sends Content-MD5 itself; the
// caller's checksum is kept as user metadata for later audits.
func (d *MinioDestination) Put(ctx context.Context, name string, content []byte, checksum string) error {
	key := buildKey(d.prefix, name)
	_, err := d.client.PutObject(ctx, d.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		SendContentMd5: true,
		UserMetadata:   map[string]string{"content-md5": checksum},
	})
	if err != nil {
		return classifyMinio("put", d.bucket, key, err)
	}
	return nil
}

func classifyMinio(op, bucket, key string, err error) error {
	var kind error
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		kind = ErrNotFound
	case resp.StatusCode != 0 && transientStatus(resp.StatusCode):
		kind = ErrTransient
	case isTransportError(err):
		kind = ErrTransient
	}
	return newError(op, bucket, key, kind, err)
}
