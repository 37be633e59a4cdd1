package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ensure interfaces are implemented
var (
	_ Source      = (*S3Source)(nil)
	_ Destination = (*S3Destination)(nil)
)

// maxS3Keys is the most keys one ListObjectsV2 call returns.
const maxS3Keys = 1000

// s3API is the subset of the S3 client used here, so tests can mock it.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures the S3 source and destination.
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint string
}

// newS3Client loads the default AWS credential chain.
func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// buildKey constructs the full S3 key based on the prefix
func buildKey(prefix, subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

// S3Source lists and fetches objects below a prefix of an S3 bucket.
type S3Source struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Source creates a new S3Source.
func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &S3Source{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (p *S3Source) listPrefix() string {
	dirPrefix := buildKey(p.prefix, "")
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}
	return dirPrefix
}

// List returns one page of objects. The marker is the S3 continuation token.
func (p *S3Source) List(ctx context.Context, marker string, limit int) (Page, error) {
	dirPrefix := p.listPrefix()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(dirPrefix),
	}
	if marker != "" {
		input.ContinuationToken = aws.String(marker)
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(min(limit, maxS3Keys)))
	}

	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return Page{}, classifyS3("list", p.bucket, "", err)
	}

	var page Page
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
		// skip the prefix itself and directory placeholders
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		page.Objects = append(page.Objects, Object{
			Name:     name,
			Checksum: etagChecksum(aws.ToString(obj.ETag)),
			Length:   aws.ToInt64(obj.Size),
		})
	}

	if aws.ToBool(out.IsTruncated) {
		page.NextMarker = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Fetch reads the whole object.
func (p *S3Source) Fetch(ctx context.Context, name string) ([]byte, error) {
	key := buildKey(p.prefix, name)
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3("fetch", p.bucket, key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, classifyS3("fetch", p.bucket, key, err)
	}
	return buf.Bytes(), nil
}

// etagChecksum converts a single-part ETag (hex MD5) to base64. Multipart
// ETags are not content digests and yield an empty checksum.
func etagChecksum(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	sum, err := hex.DecodeString(etag)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(sum)
}

// S3Destination writes objects below a prefix of an S3 bucket.
type S3Destination struct {
	client   s3API
	uploader s3Uploader
	bucket   string
	prefix   string
}

// NewS3Destination creates a new S3Destination.
func NewS3Destination(ctx context.Context, opts S3Options) (*S3Destination, error) {
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &S3Destination{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

// Put uploads content. Objects that fit in one part are sent with
// Content-MD5 so S3 rejects corrupted bodies; larger objects go through the
// multipart uploader and carry the digest as user metadata.
func (p *S3Destination) Put(ctx context.Context, name string, content []byte, checksum string) error {
	key := buildKey(p.prefix, name)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	}

	var err error
	if int64(len(content)) < manager.DefaultUploadPartSize || p.uploader == nil {
		input.ContentMD5 = aws.String(checksum)
		_, err = p.client.PutObject(ctx, input)
	} else {
		input.Metadata = map[string]string{"content-md5": checksum}
		_, err = p.uploader.Upload(ctx, input)
	}
	if err != nil {
		return classifyS3("put", p.bucket, key, err)
	}
	return nil
}

func classifyS3(op, bucket, key string, err error) error {
	var kind error
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var apiErr smithy.APIError
	var respErr *awshttp.ResponseError
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		kind = ErrNotFound
	case errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey":
		kind = ErrNotFound
	case errors.As(err, &respErr) && transientStatus(respErr.HTTPStatusCode()):
		kind = ErrTransient
	case isTransportError(err):
		kind = ErrTransient
	}
	return newError(op, bucket, key, kind, err)
}
