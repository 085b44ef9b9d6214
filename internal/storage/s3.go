package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"chunkup/internal/upload"
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures the client built by NewS3Client.
type S3Options struct {
	Region          string
	Endpoint        string // non-empty for S3-compatible services; enables path-style addressing
	AccessKeyID     string
	SecretAccessKey string
}

// S3Storage assembles chunks on local disk and publishes finished objects to
// a bucket. Chunked writes need random access, which S3 objects do not
// offer, so only the public area lives in the bucket.
type S3Storage struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	staging  *FileSystemStorage
}

// NewS3Client builds an S3 client from the default credential chain, with
// static credentials and a custom endpoint when provided.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Storage creates a storage whose private area is privateDir and whose
// public area is bucket/prefix.
func NewS3Storage(client S3API, bucket, prefix, privateDir string) (*S3Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	if err := os.MkdirAll(privateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		staging:  &FileSystemStorage{privateDir: privateDir, publicDir: privateDir},
	}, nil
}

func (s *S3Storage) objectKey(key upload.Key) string {
	if s.prefix == "" {
		return FileName(key)
	}
	return path.Join(s.prefix, FileName(key))
}

func (s *S3Storage) Allocate(ctx context.Context, key upload.Key, size int64) error {
	return s.staging.Allocate(ctx, key, size)
}

func (s *S3Storage) Write(ctx context.Context, key upload.Key, offset int64, data []byte) error {
	return s.staging.Write(ctx, key, offset, data)
}

func (s *S3Storage) Size(ctx context.Context, key upload.Key, area upload.Area) (int64, error) {
	if area == upload.AreaPrivate {
		return s.staging.Size(ctx, key, area)
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: public %s", upload.ErrObjectNotFound, FileName(key))
		}
		return 0, fmt.Errorf("head object: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Publish uploads the staged file to the bucket and then removes it.
// The object becomes visible only once the upload completes.
func (s *S3Storage) Publish(ctx context.Context, key upload.Key) error {
	f, err := os.Open(s.staging.path(key, upload.AreaPrivate))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if ok, herr := s.Exists(ctx, key, upload.AreaPublic); herr == nil && ok {
				return nil
			}
			return fmt.Errorf("%w: %s", upload.ErrObjectNotFound, FileName(key))
		}
		return fmt.Errorf("opening private file: %w", err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   f,
	}
	if ct := mime.TypeByExtension("." + key.Extension); key.Extension != "" && ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("uploading to bucket: %w", err)
	}

	f.Close()
	return s.staging.Delete(ctx, key, upload.AreaPrivate)
}

func (s *S3Storage) Delete(ctx context.Context, key upload.Key, area upload.Area) error {
	if area == upload.AreaPrivate {
		return s.staging.Delete(ctx, key, area)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key upload.Key, area upload.Area) (bool, error) {
	if area == upload.AreaPrivate {
		return s.staging.Exists(ctx, key, area)
	}
	_, err := s.Size(ctx, key, area)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, upload.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Storage) Open(ctx context.Context, key upload.Key, area upload.Area) (io.ReadCloser, error) {
	if area == upload.AreaPrivate {
		return s.staging.Open(ctx, key, area)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: public %s", upload.ErrObjectNotFound, FileName(key))
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// isNotFound recognises the typed and untyped "no such object" errors that
// HeadObject, GetObject and DeleteObject return.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ Backend = (*S3Storage)(nil)
