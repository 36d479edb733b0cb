package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// S3Config configures the S3 backend. Endpoint is optional and targets
// S3-compatible stores such as MinIO.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// object metadata keys
const (
	metaFileName  = "file-name"
	metaPatientID = "patient-id"
	metaDraftID   = "draft-id"
	metaCreatedBy = "created-by"
	metaCreatedAt = "created-at"
)

// S3BlobStore stores blobs as objects keyed by content hash.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

// NewS3BlobStore builds a client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewS3BlobStore(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3BlobStore{client: client, bucket: cfg.Bucket, logger: logger.With().Str("bucket", cfg.Bucket).Logger()}, nil
}

// Ping checks that the bucket is reachable.
func (s *S3BlobStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func objectKey(id string) string { return "images/" + id }

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	if existing, err := s.GetMetadata(ctx, meta.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrBlobNotFound) {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(meta.ID)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		Metadata:      toObjectMetadata(meta),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", objectKey(meta.ID)).Msg("failed to upload image")
		return nil, fmt.Errorf("put object: %w", err)
	}
	s.logger.Debug().Str("key", objectKey(meta.ID)).Int64("size", meta.Size).Msg("image uploaded")

	out := meta
	return &out, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		return nil, nil, mapS3Error(err)
	}
	meta := fromObjectMetadata(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	return out.Body, &meta, nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	meta := fromObjectMetadata(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	return &meta, nil
}

func mapS3Error(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return ErrBlobNotFound
	}
	return err
}

func toObjectMetadata(m BlobMetadata) map[string]string {
	return map[string]string{
		metaFileName:  m.FileName,
		metaPatientID: m.PatientID,
		metaDraftID:   m.DraftID,
		metaCreatedBy: m.CreatedBy,
		metaCreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromObjectMetadata(id string, md map[string]string, contentType string, size int64) BlobMetadata {
	created, _ := time.Parse(time.RFC3339Nano, md[metaCreatedAt])
	return BlobMetadata{
		ID:          id,
		Hash:        id,
		FileName:    md[metaFileName],
		ContentType: contentType,
		Size:        size,
		PatientID:   md[metaPatientID],
		DraftID:     md[metaDraftID],
		CreatedBy:   md[metaCreatedBy],
		CreatedAt:   created,
	}
}
