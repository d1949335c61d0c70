// Package archive stores verified raw webhook payloads in S3 compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
)

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archive writes events to events/YYYY/MM/DD/<id>.json in one bucket.
type Archive struct {
	api    ObjectAPI
	bucket string
}

// New builds an S3 client from cfg and checks the bucket is reachable.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	if !cfg.Enabled {
		return nil, errors.New("event archive is disabled")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			// S3 compatible stores (MinIO, B2) need path-style URLs
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	a := NewWithAPI(client, cfg.Bucket)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.Bucket, err)
	}
	log.Infof("[Archive] Storing webhook events in bucket %s", cfg.Bucket)
	return a, nil
}

func NewWithAPI(api ObjectAPI, bucket string) *Archive {
	return &Archive{api: api, bucket: bucket}
}

// ObjectKey places an event under the UTC day it was created.
func ObjectKey(eventID string, created time.Time) string {
	if created.IsZero() {
		created = time.Now()
	}
	created = created.UTC()
	return fmt.Sprintf("events/%04d/%02d/%02d/%s.json", created.Year(), created.Month(), created.Day(), eventID)
}

func (a *Archive) Store(ctx context.Context, eventID string, created time.Time, body []byte) error {
	key := ObjectKey(eventID, created)
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"event-id":      eventID,
			"upload-source": "receiptfox-webhook",
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	log.Debugf("[Archive] Stored s3://%s/%s", a.bucket, key)
	return nil
}
