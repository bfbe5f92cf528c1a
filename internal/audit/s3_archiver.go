package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// uploader is the manager.Uploader method used by S3Archiver.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical event envelopes to
//
//	s3://<bucket>/<prefix>/audit/<stream>/<seq>-<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION, AWS_PROFILE, ...).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

// ObjectKey returns the archive key of ev.
func (s *S3Archiver) ObjectKey(ev Event) string {
	return path.Join(s.prefix, "audit", ev.StreamID, fmt.Sprintf("%012d-%s.json", ev.Seq, ev.ID))
}

func (s *S3Archiver) Archive(ctx context.Context, ev Event) (string, error) {
	body, err := Envelope(ev)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	key := s.ObjectKey(ev)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
