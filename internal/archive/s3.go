// Package archive writes purged confirmations to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"hwconfirm/internal/config"
	"hwconfirm/internal/model"
)

const keyPrefix = "confirmations"

// ObjectPutter is the subset of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads one JSON-lines object per purge batch.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
}

// record is the archived shape of a confirmation. The challenge is not kept.
type record struct {
	ID          string                   `json:"confirmationId"`
	UserID      string                   `json:"userId"`
	DeviceID    string                   `json:"deviceId"`
	Action      string                   `json:"action"`
	Status      model.ConfirmationStatus `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	ConfirmedAt *time.Time               `json:"confirmedAt,omitempty"`
	ResolvedAt  *time.Time               `json:"resolvedAt,omitempty"`
}

// NewS3Archiver builds a client for the configured bucket. ARCHIVE_ENDPOINT
// selects an S3-compatible provider; empty means AWS itself.
func NewS3Archiver(ctx context.Context, cfg *config.Config) (*S3Archiver, error) {
	if !cfg.ArchiveEnabled() {
		return nil, fmt.Errorf("missing archive configuration")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.ArchiveRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.ArchiveAccessKeyID, cfg.ArchiveSecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for archive: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3ArchiverWithClient(client, cfg.ArchiveBucket), nil
}

func NewS3ArchiverWithClient(client ObjectPutter, bucket string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
}

// Archive uploads records as confirmations/YYYY/MM/DD/<uuid>.jsonl.
func (a *S3Archiver) Archive(ctx context.Context, records []model.Confirmation) error {
	if len(records) == 0 {
		return nil
	}

	body, err := encodeLines(records)
	if err != nil {
		return err
	}

	key := objectKey(a.now(), uuid.NewString())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	log.Printf("[Archive] Uploaded %d confirmations: bucket=%s key=%s", len(records), a.bucket, key)
	return nil
}

func objectKey(at time.Time, id string) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.jsonl", keyPrefix, at.Year(), int(at.Month()), at.Day(), id)
}

func encodeLines(records []model.Confirmation) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range records {
		r := record{
			ID:          c.ID,
			UserID:      c.UserID,
			DeviceID:    c.DeviceID,
			Action:      c.Action,
			Status:      c.Status,
			Reason:      c.Reason,
			CreatedAt:   c.CreatedAt,
			ConfirmedAt: c.ConfirmedAt,
			ResolvedAt:  c.ResolvedAt,
		}
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode archive record: %w", err)
		}
	}
	return buf.Bytes(), nil
}
