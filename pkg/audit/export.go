package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrSinkNotConfigured is returned when export is invoked without a sink.
var ErrSinkNotConfigured = errors.New("audit: sink not configured (fail-closed)")

// Exporter builds zip evidence packs from a sink and optionally uploads
// them to an object store.
type Exporter struct {
	sink     Sink
	uploader Uploader
}

// Uploader pushes a finished pack to remote storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) (string, error)
}

// NewExporter creates an exporter. uploader may be nil for local-only use.
func NewExporter(sink Sink, uploader Uploader) *Exporter {
	return &Exporter{sink: sink, uploader: uploader}
}

// GeneratePack zips the audit trail (records.json, manifest.json, README)
// and returns the pack bytes plus its SHA-256 checksum. If an uploader is
// configured the pack is also pushed and the returned location is set.
func (e *Exporter) GeneratePack(ctx context.Context) (pack []byte, checksum string, location string, err error) {
	if e.sink == nil {
		return nil, "", "", ErrSinkNotConfigured
	}

	records, err := e.sink.List(ctx)
	if err != nil {
		return nil, "", "", fmt.Errorf("audit: list failed: %w", err)
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", "", err
	}

	generatedAt := time.Now().UTC()
	manifest := map[string]any{
		"generated_at": generatedAt,
		"record_count": len(records),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", "", fmt.Errorf("audit: manifest marshal failed: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("records.json")
	if err != nil {
		return nil, "", "", err
	}
	_, _ = f.Write(recordsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", "", err
	}
	_, _ = fmt.Fprintf(f, "appwarden audit pack\nGenerated at %s\nRecords: %d\n", generatedAt.Format(time.RFC3339), len(records))

	if err := w.Close(); err != nil {
		return nil, "", "", err
	}

	packBytes := buf.Bytes()
	hash := sha256.Sum256(packBytes)
	sum := hex.EncodeToString(hash[:])

	loc := ""
	if e.uploader != nil {
		key := fmt.Sprintf("audit-packs/%s-%s.zip", generatedAt.Format("20060102T150405Z"), sum[:12])
		loc, err = e.uploader.Upload(ctx, key, packBytes)
		if err != nil {
			return nil, "", "", fmt.Errorf("audit: pack upload failed: %w", err)
		}
	}

	return packBytes, sum, loc, nil
}

// S3Uploader stores packs in an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader wraps an S3 client for the given bucket.
func NewS3Uploader(client *s3.Client, bucket string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket}
}

// Upload puts the pack under key and returns its s3:// location.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
