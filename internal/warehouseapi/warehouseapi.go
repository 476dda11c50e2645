// Package warehouseapi defines the thin AWS S3 abstraction used for
// optional archival of run reports, and the uploader built on top of
// it.
package warehouseapi

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
)

// S3Client is the narrow slice of the AWS S3 SDK this package needs.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time checks that the real SDK client satisfies S3Client.
var _ S3Client = (*s3.Client)(nil)

// SQLExecutor is the narrow slice of warehouse.Session the validator
// depends on, so it can be faked in tests without a live connection.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, bindings ...any) (*sql.Rows, error)
}

// ReportUploader archives an arbitrary JSON-serializable report to an
// S3 URI.
type ReportUploader interface {
	UploadReport(ctx context.Context, uri string, report any) error
}

// S3ReportUploader uploads run reports to S3.
type S3ReportUploader struct {
	client S3Client
}

// NewS3ReportUploader creates a new S3ReportUploader.
func NewS3ReportUploader(client S3Client) *S3ReportUploader {
	return &S3ReportUploader{client: client}
}

// UploadReport marshals report as JSON and uploads it to uri, which
// must be in the form s3://bucket/key.
func (u *S3ReportUploader) UploadReport(ctx context.Context, uri string, report any) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("warehouseapi: invalid S3 URI %q: %w", uri, err)
	}
	if parsed.Scheme != "s3" {
		return fmt.Errorf("warehouseapi: invalid S3 URI scheme %q", parsed.Scheme)
	}

	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("warehouseapi: marshal report: %w", err)
	}

	contentType := "application/json"
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("warehouseapi: upload report to %s: %w", uri, err)
	}

	return nil
}
