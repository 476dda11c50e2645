package warehouseapi

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3Client struct {
	lastInput *s3.PutObjectInput
	err       error
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

type sampleReport struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

func TestUploadReportParsesURI(t *testing.T) {
	fake := &fakeS3Client{}
	u := NewS3ReportUploader(fake)

	if err := u.UploadReport(context.Background(), "s3://my-bucket/reports/run1.json", sampleReport{Table: "SALES", Rows: 42}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fake.lastInput == nil {
		t.Fatal("expected PutObject to be called")
	}
	if *fake.lastInput.Bucket != "my-bucket" {
		t.Errorf("expected bucket my-bucket, got %s", *fake.lastInput.Bucket)
	}
	if *fake.lastInput.Key != "reports/run1.json" {
		t.Errorf("expected key reports/run1.json, got %s", *fake.lastInput.Key)
	}

	body, err := io.ReadAll(fake.lastInput.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Error("expected non-empty uploaded body")
	}
}

func TestUploadReportRejectsNonS3Scheme(t *testing.T) {
	u := NewS3ReportUploader(&fakeS3Client{})
	if err := u.UploadReport(context.Background(), "https://example.com/x", sampleReport{}); err == nil {
		t.Error("expected error for non-s3 scheme")
	}
}
