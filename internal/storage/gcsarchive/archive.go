package gcsarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"

	"bookline/agent/internal/storage"
)

// Uploader is the slice of a bucket client the archive needs.
type Uploader interface {
	Upload(ctx context.Context, object, contentType string, r io.Reader) error
}

// Archive writes each call summary as a JSON object,
// calls/YYYY/MM/DD/<call id>.json.
type Archive struct {
	up Uploader
}

func New(up Uploader) *Archive { return &Archive{up: up} }

func ObjectName(sum storage.CallSummary) string {
	return fmt.Sprintf("calls/%s/%s.json", sum.StartedAt.UTC().Format("2006/01/02"), sum.CallID)
}

func (a *Archive) SaveSummary(ctx context.Context, sum storage.CallSummary) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return a.up.Upload(ctx, ObjectName(sum), "application/json", bytes.NewReader(b))
}

// Bucket uploads to Google Cloud Storage.
type Bucket struct {
	client *gcs.Client
	bucket string
}

func NewBucket(ctx context.Context, bucket string) (*Bucket, error) {
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Bucket{client: c, bucket: bucket}, nil
}

func (b *Bucket) Close() error { return b.client.Close() }

func (b *Bucket) Upload(ctx context.Context, object, contentType string, r io.Reader) error {
	w := b.client.Bucket(b.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
