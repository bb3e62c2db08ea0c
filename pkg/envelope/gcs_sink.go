//go:build gcp

package envelope

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes envelopes as <prefix><id>.json objects.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a client using application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("envelope: gcs sink requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	return NewGCSSink(ctx, bucket, prefix)
}

func (s *GCSSink) Write(ctx context.Context, e *Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("envelope: marshal %s: %w", e.ID, err)
	}
	w := s.client.Bucket(s.bucket).Object(s.prefix + e.ID + ".json").NewWriter(ctx)
	w.ContentType = DataContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("envelope: gcs write %s: %w", e.ID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("envelope: gcs close %s: %w", e.ID, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
