package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sink persists envelopes, one object per envelope keyed by id.
type Sink interface {
	Write(ctx context.Context, e *Envelope) error
}

// OpenSink selects a sink from a URL:
//
//	file://dir or a bare path  FileSink
//	s3://bucket/prefix         S3Sink
//	gs://bucket/prefix         GCSSink (requires the gcp build tag)
//	mem://                     MemorySink
func OpenSink(ctx context.Context, raw string) (Sink, error) {
	if !strings.Contains(raw, "://") {
		return NewFileSink(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse sink url: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	switch u.Scheme {
	case "file":
		return NewFileSink(u.Host + u.Path)
	case "s3":
		return NewS3Sink(ctx, S3SinkConfig{
			Bucket:   u.Host,
			Prefix:   prefix,
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})
	case "gs":
		return newGCSSink(ctx, u.Host, prefix)
	case "mem":
		return &MemorySink{}, nil
	default:
		return nil, fmt.Errorf("envelope: unsupported sink scheme %q", u.Scheme)
	}
}

// FileSink writes <dir>/<id>.json.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("envelope: create sink dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Path returns the file an envelope id is written to.
func (s *FileSink) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileSink) Write(_ context.Context, e *Envelope) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("envelope: marshal %s: %w", e.ID, err)
	}
	if err := os.WriteFile(s.Path(e.ID), data, 0600); err != nil {
		return fmt.Errorf("envelope: write %s: %w", e.ID, err)
	}
	return nil
}

// MemorySink keeps envelopes in write order.
type MemorySink struct {
	mu        sync.Mutex
	envelopes []*Envelope
}

func (s *MemorySink) Write(_ context.Context, e *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, e)
	return nil
}

// Envelopes returns a copy of everything written so far.
func (s *MemorySink) Envelopes() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Envelope(nil), s.envelopes...)
}
