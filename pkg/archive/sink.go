package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrObjectNotFound is returned by ObjectSink.Get.
var ErrObjectNotFound = errors.New("archive: object not found")

// ObjectSink is write-once object storage.
type ObjectSink interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// SinkConfig selects and configures a sink. URL is "s3://bucket/prefix",
// "gs://bucket/prefix" or a bare bucket name (S3).
type SinkConfig struct {
	URL      string
	Region   string
	Endpoint string // S3-compatible endpoint, e.g. MinIO
}

// OpenSink creates the sink named by cfg.URL.
func OpenSink(ctx context.Context, cfg SinkConfig) (ObjectSink, error) {
	scheme, rest, ok := strings.Cut(cfg.URL, "://")
	if !ok {
		scheme, rest = "s3", cfg.URL
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("archive: no bucket in %q", cfg.URL)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	switch scheme {
	case "s3":
		return NewS3Sink(ctx, S3Config{Bucket: bucket, Prefix: prefix, Region: cfg.Region, Endpoint: cfg.Endpoint})
	case "gs":
		return newGCSSink(ctx, bucket, prefix)
	default:
		return nil, fmt.Errorf("archive: unsupported scheme %q", scheme)
	}
}

// MemorySink keeps objects in process.
type MemorySink struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

func (s *MemorySink) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemorySink) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys.
func (s *MemorySink) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}
