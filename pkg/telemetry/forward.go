package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uma-runtime/uma/pkg/observability"
)

// Forwarder pushes samples to an external collector.
type Forwarder interface {
	Forward(ctx context.Context, s Sample) error
	Close(ctx context.Context) error
}

// NewForwarder selects a forwarder by endpoint scheme:
//
//	http://, https://  POST each sample as JSON
//	redis://           XADD to the stream named by ?stream= (default uma:telemetry)
//	otlp://host:port   record on the OTLP latency histogram
func NewForwarder(ctx context.Context, endpoint string) (Forwarder, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPForwarder(endpoint, nil), nil
	case "redis", "rediss":
		stream := u.Query().Get("stream")
		bare := *u
		bare.RawQuery = ""
		opts, err := redis.ParseURL(bare.String())
		if err != nil {
			return nil, fmt.Errorf("telemetry: redis endpoint: %w", err)
		}
		return NewRedisForwarder(redis.NewClient(opts), stream), nil
	case "otlp":
		cfg := observability.DefaultConfig()
		cfg.Enabled = true
		cfg.OTLPEndpoint = u.Host
		cfg.Insecure = u.Query().Get("insecure") != "false"
		p, err := observability.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp forwarder: %w", err)
		}
		return NewOTLPForwarder(p), nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported endpoint scheme %q", u.Scheme)
	}
}

// HTTPForwarder posts samples to a URL.
type HTTPForwarder struct {
	url    string
	client *http.Client
}

// NewHTTPForwarder uses client, or a client with a short timeout when nil.
func NewHTTPForwarder(url string, client *http.Client) *HTTPForwarder {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPForwarder{url: url, client: client}
}

func (f *HTTPForwarder) Forward(ctx context.Context, s Sample) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: collector returned %s", resp.Status)
	}
	return nil
}

func (f *HTTPForwarder) Close(context.Context) error { return nil }

// DefaultStream receives samples when the redis endpoint names none.
const DefaultStream = "uma:telemetry"

// RedisForwarder appends samples to a redis stream.
type RedisForwarder struct {
	client redis.Cmdable
	closer func() error
	stream string
}

// NewRedisForwarder writes to stream on client.
func NewRedisForwarder(client *redis.Client, stream string) *RedisForwarder {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisForwarder{client: client, closer: client.Close, stream: stream}
}

func (f *RedisForwarder) Forward(ctx context.Context, s Sample) error {
	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]any{
			"metric": s.Metric,
			"value":  strconv.FormatFloat(s.Value, 'f', -1, 64),
		},
	}).Err()
}

func (f *RedisForwarder) Close(context.Context) error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}

// OTLPForwarder records samples on the observability latency histogram.
type OTLPForwarder struct {
	provider *observability.Provider
}

// NewOTLPForwarder records through p.
func NewOTLPForwarder(p *observability.Provider) *OTLPForwarder {
	return &OTLPForwarder{provider: p}
}

func (f *OTLPForwarder) Forward(ctx context.Context, s Sample) error {
	f.provider.RecordLatency(ctx, s.Metric, s.Value)
	return nil
}

func (f *OTLPForwarder) Close(ctx context.Context) error {
	return f.provider.Shutdown(ctx)
}
