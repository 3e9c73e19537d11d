package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisStream = "prtriage-artifacts"

// RedisSink appends each push to a Redis stream, one entry per payload.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects lazily; the first push surfaces connection errors.
func NewRedisSink(url, stream string, maxLen int64) (*RedisSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if strings.TrimSpace(stream) == "" {
		stream = DefaultRedisStream
	}
	return &RedisSink{client: redis.NewClient(opts), stream: stream, maxLen: maxLen}, nil
}

func (s *RedisSink) Push(ctx context.Context, runID string, kind Kind, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return &PushError{Kind: kind, Err: err}
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":       string(kind),
			"run_id":     runID,
			"request_id": uuid.NewString(),
			"data":       string(b),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return &PushError{Kind: kind, Err: err}
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
