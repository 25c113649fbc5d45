package audit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors audit entries onto a Redis stream via XADD, letting a
// second gateway process (or an external tailer) observe the audit trail
// without reading the local file. It is typically composed with a FileSink
// via MultiSink; the file remains authoritative.
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink constructs a sink that XADDs entries to stream on client.
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

// Append XADDs the marshaled entry under a single "entry" field.
func (s *RedisSink) Append(ctx context.Context, entry Entry) error {
	line, err := MarshalEntry(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"entry": line},
	}).Err()
}

// Close closes the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// MultiSink fans Append out to every member sink, in order, returning the
// first error encountered. This lets the gateway mirror to Redis without
// making Redis availability a hard dependency for local audit durability
// when Redis is listed after the file sink.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Append(ctx context.Context, entry Entry) error {
	for _, s := range m.Sinks {
		if err := s.Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
