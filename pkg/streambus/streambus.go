// Package streambus wraps Redis Streams as the Stream Bus: per-asset
// result streams that producer/consumer module workers write to and read
// from, with consumer groups giving each consuming module its own
// at-least-once read cursor over the same stream. The pipeline itself
// never parses stream payloads -- it only asks liveness questions
// (length, pending count, completion marker), since the Job Store row is
// the one signal a job's completion may be decided from.
package streambus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// completionField is the field name a producer sets on a sentinel entry to
// mark the stream as done writing, so a slow consumer group can tell
// "no more pending results" apart from "the producer died".
const completionField = "__complete"

// Bus is the Stream Bus access layer.
type Bus struct {
	client *redis.Client
}

// Config configures the backing Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open connects to Redis.
func Open(cfg Config) *Bus {
	return &Bus{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// StreamKey names the Redis stream an asset's module writes its results
// to: one stream per (scan, asset, module) producer.
func StreamKey(scanID, assetID string, module types.ModuleName) string {
	return fmt.Sprintf("scanorc:stream:%s:%s:%s", scanID, assetID, module)
}

// ConsumerGroupName names the consumer group a consuming module reads a
// producer's stream through, scoped by both sides of the edge so two
// different consumers of the same producer don't share a cursor.
func ConsumerGroupName(producer, consumer types.ModuleName) string {
	return fmt.Sprintf("scanorc:group:%s:%s", producer, consumer)
}

// CreateStream ensures key exists and that group has a consumer group
// positioned at the start of the stream. Both operations are idempotent:
// repeated calls for an already-initialized stream are no-ops.
func (b *Bus) CreateStream(ctx context.Context, key, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "create_stream %s/%s: %v", key, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	// redis replies with "BUSYGROUP Consumer Group name already exists"
	// when the group already exists; that's the expected steady state.
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// PendingCount returns the consumer group's advisory pending-entry count:
// how many entries have been delivered to a consumer but not yet
// acknowledged. This is a liveness signal only, never a completion one.
func (b *Bus) PendingCount(ctx context.Context, key, group string) (int64, error) {
	summary, err := b.client.XPending(ctx, key, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, apperrors.Wrapf(apperrors.ErrInfrastructure, "pending_count %s/%s: %v", key, group, err)
	}
	return summary.Count, nil
}

// StreamLength returns the number of entries currently on the stream.
func (b *Bus) StreamLength(ctx context.Context, key string) (int64, error) {
	n, err := b.client.XLen(ctx, key).Result()
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrInfrastructure, "stream_length %s: %v", key, err)
	}
	return n, nil
}

// MarkComplete appends the sentinel entry a producer writes once it has
// pushed its final result, so CompletionMarkerPresent can distinguish
// "producer finished" from "producer is still running or died silently".
func (b *Bus) MarkComplete(ctx context.Context, key string) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{completionField: "1"},
	}).Err()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "mark_complete %s: %v", key, err)
	}
	return nil
}

// CompletionMarkerPresent scans the tail of the stream for the sentinel
// entry MarkComplete writes. This is advisory telemetry surfaced to
// operators; it is never consulted to decide a job's terminal status.
func (b *Bus) CompletionMarkerPresent(ctx context.Context, key string) (bool, error) {
	entries, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, apperrors.Wrapf(apperrors.ErrInfrastructure, "completion_marker_present %s: %v", key, err)
	}
	if len(entries) == 0 {
		return false, nil
	}
	_, ok := entries[0].Values[completionField]
	return ok, nil
}

// DeleteStream removes a stream entirely, used once an asset's pipeline
// run has ended and its streams are no longer needed.
func (b *Bus) DeleteStream(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "delete_stream %s: %v", key, err)
	}
	return nil
}
