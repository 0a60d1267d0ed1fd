package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

const (
	streamPrefix = "research:task:"
	streamMaxLen = 1000
	streamTTL    = 7 * 24 * time.Hour
)

// MessageBus publishes stage events to one Redis stream per task.
type MessageBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewMessageBus creates a Redis-backed message bus.
func NewMessageBus(ctx context.Context, redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewMessageBusFromClient(rdb, logger), nil
}

func NewMessageBusFromClient(rdb *redis.Client, logger *zap.Logger) *MessageBus {
	return &MessageBus{rdb: rdb, logger: logger}
}

func streamKey(taskID string) string { return streamPrefix + taskID }

// Emit appends ev to its task's stream. It satisfies research.EventSink.
func (mb *MessageBus) Emit(ctx context.Context, ev research.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := streamKey(ev.TaskID)
	pipe := mb.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	})
	pipe.Expire(ctx, stream, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	mb.logger.Debug("published event",
		zap.String("task", ev.TaskID),
		zap.String("stage", string(ev.Stage)),
		zap.String("type", string(ev.Type)))
	return nil
}

// History returns every event recorded for a task, oldest first.
func (mb *MessageBus) History(ctx context.Context, taskID string) ([]research.Event, error) {
	msgs, err := mb.rdb.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", streamKey(taskID), err)
	}
	out := make([]research.Event, 0, len(msgs))
	for _, m := range msgs {
		if ev, ok := decode(m); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Subscribe replays a task's events and then follows new ones. The channel
// closes when ctx is cancelled or after the research_finished event.
func (mb *MessageBus) Subscribe(ctx context.Context, taskID string) <-chan research.Event {
	ch := make(chan research.Event, 16)
	stream := streamKey(taskID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					mb.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					ev, ok := decode(msg)
					if !ok {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
					if ev.Type == research.EventResearchFinished {
						return
					}
				}
			}
		}
	}()

	return ch
}

func decode(msg redis.XMessage) (research.Event, bool) {
	var ev research.Event
	data, ok := msg.Values["data"].(string)
	if !ok {
		return ev, false
	}
	return ev, json.Unmarshal([]byte(data), &ev) == nil
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
