package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/types"
)

// RedisLogConfig configures a RedisLog.
type RedisLogConfig struct {
	// Prefix namespaces every key, e.g. "agentgrid:events:".
	Prefix string
	// MaxLen caps each topic stream; 0 keeps everything.
	MaxLen int64
}

// RedisLog is a DurableLog backed by one Redis stream per topic. A hash per
// topic maps event ids to stream entry ids so replay can resume after an
// event id; it holds exactly the events still in the stream.
type RedisLog struct {
	client *redis.Client
	cfg    RedisLogConfig
	logger *zap.Logger
}

// NewRedisLog wraps an existing client. The caller keeps ownership of the
// client; Close does not close it.
func NewRedisLog(client *redis.Client, cfg RedisLogConfig, logger *zap.Logger) *RedisLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "agentgrid:events:"
	}
	return &RedisLog{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis_event_log")),
	}
}

func (l *RedisLog) streamKey(topic string) string {
	return l.cfg.Prefix + "stream:" + topic
}

func (l *RedisLog) indexKey(topic string) string {
	return l.cfg.Prefix + "ids:" + topic
}

// Append implements DurableLog. The stream entry, its index field and the
// trimming of entries beyond MaxLen commit in one MULTI/EXEC guarded by
// WATCH on the stream; a lost race is retried until ctx is done.
func (l *RedisLog) Append(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	stream := l.streamKey(evt.Topic)

	for {
		err = l.client.Watch(ctx, func(tx *redis.Tx) error {
			return l.appendTx(ctx, tx, evt, data)
		}, stream)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("append %s: %w", evt.Topic, ctxErr)
		}
		l.logger.Debug("append lost race, retrying", zap.String("topic", evt.Topic))
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", evt.Topic, err)
	}
	return nil
}

func (l *RedisLog) appendTx(ctx context.Context, tx *redis.Tx, evt Event, data []byte) error {
	stream, index := l.streamKey(evt.Topic), l.indexKey(evt.Topic)

	last, err := tx.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return err
	}
	var lastID string
	if len(last) > 0 {
		lastID = last[0].ID
	}
	entryID := nextEntryID(lastID, time.Now())

	// Entries beyond MaxLen are removed with XDEL together with their index
	// fields.
	var evictedEntries, evictedEvents []string
	if l.cfg.MaxLen > 0 {
		n, err := tx.XLen(ctx, stream).Result()
		if err != nil {
			return err
		}
		if excess := n + 1 - l.cfg.MaxLen; excess > 0 {
			old, err := tx.XRangeN(ctx, stream, "-", "+", excess).Result()
			if err != nil {
				return err
			}
			for _, msg := range old {
				evictedEntries = append(evictedEntries, msg.ID)
				if id, ok := msg.Values["id"].(string); ok {
					evictedEvents = append(evictedEvents, id)
				}
			}
		}
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			ID:     entryID,
			Values: map[string]any{"id": evt.ID, "data": data},
		})
		pipe.HSet(ctx, index, evt.ID, entryID)
		if len(evictedEntries) > 0 {
			pipe.XDel(ctx, stream, evictedEntries...)
		}
		if len(evictedEvents) > 0 {
			pipe.HDel(ctx, index, evictedEvents...)
		}
		return nil
	})
	return err
}

// nextEntryID returns the stream id Redis would assign after last at now:
// the current millisecond, or last's sequence plus one when the clock has
// not moved past last.
func nextEntryID(last string, now time.Time) string {
	ms := now.UnixMilli()
	if msPart, seqPart, ok := strings.Cut(last, "-"); ok {
		lastMs, err1 := strconv.ParseInt(msPart, 10, 64)
		lastSeq, err2 := strconv.ParseUint(seqPart, 10, 64)
		if err1 == nil && err2 == nil && lastMs >= ms {
			return fmt.Sprintf("%d-%d", lastMs, lastSeq+1)
		}
	}
	return fmt.Sprintf("%d-0", ms)
}

// Replay implements DurableLog.
func (l *RedisLog) Replay(ctx context.Context, topic, afterID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	start := "-"
	skipFirst := false
	if afterID != "" {
		entryID, err := l.client.HGet(ctx, l.indexKey(topic), afterID).Result()
		if errors.Is(err, redis.Nil) {
			return nil, types.NewNotFoundError("event", afterID)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor %s: %w", afterID, err)
		}
		start = entryID
		skipFirst = true
	}

	count := int64(limit)
	if skipFirst {
		count++
	}
	msgs, err := l.client.XRangeN(ctx, l.streamKey(topic), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", topic, err)
	}

	out := make([]Event, 0, len(msgs))
	for i, msg := range msgs {
		if skipFirst && i == 0 && msg.ID == start {
			continue
		}
		raw, ok := msg.Values["data"].(string)
		if !ok {
			l.logger.Warn("stream entry without data", zap.String("entry_id", msg.ID))
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			l.logger.Warn("undecodable stream entry", zap.String("entry_id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements DurableLog.
func (l *RedisLog) Close() error { return nil }
