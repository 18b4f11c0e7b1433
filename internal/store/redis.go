package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
)

const (
	payloadField = "payload"
	readCount    = 100
	scanCount    = 100
)

// RedisStore keeps each conversation log in a Redis stream. Entry ids give the
// append order.
type RedisStore struct {
	client *redis.Client
	prefix string
	block  time.Duration
	log    *zap.SugaredLogger
}

// RedisConfig configures the Redis connection and stream naming.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Block    time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig, log *zap.SugaredLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg.Prefix, cfg.Block, log), nil
}

func newRedisStore(client *redis.Client, prefix string, block time.Duration, log *zap.SugaredLogger) *RedisStore {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &RedisStore{client: client, prefix: prefix, block: block, log: log}
}

// StreamKey is the Redis key of the stream holding path.
func (s *RedisStore) StreamKey(path string) string {
	return s.prefix + ":" + path
}

// Append adds msg to the end of the stream.
func (s *RedisStore) Append(ctx context.Context, path string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.StreamKey(path),
		Values: map[string]interface{}{payloadField: string(data)},
	}).Err()
}

// History reads the whole stream.
func (s *RedisStore) History(ctx context.Context, path string) ([]models.Message, error) {
	entries, err := s.client.XRange(ctx, s.StreamKey(path), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeEntry(e)
		if err != nil {
			s.log.Warnw("skipping undecodable entry", "stream", s.StreamKey(path), "id", e.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// SubscribeOrdered replays with XRANGE and then follows with blocking XREAD.
// A read failure ends the subscription without notice.
func (s *RedisStore) SubscribeOrdered(ctx context.Context, path string, onAdd func(models.Message)) (channel.Unsubscribe, error) {
	key := s.StreamKey(path)
	entries, err := s.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, err
	}

	lastID := "0"
	for _, e := range entries {
		if msg, err := decodeEntry(e); err == nil {
			onAdd(msg)
		}
		lastID = e.ID
	}

	followCtx, cancel := context.WithCancel(context.Background())
	go s.follow(followCtx, key, lastID, onAdd)
	return channel.Unsubscribe(cancel), nil
}

func (s *RedisStore) follow(ctx context.Context, key, lastID string, onAdd func(models.Message)) {
	for {
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   readCount,
			Block:   s.block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.log.Warnw("redis subscription stopped", "stream", key, "error", err)
			return
		}

		for _, stream := range streams {
			for _, e := range stream.Messages {
				lastID = e.ID
				msg, err := decodeEntry(e)
				if err != nil {
					s.log.Warnw("skipping undecodable entry", "stream", key, "id", e.ID, "error", err)
					continue
				}
				if ctx.Err() != nil {
					return
				}
				onAdd(msg)
			}
		}
	}
}

func decodeEntry(e redis.XMessage) (models.Message, error) {
	raw, ok := e.Values[payloadField].(string)
	if !ok {
		return models.Message{}, fmt.Errorf("entry %s has no %s field", e.ID, payloadField)
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// participantGlobs match the stream keys of conversations whose key starts or
// ends with id.
func (s *RedisStore) participantGlobs(id string) []string {
	prefix := globEscaper.Replace(s.prefix) + ":"
	esc := globEscaper.Replace(id)
	return []string{
		prefix + conversation.MessagesPath(esc+"_*"),
		prefix + conversation.MessagesPath("*_"+esc),
	}
}

// Conversations scans for the participant's streams and reads the last entry
// and length of each.
func (s *RedisStore) Conversations(ctx context.Context, participantID string) ([]channel.LogSummary, error) {
	seen := make(map[string]struct{})
	var out []channel.LogSummary
	for _, match := range s.participantGlobs(participantID) {
		iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			summary, ok, err := s.summarize(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, summary)
			}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RedisStore) summarize(ctx context.Context, key string) (channel.LogSummary, bool, error) {
	count, err := s.client.XLen(ctx, key).Result()
	if err != nil || count == 0 {
		return channel.LogSummary{}, false, err
	}
	last, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil || len(last) == 0 {
		return channel.LogSummary{}, false, err
	}
	msg, err := decodeEntry(last[0])
	if err != nil {
		s.log.Warnw("skipping undecodable entry", "stream", key, "id", last[0].ID, "error", err)
	}
	return channel.LogSummary{
		Path:          strings.TrimPrefix(key, s.prefix+":"),
		LastTimestamp: msg.Timestamp,
		Count:         count,
	}, true, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
