package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

const (
	redisPrefix        = "voicetrace:spans:"
	redisConversations = "voicetrace:conversations"
	// noConversation keys spans that carry no conversation id.
	noConversation = "_"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// Redis keeps one list of JSON-encoded spans per conversation plus a set of
// known conversation ids.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, cfg.TTL), nil
}

// NewRedis wraps an existing client. A positive ttl expires idle
// conversations.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(convID string) string {
	if convID == "" {
		convID = noConversation
	}
	return redisPrefix + convID
}

func (r *Redis) Export(ctx context.Context, s trace.Span) error {
	return r.ExportBatch(ctx, []trace.Span{s})
}

// ExportBatch appends the batch in a single MULTI/EXEC transaction.
func (r *Redis) ExportBatch(ctx context.Context, spans []trace.Span) error {
	if len(spans) == 0 {
		return nil
	}
	encoded := make(map[string][]any)
	for _, s := range spans {
		s = withIDs(s)
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode span %s: %w", s.SpanID, err)
		}
		key := redisKey(s.ConversationID())
		encoded[key] = append(encoded[key], data)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, values := range encoded {
			pipe.RPush(ctx, key, values...)
			if id := key[len(redisPrefix):]; id != noConversation {
				pipe.SAdd(ctx, redisConversations, id)
			}
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

// Spans reads the matching conversation lists and orders them by start time.
// A span delivered more than once is returned once.
func (r *Redis) Spans(ctx context.Context, q Query) ([]trace.Span, error) {
	keys := []string{redisKey(q.ConversationID)}
	if q.ConversationID == "" {
		ids, err := r.client.SMembers(ctx, redisConversations).Result()
		if err != nil {
			return nil, fmt.Errorf("redis conversations: %w", err)
		}
		for _, id := range ids {
			keys = append(keys, redisKey(id))
		}
	}

	var out []trace.Span
	seen := map[string]struct{}{}
	for _, key := range keys {
		values, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis read %s: %w", key, err)
		}
		for _, v := range values {
			var s trace.Span
			if err = json.Unmarshal([]byte(v), &s); err != nil {
				return nil, fmt.Errorf("decode span in %s: %w", key, err)
			}
			if _, dup := seen[s.SpanID]; dup || !q.match(s) {
				continue
			}
			seen[s.SpanID] = struct{}{}
			out = append(out, s)
		}
	}
	sortSpans(out)
	return limit(out, q.Limit), nil
}

// Conversations summarizes every known conversation. Ids whose list has
// expired are dropped from the set.
func (r *Redis) Conversations(ctx context.Context) ([]Conversation, error) {
	ids, err := r.client.SMembers(ctx, redisConversations).Result()
	if err != nil {
		return nil, fmt.Errorf("redis conversations: %w", err)
	}
	var spans []trace.Span
	for _, id := range ids {
		got, err := r.Spans(ctx, Query{ConversationID: id})
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			r.client.SRem(ctx, redisConversations, id)
			continue
		}
		spans = append(spans, got...)
	}
	return summarize(spans), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
