package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"nostr-relaypool/internal/types"
)

// Redis implements Adapter, EventStore and Initializer on top of Redis.
//
// Keys (all under the configured prefix):
//
//	relay:<url>                relay status JSON
//	event:<id>                 event JSON
//	replaceable:<dedup key>    id of the newest replaceable version
//	idx:k:<kind>:a:<pubkey>    sorted set of ids by created_at
//	idx:k:<kind>, idx:a:<pubkey>
type Redis struct {
	client *redis.Client
	cfg    Config
	ready  atomic.Bool
}

// NewRedis creates a Redis cache from URL. The connection is checked by
// Initialize, not here.
// URL format: redis://[:password@]host:port/db
func NewRedis(redisURL string, cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	return NewRedisFromClient(redis.NewClient(opts), cfg), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults()}
}

func (r *Redis) key(k string) string {
	return r.cfg.Prefix + k
}

// Initialize pings the server; the cache is ready once it answers.
func (r *Redis) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	r.ready.Store(true)
	return nil
}

func (r *Redis) Ready() bool {
	return r.ready.Load()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) RelayStatus(ctx context.Context, url string) (*RelayStatus, error) {
	data, err := r.client.Get(ctx, r.key("relay:"+url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status RelayStatus
	if err := json.Unmarshal(data, &status); err != nil {
		slog.Error("Redis relay status unmarshal error", "relay", url, "error", err)
		return nil, nil
	}
	return &status, nil
}

func (r *Redis) UpdateRelayStatus(ctx context.Context, url string, status RelayStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	// Keep the record at least until the embargo ends
	ttl := r.cfg.RelayStatusTTL
	if until := time.Until(status.DontConnectBefore); until > ttl {
		ttl = until
	}
	return r.client.Set(ctx, r.key("relay:"+url), data, ttl).Err()
}

func (r *Redis) StoreEvent(ctx context.Context, evt types.Event) error {
	evt.RelaysSeen = nil
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	ttl := r.cfg.EventTTL
	pipe := r.client.TxPipeline()

	if evt.IsReplaceable() {
		replKey := r.key("replaceable:" + evt.DeduplicationKey())
		prevID, err := r.client.Get(ctx, replKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if prevID != "" && prevID != evt.ID {
			prev, found, err := r.getEvent(ctx, prevID)
			if err != nil {
				return err
			}
			if found && prev.CreatedAt >= evt.CreatedAt {
				return nil
			}
			if found {
				for _, idx := range r.indexKeys(prev) {
					pipe.ZRem(ctx, idx, prev.ID)
				}
			}
			pipe.Del(ctx, r.key("event:"+prevID))
		}
		pipe.Set(ctx, replKey, evt.ID, ttl)
	}

	pipe.Set(ctx, r.key("event:"+evt.ID), data, ttl)
	for _, idx := range r.indexKeys(evt) {
		pipe.ZAdd(ctx, idx, redis.Z{Score: float64(evt.CreatedAt), Member: evt.ID})
		pipe.Expire(ctx, idx, ttl)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// QueryEvents answers filters that name ids, kinds or authors. Filters with
// none of those cannot be served from the index and contribute nothing.
func (r *Redis) QueryEvents(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
	var ids []string
	for _, f := range filters {
		found, err := r.candidateIDs(ctx, f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, found...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	events, err := r.getEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	return selectMatching(events, filters), nil
}

func (r *Redis) candidateIDs(ctx context.Context, f types.Filter) ([]string, error) {
	if len(f.IDs) > 0 {
		return f.IDs, nil
	}

	var indexes []string
	switch {
	case len(f.Kinds) > 0 && len(f.Authors) > 0:
		for _, k := range f.Kinds {
			for _, a := range f.Authors {
				indexes = append(indexes, r.kindAuthorIndex(k, a))
			}
		}
	case len(f.Kinds) > 0:
		for _, k := range f.Kinds {
			indexes = append(indexes, r.key("idx:k:"+strconv.Itoa(k)))
		}
	case len(f.Authors) > 0:
		for _, a := range f.Authors {
			indexes = append(indexes, r.key("idx:a:"+a))
		}
	default:
		return nil, nil
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.Since != nil {
		rng.Min = strconv.FormatInt(*f.Since, 10)
	}
	if f.Until != nil {
		rng.Max = strconv.FormatInt(*f.Until, 10)
	}
	if f.Limit > 0 {
		rng.Count = int64(f.Limit)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(indexes))
	for i, idx := range indexes {
		cmds[i] = pipe.ZRevRangeByScore(ctx, idx, rng)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var ids []string
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val()...)
	}
	return ids, nil
}

func (r *Redis) getEvent(ctx context.Context, id string) (types.Event, bool, error) {
	events, err := r.getEvents(ctx, []string{id})
	if err != nil || len(events) == 0 {
		return types.Event{}, false, err
	}
	return events[0], true, nil
}

// getEvents loads events by id, skipping ones that expired.
func (r *Redis) getEvents(ctx context.Context, ids []string) ([]types.Event, error) {
	prefixedKeys := make([]string, len(ids))
	for i, id := range ids {
		prefixedKeys[i] = r.key("event:" + id)
	}

	values, err := r.client.MGet(ctx, prefixedKeys...).Result()
	if err != nil {
		return nil, err
	}

	events := make([]types.Event, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal([]byte(str), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (r *Redis) kindAuthorIndex(kind int, pubkey string) string {
	return r.key("idx:k:" + strconv.Itoa(kind) + ":a:" + pubkey)
}

func (r *Redis) indexKeys(evt types.Event) []string {
	return []string{
		r.kindAuthorIndex(evt.Kind, evt.PubKey),
		r.key("idx:k:" + strconv.Itoa(evt.Kind)),
		r.key("idx:a:" + evt.PubKey),
	}
}
