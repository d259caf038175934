// Package cache keeps the latest snapshot in Redis for readers outside the
// process and restores it after a restart.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/rail"
)

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    logger.Logger
}

// Open connects to url and pings it. The prefix namespaces every key.
func Open(ctx context.Context, url, prefix string, ttl time.Duration, log logger.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	log.Info("redis connected", "addr", opts.Addr)
	return New(client, prefix, ttl, log), nil
}

func New(client *redis.Client, prefix string, ttl time.Duration, log logger.Logger) *Cache {
	if prefix == "" {
		prefix = "metrorail"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (c *Cache) Client() *redis.Client { return c.client }

func (c *Cache) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// liveNotice is published on the live channel after every snapshot write.
type liveNotice struct {
	At       time.Time `json:"at"`
	Trains   int       `json:"trains"`
	Stations int       `json:"stations"`
}

// PublishSnapshot stores the train and station maps and announces the write.
func (c *Cache) PublishSnapshot(ctx context.Context, snap *rail.Snapshot) error {
	trains, err := json.Marshal(snap.Trains)
	if err != nil {
		return err
	}
	stations, err := json.Marshal(snap.Stations)
	if err != nil {
		return err
	}
	notice, err := json.Marshal(liveNotice{At: snap.At, Trains: len(snap.Trains), Stations: len(snap.Stations)})
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key("trains"), trains, c.ttl)
	pipe.Set(ctx, c.key("stations"), stations, c.ttl)
	if len(snap.DelayStatus) > 0 {
		delays, err := json.Marshal(snap.DelayStatus)
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.key("delays"), delays, c.ttl)
	}
	pipe.Publish(ctx, c.key("live"), notice)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadTrains returns the cached train map, or nil when none is stored.
func (c *Cache) LoadTrains(ctx context.Context) (map[string]*rail.TrainStatus, error) {
	val, err := c.client.Get(ctx, c.key("trains")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var trains map[string]*rail.TrainStatus
	if err := json.Unmarshal(val, &trains); err != nil {
		return nil, fmt.Errorf("decode cached trains: %w", err)
	}
	return trains, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
