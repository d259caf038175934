package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

type migration struct{ from, to string }

// Tags serves per-train tag counts kept in Redis hashes named
// <prefix>:tags:<trainId>. Reads come from an in-memory copy refreshed by
// Sync, so the tick never waits on Redis.
type Tags struct {
	client *redis.Client
	prefix string

	mu      sync.RWMutex
	counts  map[string]map[string]int
	pending []migration
}

func NewTags(client *redis.Client, prefix string) *Tags {
	if prefix == "" {
		prefix = "metrorail"
	}
	return &Tags{client: client, prefix: prefix, counts: make(map[string]map[string]int)}
}

func (t *Tags) hashKey(trainID string) string {
	return t.prefix + ":tags:" + trainID
}

// TrainTagCounts returns a copy of the counts for a train, or nil.
func (t *Tags) TrainTagCounts(trainID string) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.counts[trainID]
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// MigrateTrainTags folds the counts of one train id into another. The local
// copy changes immediately; Redis follows on the next Sync.
func (t *Tags) MigrateTrainTags(fromID, toID string) {
	if fromID == toID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if src, ok := t.counts[fromID]; ok {
		dst := t.counts[toID]
		if dst == nil {
			dst = make(map[string]int, len(src))
			t.counts[toID] = dst
		}
		for k, v := range src {
			dst[k] += v
		}
		delete(t.counts, fromID)
	}
	t.pending = append(t.pending, migration{fromID, toID})
}

// Sync writes pending migrations to Redis and reloads every tag hash.
func (t *Tags) Sync(ctx context.Context) error {
	if t.client == nil {
		return nil
	}
	if err := t.flush(ctx); err != nil {
		return err
	}
	return t.refresh(ctx)
}

func (t *Tags) flush(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for i, m := range pending {
		src, err := t.client.HGetAll(ctx, t.hashKey(m.from)).Result()
		if err != nil {
			t.requeue(pending[i:])
			return fmt.Errorf("read tags of %s: %w", m.from, err)
		}
		if len(src) == 0 {
			continue
		}
		pipe := t.client.TxPipeline()
		for tag, raw := range src {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			pipe.HIncrBy(ctx, t.hashKey(m.to), tag, n)
		}
		pipe.Del(ctx, t.hashKey(m.from))
		if _, err := pipe.Exec(ctx); err != nil {
			t.requeue(pending[i:])
			return fmt.Errorf("migrate tags %s -> %s: %w", m.from, m.to, err)
		}
	}
	return nil
}

func (t *Tags) requeue(ms []migration) {
	t.mu.Lock()
	t.pending = append(append([]migration(nil), ms...), t.pending...)
	t.mu.Unlock()
}

func (t *Tags) refresh(ctx context.Context) error {
	counts := make(map[string]map[string]int)
	prefix := t.hashKey("")
	iter := t.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := t.client.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if c := parseCounts(raw); len(c) > 0 {
			counts[strings.TrimPrefix(key, prefix)] = c
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan tags: %w", err)
	}

	t.mu.Lock()
	// migrations queued during the scan were already applied locally
	for _, m := range t.pending {
		if src, ok := counts[m.from]; ok {
			dst := counts[m.to]
			if dst == nil {
				dst = make(map[string]int)
				counts[m.to] = dst
			}
			for k, v := range src {
				dst[k] += v
			}
			delete(counts, m.from)
		}
	}
	t.counts = counts
	t.mu.Unlock()
	return nil
}

func parseCounts(raw map[string]string) map[string]int {
	out := make(map[string]int, len(raw))
	for tag, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		out[tag] = n
	}
	return out
}
