package bizconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// File reads a YAML or JSON file on every Load so edits apply to the next
// call without a restart.
type File struct {
	Path string
}

func (f File) Load(ctx context.Context) (Snapshot, error) {
	v := viper.New()
	v.SetConfigFile(f.Path)
	if err := v.ReadInConfig(); err != nil {
		return Snapshot{}, fmt.Errorf("bizconfig: read %s: %w", f.Path, err)
	}
	snap := Snapshot{}
	if err := v.Unmarshal(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("bizconfig: decode %s: %w", f.Path, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Cached keeps the last snapshot in redis for a short TTL so a burst of
// calls does not hammer the source. Redis errors fall through to the source.
type Cached struct {
	Source Provider
	RDB    *redis.Client
	Key    string
	TTL    time.Duration
}

func NewCached(src Provider, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{Source: src, RDB: rdb, Key: "bookline:bizconfig", TTL: ttl}
}

func (c *Cached) Load(ctx context.Context) (Snapshot, error) {
	s, err := c.RDB.Get(ctx, c.Key).Result()
	if err == nil {
		var snap Snapshot
		if json.Unmarshal([]byte(s), &snap) == nil {
			return snap, nil
		}
		// data corrupt: treat as miss by deleting
		_ = c.RDB.Del(ctx, c.Key).Err()
	}
	snap, err := c.Source.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if b, err := json.Marshal(snap); err == nil && c.TTL > 0 {
		_ = c.RDB.Set(ctx, c.Key, b, c.TTL).Err()
	}
	return snap, nil
}
