package livesync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"github.com/redis/go-redis/v9"
)

// redis-backed cache for server-side deployments where several console
// processes share one cache. each partition is a redis hash keyed by the
// full cache key, so partition invalidation is a single DEL.
// redis errors degrade to cache misses, they never propagate.

type RedisCacheSettings struct {
	KeyPrefix string
}

func DefaultRedisCacheSettings() *RedisCacheSettings {
	return &RedisCacheSettings{
		KeyPrefix: "livesync",
	}
}

type RedisCache struct {
	ctx      context.Context
	client   redis.UniversalClient
	settings *RedisCacheSettings
}

func NewRedisCacheWithDefaults(ctx context.Context, client redis.UniversalClient) *RedisCache {
	return NewRedisCache(ctx, client, DefaultRedisCacheSettings())
}

func NewRedisCache(ctx context.Context, client redis.UniversalClient, settings *RedisCacheSettings) *RedisCache {
	return &RedisCache{
		ctx:      ctx,
		client:   client,
		settings: settings,
	}
}

func (self *RedisCache) hashKey(partition string) string {
	return fmt.Sprintf("%s:%s", self.settings.KeyPrefix, partition)
}

func (self *RedisCache) Get(key string, value any) bool {
	valueJson, err := self.client.HGet(self.ctx, self.hashKey(cachePartition(key)), key).Result()
	if err != nil {
		if err != redis.Nil {
			glog.V(2).Infof("[cache]redis get %s = %s\n", key, err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(valueJson), value); err != nil {
		glog.V(2).Infof("[cache]decode %s = %s\n", key, err)
		return false
	}
	return true
}

func (self *RedisCache) Set(key string, value any) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		glog.Warningf("[cache]encode %s = %s\n", key, err)
		return
	}
	if err := self.client.HSet(self.ctx, self.hashKey(cachePartition(key)), key, string(valueJson)).Err(); err != nil {
		glog.V(2).Infof("[cache]redis set %s = %s\n", key, err)
	}
}

func (self *RedisCache) Invalidate(key string) {
	if err := self.client.HDel(self.ctx, self.hashKey(cachePartition(key)), key).Err(); err != nil {
		glog.V(2).Infof("[cache]redis invalidate %s = %s\n", key, err)
	}
}

func (self *RedisCache) InvalidatePartition(partition string) {
	if err := self.client.Del(self.ctx, self.hashKey(partition)).Err(); err != nil {
		glog.V(2).Infof("[cache]redis invalidate partition %s = %s\n", partition, err)
	}
}

func (self *RedisCache) InvalidateAll() {
	iter := self.client.Scan(self.ctx, 0, fmt.Sprintf("%s:*", self.settings.KeyPrefix), 0).Iterator()
	for iter.Next(self.ctx) {
		if err := self.client.Del(self.ctx, iter.Val()).Err(); err != nil {
			glog.V(2).Infof("[cache]redis invalidate all %s = %s\n", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		glog.V(2).Infof("[cache]redis scan = %s\n", err)
	}
}
