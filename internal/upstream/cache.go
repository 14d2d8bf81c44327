package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/seatwatch/internal/model"
)

// CacheEntry はキャッシュに保存する取得結果と取得時刻。
type CacheEntry struct {
	Data      *model.CourseData `json:"data"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Cache は上流レスポンスのキャッシュインターフェース。
// retentionは有効期限切れ（stale）データを保持する期間で、鮮度判定は呼び出し側で行う。
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry CacheEntry, retention time.Duration) error
}

// CacheKey は（term, 正規化した科目, コース番号）からキャッシュキーを生成する。
func CacheKey(term, subject, courseNumber string) string {
	return term + "|" + model.NormalizeSubject(subject) + "|" + courseNumber
}

// cloneCourse はキャッシュと呼び出し元でセクションスライスを共有しないようにコピーする。
func cloneCourse(src *model.CourseData) *model.CourseData {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Sections = make([]model.SectionData, len(src.Sections))
	copy(dst.Sections, src.Sections)
	return &dst
}

// MemoryCache はプロセス内のTTLマップによるCache実装。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     CacheEntry
	expiresAt time.Time
}

// NewMemoryCache はMemoryCacheの新しいインスタンスを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get はキーに対応するエントリを返す。保持期間を過ぎたエントリは削除する。
func (c *MemoryCache) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return &CacheEntry{Data: cloneCourse(e.entry.Data), FetchedAt: e.entry.FetchedAt}, true, nil
}

// Set はエントリを保存する。
func (c *MemoryCache) Set(_ context.Context, key string, entry CacheEntry, retention time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{
		entry:     CacheEntry{Data: cloneCourse(entry.Data), FetchedAt: entry.FetchedAt},
		expiresAt: c.now().Add(retention),
	}
	return nil
}

// Len は保持しているエントリ数を返す。
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// redisKeyPrefix はRedis上のキー名前空間。
const redisKeyPrefix = "seatwatch:course:"

// RedisCache はRedisによるCache実装。複数プロセスでキャッシュを共有する。
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache はRedisCacheの新しいインスタンスを生成する。
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get はRedisからエントリを取得する。キーが存在しない場合はok=falseを返す。
func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("キャッシュエントリのデコードに失敗しました: %w", err)
	}
	return &entry, true, nil
}

// Set はエントリをJSONとして保存し、retention経過後に失効させる。
func (c *RedisCache) Set(ctx context.Context, key string, entry CacheEntry, retention time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("キャッシュエントリのエンコードに失敗しました: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// NewRedisClient は接続設定からRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
