package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("judge cache miss")

// cacheEntry 缓存条目
type cacheEntry struct {
	Response  Response  `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CacheKey 生成缓存键:
// SHA-256(provider || model || normalized_prompt || system || temperature)
func CacheKey(providerName, model, prompt, system string, temperature float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%.4f",
		providerName, model, normalizePrompt(prompt), system, temperature)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizePrompt 折叠空白，使语义等价的提示词命中同一键
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// responseCache 两级缓存：本地 LRU + 可选 Redis
type responseCache struct {
	local  *lruCache
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func newResponseCache(rdb *redis.Client, maxEntries int, ttl time.Duration, logger *zap.Logger) *responseCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &responseCache{
		local:  newLRUCache(maxEntries, ttl),
		redis:  rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *responseCache) redisKey(key string) string {
	return "judge:cache:" + key
}

// Get 查本地缓存，未命中再查 Redis（命中则回填本地）
func (c *responseCache) Get(ctx context.Context, key string) (*Response, error) {
	if entry, ok := c.local.Get(key); ok {
		resp := entry.Response
		return &resp, nil
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
		if err == nil {
			var entry cacheEntry
			if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil {
				c.local.Set(key, &entry)
				resp := entry.Response
				return &resp, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}

	return nil, ErrCacheMiss
}

// Set 写入两级缓存
func (c *responseCache) Set(ctx context.Context, key string, resp *Response) {
	entry := &cacheEntry{
		Response:  *resp,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(c.ttl),
	}
	c.local.Set(key, entry)

	if c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		if err := c.redis.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
		}
	}
}

// ============================================================
// LRU 本地缓存实现（使用双向链表实现 O(1) 操作）
// ============================================================

type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
}

type lruNode struct {
	key       string
	entry     *cacheEntry
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruNode),
	}
}

func (c *lruCache) Get(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	// 检查过期
	if time.Now().After(node.expiresAt) {
		c.removeNode(node)
		delete(c.items, key)
		return nil, false
	}

	c.moveToHead(node)
	return node.entry, true
}

func (c *lruCache) Set(key string, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.entry = entry
		node.expiresAt = time.Now().Add(c.ttl)
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	node := &lruNode{
		key:       key,
		entry:     entry,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.items[key] = node
	c.addToHead(node)
}

func (c *lruCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*lruNode)
	c.head = nil
	c.tail = nil
}

// addToHead 添加节点到头部 O(1)
func (c *lruCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *lruCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (c *lruCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// evictTail 淘汰尾部节点 O(1)
func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}
